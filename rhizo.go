// Copyright 2025 Rhizo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rhizo is a versioned, content-addressable, columnar table store
// with branches and cross-table transactions. Every write produces an
// immutable table version made of compressed parquet chunks addressed by
// hash; branches point tables at versions; transactions publish multi-table
// changes atomically.
//
//	db, err := rhizo.Open("/path/to/store")
//	defer db.Close()
//	db.Write("events", tbl, rhizo.WriteOptions{})
package rhizo

import (
	"rhizo/internal/branch"
	"rhizo/internal/catalog"
	"rhizo/internal/common"
	"rhizo/internal/db"
	"rhizo/internal/diff"
	"rhizo/internal/gc"
	"rhizo/internal/table"
	"rhizo/internal/txn"
	"rhizo/internal/writer"
)

// Database is the top-level handle over one store directory.
type Database = db.Database

// Open initializes or creates a store at root.
func Open(root string) (*Database, error) { return db.Open(root) }

// Table construction and scalar values.
type (
	Table  = table.Table
	Schema = table.Schema
	Field  = table.Field
	Value  = table.Value
	Filter = table.Filter
	Kind   = table.Kind
)

// Column types.
const (
	KindBool   = table.KindBool
	KindI64    = table.KindI64
	KindF64    = table.KindF64
	KindString = table.KindString
	KindBytes  = table.KindBytes
)

var (
	NewTable         = table.New
	NewSchema        = table.NewSchema
	TableFromRows    = table.FromRows
	TableFromColumns = table.FromColumns

	Null   = table.Null
	Bool   = table.Bool
	I64    = table.I64
	F64    = table.F64
	String = table.String
	Bytes  = table.Bytes
)

// Filter operators.
const (
	OpEq      = table.OpEq
	OpNe      = table.OpNe
	OpLt      = table.OpLt
	OpLe      = table.OpLe
	OpGt      = table.OpGt
	OpGe      = table.OpGe
	OpIn      = table.OpIn
	OpNotIn   = table.OpNotIn
	OpIsNull  = table.OpIsNull
	OpNotNull = table.OpNotNull
	OpLike    = table.OpLike
)

// Write-side types.
type (
	WriteOptions = writer.Options
	WriteResult  = writer.WriteResult
	TableVersion = catalog.TableVersion
	TableMeta    = catalog.TableMeta
)

// Branching.
type (
	Branch     = branch.Branch
	BranchDiff = branch.BranchDiff
)

// Transactions and the changelog.
type (
	TransactionInfo = txn.TransactionInfo
	ChangelogEntry  = txn.ChangelogEntry
	ChangelogQuery  = txn.ChangelogQuery
	RecoveryReport  = txn.RecoveryReport
)

// Diff and GC.
type (
	DiffOptions = diff.Options
	DiffResult  = diff.Result
	GCPolicy    = gc.Policy
	GCReport    = gc.Report
)

// Error kinds, classifiable with errors.Is.
var (
	ErrTableNotFound   = common.ErrTableNotFound
	ErrVersionNotFound = common.ErrVersionNotFound
	ErrBranchNotFound  = common.ErrBranchNotFound
	ErrValidation      = common.ErrValidation
	ErrSchemaEvolution = common.ErrSchemaEvolution
	ErrPrimaryKey      = common.ErrPrimaryKey
	ErrConflict        = common.ErrConflict
	ErrMergeConflict   = common.ErrMergeConflict
	ErrIntegrity       = common.ErrIntegrity
	ErrSizeLimit       = common.ErrSizeLimit
	ErrIO              = common.ErrIO
	ErrFormatVersion   = common.ErrFormatVersion
)
