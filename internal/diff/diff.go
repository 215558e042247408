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

// Package diff computes schema, row and semantic differences between two
// versions of a table. Chunk-hash equality is the accelerator: when both
// versions reference the same chunk set, no row is ever decoded.
package diff

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"rhizo/internal/catalog"
	"rhizo/internal/common"
	"rhizo/internal/reader"
	"rhizo/internal/table"
)

// semanticSampleRows bounds the rows inspected for semantic summaries.
const semanticSampleRows = 1000

// Algebraic op types, per column, enabling semantic diff summaries.
const (
	OpAdd       = "add"
	OpMax       = "max"
	OpMin       = "min"
	OpUnion     = "union"
	OpIntersect = "intersect"
	OpMultiply  = "multiply"
	OpOverwrite = "overwrite"
	OpUnknown   = "unknown"
)

// SchemaDiff compares two schemas by column name.
type SchemaDiff struct {
	Added       []string
	Removed     []string
	TypeChanges []string
	Unchanged   []string
}

// Empty reports whether the two schemas matched exactly.
func (d SchemaDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.TypeChanges) == 0
}

// SemanticChange is a natural-language summary of one modified column,
// derived from its algebraic op type over a bounded row sample.
type SemanticChange struct {
	Column  string
	Op      string
	Summary string
}

// Options adjusts a diff computation.
type Options struct {
	// KeyColumns identify rows across versions. Defaults to the table's
	// primary key; with neither, the row diff is skipped.
	KeyColumns []string
	// Algebraic maps column name to op type. Defaults to the table meta's
	// algebraic schema.
	Algebraic map[string]string
}

// Result carries everything a diff produced.
type Result struct {
	Table    string
	VersionA uint64
	VersionB uint64

	Schema SchemaDiff

	ChunksA         int
	ChunksB         int
	ChunksSkipped   int // in both versions, never decoded
	ChunksScanned   int // unique to one side
	ShortCircuited  bool

	Added          *table.Table // rows only in B
	Removed        *table.Table // rows only in A
	Modified       *table.Table // key cols + __old_/__new_ pairs
	RowsAdded      int64
	RowsRemoved    int64
	RowsModified   int64
	UnchangedCount int64

	Semantic []SemanticChange
	Elapsed  time.Duration
}

// Engine computes version diffs.
type Engine struct {
	r   *reader.Reader
	cat *catalog.Catalog
}

func New(r *reader.Reader, cat *catalog.Catalog) *Engine {
	return &Engine{r: r, cat: cat}
}

// Diff compares versionA and versionB of a table; version 0 means latest.
func (e *Engine) Diff(tbl string, versionA, versionB uint64, opts Options) (*Result, error) {
	start := time.Now()
	name, err := common.NormalizeTableName(tbl)
	if err != nil {
		return nil, err
	}
	recA, err := e.cat.GetVersion(name, versionA)
	if err != nil {
		return nil, err
	}
	recB, err := e.cat.GetVersion(name, versionB)
	if err != nil {
		return nil, err
	}
	schemaA, err := recA.Schema()
	if err != nil {
		return nil, err
	}
	schemaB, err := recB.Schema()
	if err != nil {
		return nil, err
	}

	res := &Result{
		Table:    name,
		VersionA: recA.Version,
		VersionB: recB.Version,
		Schema:   diffSchemas(schemaA, schemaB),
		ChunksA:  len(recA.ChunkHashes),
		ChunksB:  len(recB.ChunkHashes),
	}

	setA := hashSet(recA.ChunkHashes)
	setB := hashSet(recB.ChunkHashes)
	shared := 0
	for h := range setA {
		if _, ok := setB[h]; ok {
			shared++
		}
	}
	res.ChunksSkipped = shared
	res.ChunksScanned = (len(setA) - shared) + (len(setB) - shared)

	if len(setA) == len(setB) && shared == len(setA) {
		// Identical chunk sets: the data is byte-for-byte the same.
		res.ShortCircuited = true
		res.UnchangedCount = recA.TotalRows()
		res.Elapsed = time.Since(start)
		return res, nil
	}

	keyCols := opts.KeyColumns
	algebraic := opts.Algebraic
	meta, err := e.cat.GetTableMeta(name)
	if err != nil {
		return nil, err
	}
	if len(keyCols) == 0 {
		keyCols = meta.PrimaryKey
	}
	if algebraic == nil {
		algebraic = meta.Algebraic
	}
	if len(keyCols) == 0 {
		res.Elapsed = time.Since(start)
		return res, nil
	}
	for _, k := range keyCols {
		if schemaA.FieldIndex(k) < 0 || schemaB.FieldIndex(k) < 0 {
			return nil, fmt.Errorf("key column %q not present in both versions: %w", k, common.ErrValidation)
		}
	}

	dataA, err := e.r.ReadTable(name, recA.Version, nil, nil)
	if err != nil {
		return nil, err
	}
	dataB, err := e.r.ReadTable(name, recB.Version, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := e.rowDiff(res, dataA, dataB, keyCols); err != nil {
		return nil, err
	}
	if len(algebraic) > 0 && res.RowsModified > 0 {
		res.Semantic = semanticChanges(res.Modified, keyCols, algebraic)
	}

	res.Elapsed = time.Since(start)
	log.WithFields(log.Fields{
		"table":    name,
		"added":    res.RowsAdded,
		"removed":  res.RowsRemoved,
		"modified": res.RowsModified,
		"elapsed":  res.Elapsed,
	}).Debug("diff computed")
	return res, nil
}

func hashSet(hashes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

func diffSchemas(a, b table.Schema) SchemaDiff {
	var d SchemaDiff
	for _, f := range b.Fields {
		i := a.FieldIndex(f.Name)
		switch {
		case i < 0:
			d.Added = append(d.Added, f.Name)
		case a.Fields[i].Type != f.Type:
			d.TypeChanges = append(d.TypeChanges, f.Name)
		default:
			d.Unchanged = append(d.Unchanged, f.Name)
		}
	}
	for _, f := range a.Fields {
		if b.FieldIndex(f.Name) < 0 {
			d.Removed = append(d.Removed, f.Name)
		}
	}
	return d
}

// rowDiff keys both sides and classifies rows. Rows with NULL in any key
// column cannot be matched across versions; they count as removed (side A)
// or added (side B).
func (e *Engine) rowDiff(res *Result, dataA, dataB *table.Table, keyCols []string) error {
	keysA, nullA, err := rowKeys(dataA, keyCols)
	if err != nil {
		return err
	}
	keysB, nullB, err := rowKeys(dataB, keyCols)
	if err != nil {
		return err
	}
	indexA := make(map[string]int, len(keysA))
	for r, k := range keysA {
		if !nullA[r] {
			indexA[k] = r
		}
	}
	indexB := make(map[string]int, len(keysB))
	for r, k := range keysB {
		if !nullB[r] {
			indexB[k] = r
		}
	}

	// Non-key columns present in both schemas, compared pairwise.
	shared := sharedValueColumns(dataA.Schema(), dataB.Schema(), keyCols)

	var addedRows, removedRows []int
	var modified []rowPair
	changedCols := map[string]bool{}

	for r := 0; r < dataB.NumRows(); r++ {
		if nullB[r] {
			addedRows = append(addedRows, r)
			continue
		}
		ra, ok := indexA[keysB[r]]
		if !ok {
			addedRows = append(addedRows, r)
			continue
		}
		diffCols, err := changedColumns(dataA, ra, dataB, r, shared)
		if err != nil {
			return err
		}
		if len(diffCols) > 0 {
			modified = append(modified, rowPair{a: ra, b: r})
			for _, c := range diffCols {
				changedCols[c] = true
			}
		}
	}
	for r := 0; r < dataA.NumRows(); r++ {
		if nullA[r] {
			removedRows = append(removedRows, r)
			continue
		}
		if _, ok := indexB[keysA[r]]; !ok {
			removedRows = append(removedRows, r)
		}
	}

	added, err := rowsSubset(dataB, addedRows)
	if err != nil {
		return err
	}
	removed, err := rowsSubset(dataA, removedRows)
	if err != nil {
		return err
	}

	cols := make([]string, 0, len(changedCols))
	for c := range changedCols {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	mod, err := buildModifiedTable(dataA, dataB, modified, keyCols, cols)
	if err != nil {
		return err
	}

	res.Added = added
	res.Removed = removed
	res.Modified = mod
	res.RowsAdded = int64(len(addedRows))
	res.RowsRemoved = int64(len(removedRows))
	res.RowsModified = int64(len(modified))
	res.UnchangedCount = int64(dataA.NumRows()) - res.RowsRemoved - res.RowsModified
	return nil
}

// rowKeys encodes the key tuple for every row. hasNull marks rows whose key
// contains NULL.
func rowKeys(t *table.Table, keyCols []string) ([]string, []bool, error) {
	cols := make([][]table.Value, len(keyCols))
	for i, name := range keyCols {
		vals, err := t.ColumnByName(name)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = vals
	}
	keys := make([]string, t.NumRows())
	hasNull := make([]bool, t.NumRows())
	var buf []byte
	for r := 0; r < t.NumRows(); r++ {
		buf = buf[:0]
		for _, col := range cols {
			if col[r].IsNull() {
				hasNull[r] = true
				break
			}
			buf = col[r].KeyEncode(buf)
			buf = append(buf, 0)
		}
		if !hasNull[r] {
			keys[r] = string(buf)
		}
	}
	return keys, hasNull, nil
}

func sharedValueColumns(a, b table.Schema, keyCols []string) []string {
	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	var out []string
	for _, f := range a.Fields {
		if isKey[f.Name] {
			continue
		}
		i := b.FieldIndex(f.Name)
		if i >= 0 && b.Fields[i].Type == f.Type {
			out = append(out, f.Name)
		}
	}
	return out
}

func changedColumns(a *table.Table, ra int, b *table.Table, rb int, cols []string) ([]string, error) {
	var changed []string
	for _, name := range cols {
		va, err := a.ColumnByName(name)
		if err != nil {
			return nil, err
		}
		vb, err := b.ColumnByName(name)
		if err != nil {
			return nil, err
		}
		if !va[ra].Equal(vb[rb]) {
			changed = append(changed, name)
		}
	}
	return changed, nil
}

func rowsSubset(t *table.Table, rows []int) (*table.Table, error) {
	out := table.New(t.Schema())
	for _, r := range rows {
		if err := out.AppendRow(t.Row(r)...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowPair struct{ a, b int }

// buildModifiedTable produces key columns plus __old_/__new_ pairs for every
// column that changed in at least one modified row.
func buildModifiedTable(a, b *table.Table, pairs []rowPair, keyCols, changedCols []string) (*table.Table, error) {
	fields := make([]table.Field, 0, len(keyCols)+2*len(changedCols))
	schemaB := b.Schema()
	for _, k := range keyCols {
		i := schemaB.FieldIndex(k)
		fields = append(fields, table.Field{Name: k, Type: schemaB.Fields[i].Type, Nullable: schemaB.Fields[i].Nullable})
	}
	for _, c := range changedCols {
		i := schemaB.FieldIndex(c)
		fields = append(fields, table.Field{Name: "__old_" + c, Type: schemaB.Fields[i].Type, Nullable: true})
		fields = append(fields, table.Field{Name: "__new_" + c, Type: schemaB.Fields[i].Type, Nullable: true})
	}
	schema, err := table.NewSchema(fields...)
	if err != nil {
		return nil, err
	}
	out := table.New(schema)
	for _, p := range pairs {
		row := make([]table.Value, 0, len(fields))
		for _, k := range keyCols {
			vals, err := b.ColumnByName(k)
			if err != nil {
				return nil, err
			}
			row = append(row, vals[p.b])
		}
		for _, c := range changedCols {
			oldVals, err := a.ColumnByName(c)
			if err != nil {
				return nil, err
			}
			newVals, err := b.ColumnByName(c)
			if err != nil {
				return nil, err
			}
			row = append(row, oldVals[p.a], newVals[p.b])
		}
		if err := out.AppendRow(row...); err != nil {
			return nil, err
		}
	}
	return out, nil
}
