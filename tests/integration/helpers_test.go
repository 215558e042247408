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

// Package integration exercises whole-store scenarios through the public
// rhizo API: multi-version table lifecycles, cross-table transactions,
// branch fork-and-merge flows and garbage collection, each against a real
// store directory.
package integration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"rhizo"
)

// Env is one store directory plus its open handle.
type Env struct {
	Root string
	DB   *rhizo.Database
}

func NewEnv(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()
	db, err := rhizo.Open(root)
	require.NoError(t, err)
	env := &Env{Root: root, DB: db}
	t.Cleanup(func() { env.DB.Close() })
	return env
}

// Reopen closes and reopens the store, as across a process restart.
func (e *Env) Reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, e.DB.Close())
	db, err := rhizo.Open(e.Root)
	require.NoError(t, err)
	e.DB = db
}

func ordersSchema(t *testing.T) rhizo.Schema {
	t.Helper()
	schema, err := rhizo.NewSchema(
		rhizo.Field{Name: "id", Type: rhizo.KindI64},
		rhizo.Field{Name: "item", Type: rhizo.KindString, Nullable: true},
		rhizo.Field{Name: "qty", Type: rhizo.KindI64, Nullable: true},
	)
	require.NoError(t, err)
	return schema
}

// ordersTable builds n orders with ids starting at from.
func ordersTable(t *testing.T, from, n int64) *rhizo.Table {
	t.Helper()
	tbl := rhizo.NewTable(ordersSchema(t))
	for i := int64(0); i < n; i++ {
		id := from + i
		require.NoError(t, tbl.AppendRow(
			rhizo.I64(id),
			rhizo.String(fmt.Sprintf("item-%d", id)),
			rhizo.I64(id*10),
		))
	}
	return tbl
}
