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

package writer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo/internal/catalog"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/table"
)

func testWriter(t *testing.T) (*Writer, *catalog.Catalog, *chunkstore.Store) {
	t.Helper()
	layout := common.NewLayout(t.TempDir())
	store, err := chunkstore.New(layout.ChunksDir(), true)
	require.NoError(t, err)
	cat, err := catalog.New(layout)
	require.NoError(t, err)
	return New(store, cat, DefaultConfig()), cat, store
}

func eventsTable(t *testing.T, n int) *table.Table {
	t.Helper()
	schema, err := table.NewSchema(
		table.Field{Name: "id", Type: table.KindI64},
		table.Field{Name: "name", Type: table.KindString, Nullable: true},
	)
	require.NoError(t, err)
	tbl := table.New(schema)
	for i := 0; i < n; i++ {
		require.NoError(t, tbl.AppendRow(table.I64(int64(i)), table.String(fmt.Sprintf("row-%d", i))))
	}
	return tbl
}

func TestWriteCommitsVersion(t *testing.T) {
	t.Parallel()
	w, cat, store := testWriter(t)

	res, err := w.Write("Events", eventsTable(t, 10), Options{})
	require.NoError(t, err)
	assert.Equal(t, "events", res.Table, "table names normalize to lowercase")
	assert.EqualValues(t, 1, res.Version)
	assert.EqualValues(t, 10, res.TotalRows)
	require.NotEmpty(t, res.ChunkHashes)
	assert.True(t, store.Exists(res.ChunkHashes[0]))

	rec, err := cat.GetVersion("events", 1)
	require.NoError(t, err)
	schema, err := rec.Schema()
	require.NoError(t, err)
	assert.Equal(t, 2, schema.NumFields())
	require.Len(t, rec.ChunkStats, len(res.ChunkHashes))
	assert.True(t, rec.ChunkStats[0]["id"].Min.Equal(table.I64(0)))
}

func TestWriteValidation(t *testing.T) {
	t.Parallel()
	w, _, _ := testWriter(t)

	t.Run("empty table", func(t *testing.T) {
		schema, err := table.NewSchema(table.Field{Name: "id", Type: table.KindI64})
		require.NoError(t, err)
		_, err = w.Write("t", table.New(schema), Options{})
		assert.ErrorIs(t, err, common.ErrValidation)
	})

	t.Run("bad table name", func(t *testing.T) {
		_, err := w.Write("bad name!", eventsTable(t, 1), Options{})
		assert.ErrorIs(t, err, common.ErrValidation)
	})

	t.Run("too many columns", func(t *testing.T) {
		small := New(nil, nil, Config{ChunkSizeBytes: 1 << 20, MaxTableSizeBytes: 1 << 30, MaxColumns: 1})
		_, err := small.WriteChunksOnly("t", eventsTable(t, 1), Options{})
		assert.ErrorIs(t, err, common.ErrSizeLimit)
	})
}

func TestSchemaEvolutionAdditive(t *testing.T) {
	t.Parallel()
	w, _, _ := testWriter(t)

	_, err := w.Write("t", eventsTable(t, 5), Options{})
	require.NoError(t, err)

	t.Run("adding a column is allowed", func(t *testing.T) {
		schema, err := table.NewSchema(
			table.Field{Name: "id", Type: table.KindI64},
			table.Field{Name: "name", Type: table.KindString, Nullable: true},
			table.Field{Name: "extra", Type: table.KindF64, Nullable: true},
		)
		require.NoError(t, err)
		tbl := table.New(schema)
		require.NoError(t, tbl.AppendRow(table.I64(1), table.String("x"), table.F64(2)))
		_, err = w.Write("t", tbl, Options{})
		assert.NoError(t, err)
	})

	t.Run("dropping a column fails", func(t *testing.T) {
		schema, err := table.NewSchema(table.Field{Name: "id", Type: table.KindI64})
		require.NoError(t, err)
		tbl := table.New(schema)
		require.NoError(t, tbl.AppendRow(table.I64(1)))
		_, err = w.Write("t", tbl, Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrSchemaEvolution)
		var se *common.SchemaEvolutionError
		require.True(t, errors.As(err, &se))
		assert.Contains(t, se.Removed, "name")
	})

	t.Run("type change fails", func(t *testing.T) {
		schema, err := table.NewSchema(
			table.Field{Name: "id", Type: table.KindString},
			table.Field{Name: "name", Type: table.KindString, Nullable: true},
			table.Field{Name: "extra", Type: table.KindF64, Nullable: true},
		)
		require.NoError(t, err)
		tbl := table.New(schema)
		require.NoError(t, tbl.AppendRow(table.String("1"), table.String("x"), table.F64(2)))
		_, err = w.Write("t", tbl, Options{})
		assert.ErrorIs(t, err, common.ErrSchemaEvolution)
	})

	t.Run("flexible override allows anything", func(t *testing.T) {
		schema, err := table.NewSchema(table.Field{Name: "id", Type: table.KindI64})
		require.NoError(t, err)
		tbl := table.New(schema)
		require.NoError(t, tbl.AppendRow(table.I64(1)))
		_, err = w.Write("t", tbl, Options{SchemaMode: catalog.SchemaModeFlexible})
		assert.NoError(t, err)
	})
}

func pkTable(t *testing.T, ids []any) *table.Table {
	t.Helper()
	schema, err := table.NewSchema(
		table.Field{Name: "id", Type: table.KindI64, Nullable: true},
		table.Field{Name: "val", Type: table.KindString, Nullable: true},
	)
	require.NoError(t, err)
	tbl := table.New(schema)
	for i, id := range ids {
		v := table.Null()
		if id != nil {
			v = table.I64(int64(id.(int)))
		}
		require.NoError(t, tbl.AppendRow(v, table.String(fmt.Sprintf("v%d", i))))
	}
	return tbl
}

func TestPrimaryKeyEnforcement(t *testing.T) {
	t.Parallel()

	t.Run("duplicates rejected", func(t *testing.T) {
		w, _, _ := testWriter(t)
		_, err := w.Write("t", pkTable(t, []any{1, 2, 2}), Options{PrimaryKey: []string{"id"}})
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrPrimaryKey)
		var pk *common.PrimaryKeyViolationError
		require.True(t, errors.As(err, &pk))
		assert.Equal(t, 1, pk.DuplicateGroups)
	})

	t.Run("null keys are distinct", func(t *testing.T) {
		w, _, _ := testWriter(t)
		_, err := w.Write("t", pkTable(t, []any{1, nil, nil}), Options{PrimaryKey: []string{"id"}})
		assert.NoError(t, err)
	})

	t.Run("pk persists and later writes enforce it", func(t *testing.T) {
		w, cat, _ := testWriter(t)
		_, err := w.Write("t", pkTable(t, []any{1, 2}), Options{PrimaryKey: []string{"id"}})
		require.NoError(t, err)

		meta, err := cat.GetTableMeta("t")
		require.NoError(t, err)
		assert.Equal(t, []string{"id"}, meta.PrimaryKey)

		// No explicit PK this time; the stored one still applies.
		_, err = w.Write("t", pkTable(t, []any{3, 3}), Options{})
		assert.ErrorIs(t, err, common.ErrPrimaryKey)
	})

	t.Run("pk is immutable", func(t *testing.T) {
		w, _, _ := testWriter(t)
		_, err := w.Write("t", pkTable(t, []any{1}), Options{PrimaryKey: []string{"id"}})
		require.NoError(t, err)
		_, err = w.Write("t", pkTable(t, []any{2}), Options{PrimaryKey: []string{"val"}})
		require.Error(t, err)
		var pk *common.PrimaryKeyViolationError
		require.True(t, errors.As(err, &pk))
		assert.True(t, pk.ImmutableChange)
	})

	t.Run("pk column must exist", func(t *testing.T) {
		w, _, _ := testWriter(t)
		_, err := w.Write("t", pkTable(t, []any{1}), Options{PrimaryKey: []string{"ghost"}})
		assert.ErrorIs(t, err, common.ErrValidation)
	})
}

func TestExplicitChunking(t *testing.T) {
	t.Parallel()
	w, _, _ := testWriter(t)

	res, err := w.Write("t", eventsTable(t, 10), Options{RowsPerChunk: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ChunkCount)

	rec, err := w.cat.GetVersion("t", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 3, 3, 1}, rec.RowCounts)
}

func TestWriteChunksOnlyDoesNotCommit(t *testing.T) {
	t.Parallel()
	w, cat, store := testWriter(t)

	res, err := w.WriteChunksOnly("t", eventsTable(t, 5), Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ProspectiveVersion)
	assert.True(t, store.Exists(res.ChunkHashes[0]), "chunks are stored")
	assert.False(t, cat.HasTable("t"), "catalog untouched")
}

func TestIdenticalDataDeduplicates(t *testing.T) {
	t.Parallel()
	w, _, store := testWriter(t)

	_, err := w.Write("t", eventsTable(t, 5), Options{})
	require.NoError(t, err)
	_, err = w.Write("t", eventsTable(t, 5), Options{})
	require.NoError(t, err)

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 1, "identical chunk bytes stored once")
}
