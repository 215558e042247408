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

package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo/internal/cache"
	"rhizo/internal/catalog"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/reader"
	"rhizo/internal/table"
	"rhizo/internal/writer"
)

type fixture struct {
	cat *catalog.Catalog
	w   *writer.Writer
	e   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := common.NewLayout(t.TempDir())
	store, err := chunkstore.New(layout.ChunksDir(), true)
	require.NoError(t, err)
	cat, err := catalog.New(layout)
	require.NoError(t, err)
	w := writer.New(store, cat, writer.DefaultConfig())
	r := reader.New(store, cat, cache.NewChunkCache(time.Minute, 64))
	return &fixture{cat: cat, w: w, e: New(r, cat)}
}

type row struct {
	id    int64
	val   string
	count int64
}

func (f *fixture) write(t *testing.T, rows []row, opts writer.Options) {
	t.Helper()
	schema, err := table.NewSchema(
		table.Field{Name: "id", Type: table.KindI64},
		table.Field{Name: "val", Type: table.KindString, Nullable: true},
		table.Field{Name: "count", Type: table.KindI64, Nullable: true},
	)
	require.NoError(t, err)
	tbl := table.New(schema)
	for _, r := range rows {
		require.NoError(t, tbl.AppendRow(table.I64(r.id), table.String(r.val), table.I64(r.count)))
	}
	_, err = f.w.Write("t", tbl, opts)
	require.NoError(t, err)
}

func TestShortCircuitOnIdenticalChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rows := []row{{1, "a", 10}, {2, "b", 20}}
	f.write(t, rows, writer.Options{})
	f.write(t, rows, writer.Options{})

	res, err := f.e.Diff("t", 1, 2, Options{})
	require.NoError(t, err)
	assert.True(t, res.ShortCircuited)
	assert.EqualValues(t, 2, res.UnchangedCount)
	assert.Equal(t, 1, res.ChunksSkipped)
	assert.Equal(t, 0, res.ChunksScanned)
	assert.Nil(t, res.Added)
}

func TestRowDiffAddedRemovedModified(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, []row{{1, "a", 10}, {2, "b", 20}, {3, "c", 30}}, writer.Options{PrimaryKey: []string{"id"}})
	f.write(t, []row{{1, "a", 10}, {2, "B", 20}, {4, "d", 40}}, writer.Options{})

	res, err := f.e.Diff("t", 1, 2, Options{})
	require.NoError(t, err)
	assert.False(t, res.ShortCircuited)
	assert.EqualValues(t, 1, res.RowsAdded)
	assert.EqualValues(t, 1, res.RowsRemoved)
	assert.EqualValues(t, 1, res.RowsModified)
	assert.EqualValues(t, 1, res.UnchangedCount)

	require.NotNil(t, res.Added)
	assert.True(t, res.Added.Row(0)[0].Equal(table.I64(4)))
	require.NotNil(t, res.Removed)
	assert.True(t, res.Removed.Row(0)[0].Equal(table.I64(3)))

	// Modified carries the key plus old/new pairs for changed columns only.
	require.NotNil(t, res.Modified)
	names := make([]string, 0, res.Modified.NumCols())
	for _, fld := range res.Modified.Schema().Fields {
		names = append(names, fld.Name)
	}
	assert.Equal(t, []string{"id", "__old_val", "__new_val"}, names)
	modRow := res.Modified.Row(0)
	assert.True(t, modRow[0].Equal(table.I64(2)))
	assert.True(t, modRow[1].Equal(table.String("b")))
	assert.True(t, modRow[2].Equal(table.String("B")))
}

func TestExplicitKeyOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// No primary key on the table; the caller supplies one.
	f.write(t, []row{{1, "a", 10}}, writer.Options{})
	f.write(t, []row{{1, "a", 11}}, writer.Options{})

	res, err := f.e.Diff("t", 1, 2, Options{KeyColumns: []string{"id"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsModified)

	_, err = f.e.Diff("t", 1, 2, Options{KeyColumns: []string{"ghost"}})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestNoKeySkipsRowDiff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, []row{{1, "a", 10}}, writer.Options{})
	f.write(t, []row{{2, "b", 20}}, writer.Options{})

	res, err := f.e.Diff("t", 1, 2, Options{})
	require.NoError(t, err)
	assert.False(t, res.ShortCircuited)
	assert.Nil(t, res.Added)
	assert.EqualValues(t, 0, res.RowsAdded)
	assert.Equal(t, 2, res.ChunksScanned, "both sides unique")
}

func TestNullKeysNeverMatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	schema, err := table.NewSchema(
		table.Field{Name: "id", Type: table.KindI64, Nullable: true},
		table.Field{Name: "val", Type: table.KindString, Nullable: true},
	)
	require.NoError(t, err)

	a := table.New(schema)
	require.NoError(t, a.AppendRow(table.Null(), table.String("x")))
	_, err = f.w.Write("n", a, writer.Options{})
	require.NoError(t, err)

	b := table.New(schema)
	require.NoError(t, b.AppendRow(table.Null(), table.String("x")))
	require.NoError(t, b.AppendRow(table.I64(1), table.String("y")))
	_, err = f.w.Write("n", b, writer.Options{})
	require.NoError(t, err)

	res, err := f.e.Diff("n", 1, 2, Options{KeyColumns: []string{"id"}})
	require.NoError(t, err)
	// The NULL-keyed row counts on both sides even though its bytes match.
	assert.EqualValues(t, 2, res.RowsAdded)
	assert.EqualValues(t, 1, res.RowsRemoved)
	assert.EqualValues(t, 0, res.RowsModified)
}

func TestSchemaDiff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, []row{{1, "a", 10}}, writer.Options{})

	schema, err := table.NewSchema(
		table.Field{Name: "id", Type: table.KindI64},
		table.Field{Name: "val", Type: table.KindString, Nullable: true},
		table.Field{Name: "count", Type: table.KindI64, Nullable: true},
		table.Field{Name: "extra", Type: table.KindF64, Nullable: true},
	)
	require.NoError(t, err)
	tbl := table.New(schema)
	require.NoError(t, tbl.AppendRow(table.I64(1), table.String("a"), table.I64(10), table.F64(0.5)))
	_, err = f.w.Write("t", tbl, writer.Options{})
	require.NoError(t, err)

	res, err := f.e.Diff("t", 1, 2, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"extra"}, res.Schema.Added)
	assert.Empty(t, res.Schema.Removed)
	assert.False(t, res.Schema.Empty())
}

func TestSemanticSummaries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, []row{{1, "a", 10}, {2, "b", 20}}, writer.Options{PrimaryKey: []string{"id"}})
	f.write(t, []row{{1, "a", 15}, {2, "b", 25}}, writer.Options{})

	t.Run("constant increment", func(t *testing.T) {
		res, err := f.e.Diff("t", 1, 2, Options{Algebraic: map[string]string{"count": OpAdd}})
		require.NoError(t, err)
		require.Len(t, res.Semantic, 1)
		assert.Equal(t, "count", res.Semantic[0].Column)
		assert.Equal(t, OpAdd, res.Semantic[0].Op)
		assert.Equal(t, "incremented by 5", res.Semantic[0].Summary)
	})

	t.Run("max tracks the new extremum", func(t *testing.T) {
		res, err := f.e.Diff("t", 1, 2, Options{Algebraic: map[string]string{"count": OpMax}})
		require.NoError(t, err)
		require.Len(t, res.Semantic, 1)
		assert.Equal(t, "new maximum: 25 (was 20)", res.Semantic[0].Summary)
	})

	t.Run("algebraic schema persisted on the table", func(t *testing.T) {
		meta, err := f.cat.GetTableMeta("t")
		require.NoError(t, err)
		meta.Algebraic = map[string]string{"count": OpAdd}
		require.NoError(t, f.cat.PutTableMeta("t", meta))

		res, err := f.e.Diff("t", 1, 2, Options{})
		require.NoError(t, err)
		require.Len(t, res.Semantic, 1)
		assert.Equal(t, "incremented by 5", res.Semantic[0].Summary)
	})
}

func TestVersionResolution(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, []row{{1, "a", 10}}, writer.Options{})
	f.write(t, []row{{1, "a", 11}}, writer.Options{})

	res, err := f.e.Diff("t", 1, 0, Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.VersionB, "zero resolves to latest")

	_, err = f.e.Diff("t", 1, 9, Options{})
	assert.ErrorIs(t, err, common.ErrVersionNotFound)
	_, err = f.e.Diff("ghost", 0, 0, Options{})
	assert.ErrorIs(t, err, common.ErrTableNotFound)
}
