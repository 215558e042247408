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

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/table"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(common.NewLayout(t.TempDir()))
	require.NoError(t, err)
	return c
}

func testMetadata(t *testing.T) map[string]string {
	t.Helper()
	schema, err := table.NewSchema(i64Field("id"), i64Field("val"))
	require.NoError(t, err)
	enc, err := table.MarshalSchema(schema)
	require.NoError(t, err)
	return map[string]string{table.SchemaMetadataKey: enc}
}

// i64Field builds an i64 column for tests.
func i64Field(name string) table.Field {
	return table.Field{Name: name, Type: table.KindI64, Nullable: true}
}

func commitOne(t *testing.T, c *Catalog, tbl string, payload string) uint64 {
	t.Helper()
	v, err := c.CommitNext(tbl, []chunkstore.Hash{chunkstore.HashOf([]byte(payload))}, testMetadata(t), []int64{1}, nil)
	require.NoError(t, err)
	return v
}

func TestCommitNextAssignsDenseVersions(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	assert.EqualValues(t, 1, commitOne(t, c, "orders", "a"))
	assert.EqualValues(t, 2, commitOne(t, c, "orders", "b"))
	assert.EqualValues(t, 3, commitOne(t, c, "orders", "c"))

	rec, err := c.GetVersion("orders", 2)
	require.NoError(t, err)
	require.NotNil(t, rec.ParentVersion)
	assert.EqualValues(t, 1, *rec.ParentVersion)

	first, err := c.GetVersion("orders", 1)
	require.NoError(t, err)
	assert.Nil(t, first.ParentVersion)
}

func TestCreatedAtMonotonic(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	commitOne(t, c, "t", "a")
	commitOne(t, c, "t", "b")
	v1, err := c.GetVersion("t", 1)
	require.NoError(t, err)
	v2, err := c.GetVersion("t", 2)
	require.NoError(t, err)
	assert.Greater(t, v2.CreatedAt, v1.CreatedAt)
}

func TestGetVersionZeroMeansLatest(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	commitOne(t, c, "t", "a")
	commitOne(t, c, "t", "b")

	rec, err := c.GetVersion("t", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version)
}

func TestUnknownIdentifiers(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	_, err := c.ListVersions("ghost")
	assert.ErrorIs(t, err, common.ErrTableNotFound)

	commitOne(t, c, "real", "a")
	_, err = c.GetVersion("real", 42)
	assert.ErrorIs(t, err, common.ErrVersionNotFound)

	assert.EqualValues(t, 0, c.LatestVersion("ghost"))
	assert.False(t, c.HasTable("ghost"))
	assert.True(t, c.HasTable("real"))
}

func TestListTablesSorted(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	commitOne(t, c, "zeta", "a")
	commitOne(t, c, "alpha", "b")

	tables, err := c.ListTables()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, tables)
}

func TestDeleteVersion(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	commitOne(t, c, "t", "a")
	commitOne(t, c, "t", "b")

	require.NoError(t, c.DeleteVersion("t", 1))
	versions, err := c.ListVersions("t")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, versions)

	assert.ErrorIs(t, c.DeleteVersion("t", 1), common.ErrVersionNotFound)
}

func TestVersionNumbersNotReusedAfterDelete(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	commitOne(t, c, "t", "a")
	commitOne(t, c, "t", "b")
	require.NoError(t, c.DeleteVersion("t", 1))

	assert.EqualValues(t, 3, commitOne(t, c, "t", "c"))
}

func TestAllReferencedChunkHashes(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	h1 := chunkstore.HashOf([]byte("one"))
	h2 := chunkstore.HashOf([]byte("two"))
	_, err := c.CommitNext("a", []chunkstore.Hash{h1}, testMetadata(t), []int64{1}, nil)
	require.NoError(t, err)
	_, err = c.CommitNext("b", []chunkstore.Hash{h1, h2}, testMetadata(t), []int64{1, 1}, nil)
	require.NoError(t, err)

	reachable, err := c.AllReferencedChunkHashes()
	require.NoError(t, err)
	assert.Len(t, reachable, 2)
	assert.Contains(t, reachable, h1)
	assert.Contains(t, reachable, h2)
}

func TestTableMetaDefaultsAndRoundtrip(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	meta, err := c.GetTableMeta("fresh")
	require.NoError(t, err)
	assert.Equal(t, SchemaModeAdditive, meta.SchemaMode)
	assert.Empty(t, meta.PrimaryKey)

	meta.PrimaryKey = []string{"id"}
	meta.SchemaMode = SchemaModeFlexible
	meta.Algebraic = map[string]string{"count": "add"}
	require.NoError(t, c.PutTableMeta("fresh", meta))

	back, err := c.GetTableMeta("fresh")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, back.PrimaryKey)
	assert.Equal(t, SchemaModeFlexible, back.SchemaMode)
	assert.Equal(t, "add", back.Algebraic["count"])
}

func TestVersionRecordSchemaAccess(t *testing.T) {
	t.Parallel()
	c := testCatalog(t)

	commitOne(t, c, "t", "a")
	rec, err := c.GetVersion("t", 1)
	require.NoError(t, err)

	schema, err := rec.Schema()
	require.NoError(t, err)
	assert.Equal(t, 2, schema.NumFields())

	hashes, err := rec.Hashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
	assert.EqualValues(t, 1, rec.TotalRows())
}
