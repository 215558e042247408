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

package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo/internal/branch"
	"rhizo/internal/cache"
	"rhizo/internal/catalog"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/reader"
	"rhizo/internal/table"
	"rhizo/internal/txn"
	"rhizo/internal/writer"
)

type fixture struct {
	store    *chunkstore.Store
	cat      *catalog.Catalog
	branches *branch.Manager
	txns     *txn.Manager
	w        *writer.Writer
	c        *Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := common.NewLayout(t.TempDir())
	store, err := chunkstore.New(layout.ChunksDir(), true)
	require.NoError(t, err)
	cat, err := catalog.New(layout)
	require.NoError(t, err)
	branches, err := branch.New(layout, cat)
	require.NoError(t, err)
	w := writer.New(store, cat, writer.DefaultConfig())
	r := reader.New(store, cat, cache.NewChunkCache(time.Minute, 64))
	txns, err := txn.New(layout, cat, branches, w, r)
	require.NoError(t, err)
	t.Cleanup(func() { txns.Close() })
	return &fixture{
		store:    store,
		cat:      cat,
		branches: branches,
		txns:     txns,
		w:        w,
		c:        New(cat, store, branches, txns),
	}
}

// write commits one distinct version of tbl and returns its number.
func (f *fixture) write(t *testing.T, tbl string, seed int64) uint64 {
	t.Helper()
	schema, err := table.NewSchema(table.Field{Name: "id", Type: table.KindI64})
	require.NoError(t, err)
	data := table.New(schema)
	require.NoError(t, data.AppendRow(table.I64(seed)))
	res, err := f.w.Write(tbl, data, writer.Options{})
	require.NoError(t, err)
	return res.Version
}

func TestPolicyValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.c.Collect(Policy{})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestCountPolicyKeepsNewest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := int64(0); i < 5; i++ {
		f.write(t, "t", i)
	}

	report, err := f.c.Collect(Policy{MaxVersionsPerTable: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.VersionsDeleted)
	assert.EqualValues(t, 3, report.ChunksDeleted)

	versions, err := f.cat.ListVersions("t")
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, versions)
}

func TestLatestVersionAlwaysSurvives(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, "t", 1)
	time.Sleep(1200 * time.Millisecond)

	// The only version is older than the cutoff, but the latest version of
	// a table is never collected.
	report, err := f.c.Collect(Policy{MaxAgeSeconds: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 0, report.VersionsDeleted)
	assert.True(t, f.cat.HasTable("t"))
}

func TestBranchReferencesProtect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	v1 := f.write(t, "t", 1)
	require.NoError(t, f.branches.UpdateHead(branch.Main, "t", v1))
	_, err := f.branches.Create("pinned", "", "")
	require.NoError(t, err)

	// main moves on; the pinned branch still points at v1.
	for i := int64(2); i <= 4; i++ {
		v := f.write(t, "t", i)
		require.NoError(t, f.branches.UpdateHead(branch.Main, "t", v))
	}

	report, err := f.c.Collect(Policy{MaxVersionsPerTable: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.VersionsDeleted, "v2 and v3 go, v1 stays pinned")

	versions, err := f.cat.ListVersions("t")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 4}, versions)
}

func TestActiveTransactionSnapshotProtects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, "t", 1)
	txID, err := f.txns.Begin("")
	require.NoError(t, err)

	f.write(t, "t", 2)
	f.write(t, "t", 3)

	report, err := f.c.Collect(Policy{MaxVersionsPerTable: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.VersionsDeleted, "only v2 is collectable")

	versions, err := f.cat.ListVersions("t")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, versions)

	// With the transaction gone, v1 loses its protection.
	require.NoError(t, f.txns.Abort(txID, "done"))
	report, err = f.c.Collect(Policy{MaxVersionsPerTable: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.VersionsDeleted)
}

func TestStagedChunksSurviveSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.write(t, "t", 1)
	txID, err := f.txns.Begin("")
	require.NoError(t, err)

	schema, err := table.NewSchema(table.Field{Name: "id", Type: table.KindI64})
	require.NoError(t, err)
	data := table.New(schema)
	require.NoError(t, data.AppendRow(table.I64(99)))
	require.NoError(t, f.txns.Write(txID, "staged", data, writer.Options{}))

	staged := f.txns.ActiveChunkHashes()
	require.NotEmpty(t, staged)

	_, err = f.c.Collect(Policy{MaxVersionsPerTable: 10})
	require.NoError(t, err)
	assert.True(t, f.store.Exists(staged[0]), "catalog-invisible but live")

	// Once aborted, the same chunks become orphans for the next run.
	require.NoError(t, f.txns.Abort(txID, "done"))
	report, err := f.c.Collect(Policy{MaxVersionsPerTable: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.ChunksDeleted)
	assert.False(t, f.store.Exists(staged[0]))
}

func TestSharedChunksSurviveVersionDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Same bytes in both versions: one chunk, two referencing versions.
	f.write(t, "t", 7)
	f.write(t, "t", 7)

	report, err := f.c.Collect(Policy{MaxVersionsPerTable: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.VersionsDeleted)
	assert.EqualValues(t, 0, report.ChunksDeleted, "chunk still reachable from v2")

	st, err := f.store.Stat()
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Chunks)
}

func TestAutoGCStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	auto := StartAuto(f.c, Policy{MaxVersionsPerTable: 10}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, auto.Stop(time.Second))
	assert.NoError(t, auto.Stop(time.Second), "stop is idempotent")
}
