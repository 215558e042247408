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

package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo/internal/branch"
	"rhizo/internal/common"
	"rhizo/internal/table"
	"rhizo/internal/writer"
)

func openDB(t *testing.T, root string) *Database {
	t.Helper()
	db, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func idTable(t *testing.T, ids ...int64) *table.Table {
	t.Helper()
	schema, err := table.NewSchema(table.Field{Name: "id", Type: table.KindI64})
	require.NoError(t, err)
	tbl := table.New(schema)
	for _, id := range ids {
		require.NoError(t, tbl.AppendRow(table.I64(id)))
	}
	return tbl
}

func TestOpenInitializesStore(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	db := openDB(t, root)

	data, err := os.ReadFile(filepath.Join(root, "format_version"))
	require.NoError(t, err)
	assert.Equal(t, FormatVersion+"\n", string(data))

	_, err = os.Stat(filepath.Join(root, "rhizo.yaml"))
	assert.NoError(t, err, "default config written on first open")

	cfg := db.Config()
	assert.EqualValues(t, 64<<20, cfg.ChunkSizeBytes)
	assert.True(t, cfg.VerifyEnabled())

	require.NoError(t, db.Close())
	assert.NoError(t, db.Close(), "close is idempotent")
}

func TestOpenRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "format_version"), []byte("99\n"), 0o644))

	_, err := Open(root)
	assert.ErrorIs(t, err, common.ErrFormatVersion)
}

func TestWriteReadRoundtrip(t *testing.T) {
	t.Parallel()
	db := openDB(t, t.TempDir())

	res, err := db.Write("t", idTable(t, 1, 2, 3), writer.Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Version)

	out, err := db.Read("t", 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out.NumRows())

	tables, err := db.ListTables()
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, tables)
	versions, err := db.ListVersions("t")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, versions)
}

func TestRepeatedReadsReturnStableRows(t *testing.T) {
	t.Parallel()
	db := openDB(t, t.TempDir())

	// Single-row chunks exercise the chunk cache on every read.
	_, err := db.Write("t", idTable(t, 1, 2, 3), writer.Options{RowsPerChunk: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out, err := db.Read("t", 0, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, out.NumRows(), "read %d", i)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	db := openDB(t, root)
	_, err := db.Write("t", idTable(t, 7), writer.Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2 := openDB(t, root)
	out, err := db2.Read("t", 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.True(t, out.Row(0)[0].Equal(table.I64(7)))
}

func TestReadBranch(t *testing.T) {
	t.Parallel()
	db := openDB(t, t.TempDir())

	_, err := db.Write("t", idTable(t, 1), writer.Options{})
	require.NoError(t, err)
	require.NoError(t, db.Branches().UpdateHead(branch.Main, "t", 1))

	_, err = db.Branches().Create("exp", "", "")
	require.NoError(t, err)
	_, err = db.Write("t", idTable(t, 1, 2), writer.Options{})
	require.NoError(t, err)
	require.NoError(t, db.Branches().UpdateHead(branch.Main, "t", 2))

	onMain, err := db.ReadBranch(branch.Main, "t", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, onMain.NumRows())

	onExp, err := db.ReadBranch("exp", "t", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, onExp.NumRows(), "branch pinned at its fork point")

	_, err = db.ReadBranch(branch.Main, "ghost", nil, nil)
	assert.ErrorIs(t, err, common.ErrTableNotFound)
	_, err = db.ReadBranch("nope", "t", nil, nil)
	assert.ErrorIs(t, err, common.ErrBranchNotFound)
}

func TestTransactionsOnOpenStore(t *testing.T) {
	t.Parallel()
	db := openDB(t, t.TempDir())

	txID, err := db.Transactions().Begin("")
	require.NoError(t, err)
	require.NoError(t, db.Transactions().Write(txID, "t", idTable(t, 1), writer.Options{}))
	_, err = db.Transactions().Commit(txID)
	require.NoError(t, err)

	out, err := db.ReadBranch(branch.Main, "t", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NumRows())

	issues, err := db.VerifyConsistency()
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestStat(t *testing.T) {
	t.Parallel()
	db := openDB(t, t.TempDir())

	_, err := db.Write("a", idTable(t, 1), writer.Options{})
	require.NoError(t, err)
	_, err = db.Write("a", idTable(t, 1, 2), writer.Options{})
	require.NoError(t, err)
	_, err = db.Write("b", idTable(t, 3), writer.Options{})
	require.NoError(t, err)

	st, err := db.Stat()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Tables)
	assert.Equal(t, 3, st.Versions)
	assert.Equal(t, 1, st.Branches)
	assert.EqualValues(t, 3, st.Chunks)
	assert.Greater(t, st.Bytes, uint64(0))
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.ApplyDefaults()
	assert.EqualValues(t, 64<<20, cfg.ChunkSizeBytes)
	assert.EqualValues(t, 10<<30, cfg.MaxTableSizeBytes)
	assert.Equal(t, 1000, cfg.MaxColumns)
	assert.True(t, cfg.VerifyEnabled())
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3600, cfg.GC.IntervalSeconds)
	assert.False(t, cfg.GC.Auto)
}

func TestVerifyIntegrityEnvOverride(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	t.Setenv("RHIZO_VERIFY_INTEGRITY", "false")
	assert.False(t, cfg.VerifyEnabled())
	t.Setenv("RHIZO_VERIFY_INTEGRITY", "true")
	assert.True(t, cfg.VerifyEnabled())
}
