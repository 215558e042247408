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

package chunkstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo/internal/common"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), true)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	data := []byte("hello chunks")
	h, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, HashOf(data), h)

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, s.Exists(h))
}

func TestPutIdempotent(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	data := []byte("same bytes")
	h1, err := s.Put(data)
	require.NoError(t, err)
	h2, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPutBatchPreservesOrder(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	chunks := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	hashes, err := s.PutBatch(chunks)
	require.NoError(t, err)
	require.Len(t, hashes, 3)
	for i, data := range chunks {
		assert.Equal(t, HashOf(data), hashes[i])
	}
}

func TestGetMissingChunk(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	_, err := s.Get(HashOf([]byte("never stored")))
	assert.ErrorIs(t, err, common.ErrIntegrity)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir, true)
	require.NoError(t, err)

	h, err := s.Put([]byte("pristine"))
	require.NoError(t, err)

	// Flip the stored bytes behind the store's back.
	path := filepath.Join(dir, h.String()[:2], h.String()[2:4], h.String())
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err = s.Get(h)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrIntegrity)
	var ie *common.IntegrityError
	assert.True(t, errors.As(err, &ie))
}

func TestVerifyDisabled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir, false)
	require.NoError(t, err)

	h, err := s.Put([]byte("pristine"))
	require.NoError(t, err)
	path := filepath.Join(dir, h.String()[:2], h.String()[2:4], h.String())
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("tampered"), got)
}

func TestGarbageCollect(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	keep, err := s.Put([]byte("keep me"))
	require.NoError(t, err)
	_, err = s.Put([]byte("sweep me"))
	require.NoError(t, err)

	deleted, failed := s.GarbageCollect(map[Hash]struct{}{keep: {}})
	assert.EqualValues(t, 1, deleted)
	assert.EqualValues(t, 0, failed)

	assert.True(t, s.Exists(keep))
	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCleanupTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir, true)
	require.NoError(t, err)

	stale := filepath.Join(dir, common.TempPrefix+"stale")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(dir, common.TempPrefix+"fresh")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	removed, failed := s.CleanupTempFiles(time.Hour)
	assert.EqualValues(t, 1, removed)
	assert.EqualValues(t, 0, failed)
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh temp file untouched")
}

func TestParseHash(t *testing.T) {
	t.Parallel()

	h := HashOf([]byte("roundtrip"))
	back, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, back)

	_, err = ParseHash("nothex")
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	_, err := s.Put([]byte("12345"))
	require.NoError(t, err)
	_, err = s.Put([]byte("678"))
	require.NoError(t, err)

	st, err := s.Stat()
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Chunks)
	assert.EqualValues(t, 8, st.TotalBytes)
}
