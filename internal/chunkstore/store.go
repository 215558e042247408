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

// Package chunkstore is the content-addressable store of compressed columnar
// chunks. A chunk is addressed by the BLAKE3 digest of its bytes; writing the
// same bytes twice yields the same address and no second write.
package chunkstore

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"rhizo/internal/common"
)

// Hash is a 32-byte BLAKE3 digest of compressed chunk bytes.
type Hash [32]byte

// HashOf computes the content address of a chunk.
func HashOf(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ParseHash decodes a 64-char hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("invalid chunk hash %q: %w", s, common.ErrValidation)
	}
	copy(h[:], b)
	return h, nil
}

// Store is a filesystem-backed CAS with a two-level fan-out layout:
// chunks/<aa>/<bb>/<hex>. Reads and Puts are lock-free; GarbageCollect takes
// the write side of gcMu so a reachability set frozen before GC starts cannot
// lose a chunk to a concurrent Put.
type Store struct {
	dir    string
	verify bool
	gcMu   sync.RWMutex
}

// New opens (creating if needed) a chunk store rooted at dir.
// verify enables re-hashing on every Get.
func New(dir string, verify bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w (%w)", err, common.ErrIO)
	}
	return &Store{dir: dir, verify: verify}, nil
}

func (s *Store) path(h Hash) string {
	hx := h.String()
	return filepath.Join(s.dir, hx[0:2], hx[2:4], hx)
}

// Put stores a chunk and returns its address. Idempotent: if the chunk is
// already present the existing file is kept and no write happens. The write
// is atomic (temp file + fsync + rename + dir fsync).
func (s *Store) Put(data []byte) (Hash, error) {
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	h := HashOf(data)
	final := s.path(h)
	if _, err := os.Stat(final); err == nil {
		return h, nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return h, fmt.Errorf("create fan-out dir: %w (%w)", err, common.ErrIO)
	}
	tmp := filepath.Join(s.dir, common.TempPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return h, fmt.Errorf("create chunk temp file: %w (%w)", err, common.ErrIO)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return h, fmt.Errorf("write chunk: %w (%w)", err, common.ErrIO)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return h, fmt.Errorf("fsync chunk: %w (%w)", err, common.ErrIO)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return h, fmt.Errorf("close chunk: %w (%w)", err, common.ErrIO)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return h, fmt.Errorf("rename chunk: %w (%w)", err, common.ErrIO)
	}
	if err := common.SyncDir(dir); err != nil {
		return h, err
	}
	log.WithFields(log.Fields{"hash": h.String()[:12], "bytes": len(data)}).Debug("chunk stored")
	return h, nil
}

// PutBatch stores chunks in parallel, preserving order in the result.
// Atomicity holds per chunk, not across the batch.
func (s *Store) PutBatch(chunks [][]byte) ([]Hash, error) {
	hashes := make([]Hash, len(chunks))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, data := range chunks {
		i, data := i, data
		g.Go(func() error {
			h, err := s.Put(data)
			if err != nil {
				return err
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Get fetches chunk bytes. In verify mode the bytes are re-hashed and a
// mismatch fails with an IntegrityError.
func (s *Store) Get(h Hash) ([]byte, error) {
	data, err := os.ReadFile(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			// A chunk referenced but absent is a store integrity failure.
			return nil, fmt.Errorf("chunk %s missing from store: %w", h, common.ErrIntegrity)
		}
		return nil, fmt.Errorf("read chunk %s: %w (%w)", h, err, common.ErrIO)
	}
	if s.verify {
		if got := HashOf(data); got != h {
			return nil, &common.IntegrityError{Hash: h.String(), Computed: got.String()}
		}
	}
	return data, nil
}

// Exists reports whether the chunk is stored.
func (s *Store) Exists(h Hash) bool {
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Walk calls fn for every stored chunk hash.
func (s *Store) Walk(fn func(Hash) error) error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk chunks: %w (%w)", err, common.ErrIO)
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), common.TempPrefix) {
			return nil
		}
		h, perr := ParseHash(d.Name())
		if perr != nil {
			log.WithField("file", path).Warn("foreign file in chunk store, skipping")
			return nil
		}
		return fn(h)
	})
}

// List returns every stored chunk hash.
func (s *Store) List() ([]Hash, error) {
	var out []Hash
	err := s.Walk(func(h Hash) error {
		out = append(out, h)
		return nil
	})
	return out, err
}

// GarbageCollect deletes every stored chunk whose hash is not in reachable.
// Failures are counted, not fatal: the next run retries. Puts are excluded
// for the duration so the frozen reachable set stays sound.
func (s *Store) GarbageCollect(reachable map[Hash]struct{}) (deleted, failed uint64) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	var victims []Hash
	_ = s.Walk(func(h Hash) error {
		if _, ok := reachable[h]; !ok {
			victims = append(victims, h)
		}
		return nil
	})
	for _, h := range victims {
		if err := os.Remove(s.path(h)); err != nil {
			failed++
			log.WithError(err).WithField("hash", h.String()[:12]).Warn("chunk delete failed")
			continue
		}
		deleted++
	}
	if deleted > 0 || failed > 0 {
		log.WithFields(log.Fields{"deleted": deleted, "failed": failed}).Info("chunk sweep done")
	}
	return deleted, failed
}

// CleanupTempFiles removes temp files older than grace, left behind by
// crashed writers.
func (s *Store) CleanupTempFiles(grace time.Duration) (removed, failed uint64) {
	cutoff := time.Now().Add(-grace)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), common.TempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			failed++
			continue
		}
		removed++
	}
	return removed, failed
}

// Stats summarizes the store contents.
type Stats struct {
	Chunks     uint64
	TotalBytes uint64
}

// Stat walks the store and tallies chunk count and bytes.
func (s *Store) Stat() (Stats, error) {
	var st Stats
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), common.TempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Chunks++
		st.TotalBytes += uint64(info.Size())
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("stat chunk store: %w (%w)", err, common.ErrIO)
	}
	return st, nil
}
