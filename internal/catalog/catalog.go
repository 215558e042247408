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

// Package catalog is the authoritative mapping from (table, version) to
// chunk hashes and metadata. Version records are plain files under
// catalog/<table>/; the latest version is derived from the directory
// listing, never stored, so a partial write cannot fake a commit.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/table"
	"rhizo/internal/util"
)

// Catalog serializes commits per table: an in-process mutex for goroutines
// in this instance, an OS file lock for other processes.
type Catalog struct {
	layout common.Layout

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

// New opens the catalog rooted at the layout's catalog directory.
func New(layout common.Layout) (*Catalog, error) {
	if err := os.MkdirAll(layout.CatalogDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w (%w)", err, common.ErrIO)
	}
	return &Catalog{layout: layout, tables: make(map[string]*sync.Mutex)}, nil
}

func (c *Catalog) tableMu(table string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tables[table]
	if !ok {
		m = &sync.Mutex{}
		c.tables[table] = m
	}
	return m
}

var errLockBusy = errors.New("table lock busy")

// lockTable acquires the cross-process lock for a table. The caller must
// already hold the in-process mutex for the table.
func (c *Catalog) lockTable(table string) (*flock.Flock, error) {
	fl, err := util.RetryWithResult(context.Background(), func() (*flock.Flock, error) {
		fl := flock.New(c.layout.TableLockPath(table))
		ok, err := fl.TryLock()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errLockBusy
		}
		return fl, nil
	}, util.LockRetryOptions(context.Background())...)
	if err != nil {
		return nil, fmt.Errorf("lock table %q: %w (%w)", table, err, common.ErrIO)
	}
	return fl, nil
}

// CommitNext assigns max(version)+1 for the table (1 for a new table),
// persists the version record atomically, and returns the assigned version.
func (c *Catalog) CommitNext(tbl string, hashes []chunkstore.Hash, metadata map[string]string, rowCounts []int64, stats []table.ChunkStats) (uint64, error) {
	mu := c.tableMu(tbl)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(c.layout.TableDir(tbl), 0o755); err != nil {
		return 0, fmt.Errorf("create table dir: %w (%w)", err, common.ErrIO)
	}
	fl, err := c.lockTable(tbl)
	if err != nil {
		return 0, err
	}
	defer fl.Unlock()

	versions, err := c.listVersionsLocked(tbl)
	if err != nil {
		return 0, err
	}

	next := uint64(1)
	var parent *uint64
	createdAt := time.Now().UnixNano()
	if n := len(versions); n > 0 {
		latest := versions[n-1]
		next = latest + 1
		parent = &latest
		prev, err := c.readVersion(tbl, latest)
		if err != nil {
			return 0, err
		}
		// Monotonic created_at even under clock skew.
		if createdAt <= prev.CreatedAt {
			createdAt = prev.CreatedAt + 1
		}
	}

	hexes := make([]string, len(hashes))
	for i, h := range hashes {
		hexes[i] = h.String()
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	rec := &TableVersion{
		Table:         tbl,
		Version:       next,
		ChunkHashes:   hexes,
		ParentVersion: parent,
		CreatedAt:     createdAt,
		Metadata:      metadata,
		RowCounts:     rowCounts,
		ChunkStats:    stats,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal version record: %w", err)
	}
	if err := common.WriteFileAtomic(c.layout.VersionMetaPath(tbl, next), data, 0o644); err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{
		"table":   tbl,
		"version": next,
		"chunks":  len(hashes),
	}).Debug("catalog commit")
	return next, nil
}

// GetVersion returns the version record; version 0 means latest.
func (c *Catalog) GetVersion(tbl string, version uint64) (*TableVersion, error) {
	versions, err := c.ListVersions(tbl)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("table %q has no versions: %w", tbl, common.ErrVersionNotFound)
	}
	if version == 0 {
		version = versions[len(versions)-1]
	}
	return c.readVersion(tbl, version)
}

func (c *Catalog) readVersion(tbl string, version uint64) (*TableVersion, error) {
	data, err := os.ReadFile(c.layout.VersionMetaPath(tbl, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("table %q version %d: %w", tbl, version, common.ErrVersionNotFound)
		}
		return nil, fmt.Errorf("read version record: %w (%w)", err, common.ErrIO)
	}
	var rec TableVersion
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("table %q version %d: corrupt record: %w (%w)", tbl, version, err, common.ErrIntegrity)
	}
	return &rec, nil
}

// ListTables returns the known table names, sorted.
func (c *Catalog) ListTables() ([]string, error) {
	entries, err := os.ReadDir(c.layout.CatalogDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog dir: %w (%w)", err, common.ErrIO)
	}
	var tables []string
	for _, e := range entries {
		if e.IsDir() {
			tables = append(tables, e.Name())
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// ListVersions returns the sorted versions of a table. An unknown table is
// ErrTableNotFound.
func (c *Catalog) ListVersions(tbl string) ([]uint64, error) {
	if _, err := os.Stat(c.layout.TableDir(tbl)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("table %q: %w", tbl, common.ErrTableNotFound)
		}
		return nil, fmt.Errorf("stat table dir: %w (%w)", err, common.ErrIO)
	}
	return c.listVersionsLocked(tbl)
}

func (c *Catalog) listVersionsLocked(tbl string) ([]uint64, error) {
	entries, err := os.ReadDir(c.layout.TableDir(tbl))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read table dir: %w (%w)", err, common.ErrIO)
	}
	var versions []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".meta") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".meta"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// HasTable reports whether the table exists in the catalog.
func (c *Catalog) HasTable(tbl string) bool {
	_, err := os.Stat(c.layout.TableDir(tbl))
	return err == nil
}

// LatestVersion returns the latest version number, or 0 if the table has no
// versions or does not exist.
func (c *Catalog) LatestVersion(tbl string) uint64 {
	versions, err := c.listVersionsLocked(tbl)
	if err != nil || len(versions) == 0 {
		return 0
	}
	return versions[len(versions)-1]
}

// DeleteVersion removes a version record. GC-only: callers are responsible
// for protecting live references.
func (c *Catalog) DeleteVersion(tbl string, version uint64) error {
	mu := c.tableMu(tbl)
	mu.Lock()
	defer mu.Unlock()

	fl, err := c.lockTable(tbl)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	path := c.layout.VersionMetaPath(tbl, version)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("table %q version %d: %w", tbl, version, common.ErrVersionNotFound)
		}
		return fmt.Errorf("delete version record: %w (%w)", err, common.ErrIO)
	}
	return nil
}

// AllReferencedChunkHashes unions the chunk hashes of every version of every
// table. GC phase 2 subtracts this from the store contents.
func (c *Catalog) AllReferencedChunkHashes() (map[chunkstore.Hash]struct{}, error) {
	reachable := make(map[chunkstore.Hash]struct{})
	tables, err := c.ListTables()
	if err != nil {
		return nil, err
	}
	for _, tbl := range tables {
		versions, err := c.ListVersions(tbl)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			rec, err := c.readVersion(tbl, v)
			if err != nil {
				return nil, err
			}
			hashes, err := rec.Hashes()
			if err != nil {
				return nil, err
			}
			for _, h := range hashes {
				reachable[h] = struct{}{}
			}
		}
	}
	return reachable, nil
}

// GetTableMeta loads per-table metadata; a missing file yields defaults.
func (c *Catalog) GetTableMeta(tbl string) (*TableMeta, error) {
	data, err := os.ReadFile(c.layout.TableMetaPath(tbl))
	if err != nil {
		if os.IsNotExist(err) {
			return &TableMeta{SchemaMode: SchemaModeAdditive}, nil
		}
		return nil, fmt.Errorf("read table meta: %w (%w)", err, common.ErrIO)
	}
	var meta TableMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("table %q: corrupt table meta: %w (%w)", tbl, err, common.ErrIntegrity)
	}
	if meta.SchemaMode == "" {
		meta.SchemaMode = SchemaModeAdditive
	}
	return &meta, nil
}

// PutTableMeta persists per-table metadata atomically.
func (c *Catalog) PutTableMeta(tbl string, meta *TableMeta) error {
	if err := os.MkdirAll(c.layout.TableDir(tbl), 0o755); err != nil {
		return fmt.Errorf("create table dir: %w (%w)", err, common.ErrIO)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal table meta: %w", err)
	}
	return common.WriteFileAtomic(c.layout.TableMetaPath(tbl), data, 0o644)
}
