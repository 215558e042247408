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

// Package db wires the store components into one Database object: chunk
// store, catalog, writer, reader, branches, transactions, diff and GC.
// Everything is instance-owned; multiple databases over different
// directories coexist in one process.
package db

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"rhizo/internal/branch"
	"rhizo/internal/cache"
	"rhizo/internal/catalog"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/diff"
	"rhizo/internal/gc"
	"rhizo/internal/reader"
	"rhizo/internal/table"
	"rhizo/internal/txn"
	"rhizo/internal/writer"
)

// FormatVersion is the on-disk layout generation. Opening a store written
// by a different generation fails.
const FormatVersion = "1"

// Database is the top-level handle over one store directory.
type Database struct {
	layout common.Layout
	cfg    *Config

	store    *chunkstore.Store
	cat      *catalog.Catalog
	branches *branch.Manager
	w        *writer.Writer
	r        *reader.Reader
	txns     *txn.Manager
	differ   *diff.Engine
	gc       *gc.Collector
	auto     *gc.AutoGC

	closed bool
}

// Open initializes (or creates) a store at root: directory scaffolding,
// format-version check, config load, component wiring, then WAL recovery.
// The database is ready for use when Open returns.
func Open(root string) (*Database, error) {
	layout := common.NewLayout(root)
	for _, dir := range []string{root, layout.ChunksDir(), layout.CatalogDir(), layout.BranchesDir(), layout.TransactionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w (%w)", dir, err, common.ErrIO)
		}
	}
	if err := checkFormatVersion(layout.FormatVersionPath()); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(layout.ConfigPath())
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg.LogLevel)

	store, err := chunkstore.New(layout.ChunksDir(), cfg.VerifyEnabled())
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(layout)
	if err != nil {
		return nil, err
	}
	branches, err := branch.New(layout, cat)
	if err != nil {
		return nil, err
	}
	w := writer.New(store, cat, writer.Config{
		ChunkSizeBytes:    cfg.ChunkSizeBytes,
		MaxTableSizeBytes: cfg.MaxTableSizeBytes,
		MaxColumns:        cfg.MaxColumns,
	})
	chunkCache := cache.NewChunkCache(time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxEntries)
	r := reader.New(store, cat, chunkCache)

	txns, err := txn.New(layout, cat, branches, w, r)
	if err != nil {
		return nil, err
	}
	if _, err := txns.Recover(true); err != nil {
		txns.Close()
		return nil, err
	}

	db := &Database{
		layout:   layout,
		cfg:      cfg,
		store:    store,
		cat:      cat,
		branches: branches,
		w:        w,
		r:        r,
		txns:     txns,
		differ:   diff.New(r, cat),
		gc:       gc.New(cat, store, branches, txns),
	}
	if cfg.GC.Auto {
		policy := gc.Policy{
			MaxAgeSeconds:       cfg.GC.MaxAgeSeconds,
			MaxVersionsPerTable: cfg.GC.MaxVersionsPerTable,
		}
		if policy.MaxAgeSeconds > 0 || policy.MaxVersionsPerTable > 0 {
			db.auto = gc.StartAuto(db.gc, policy, time.Duration(cfg.GC.IntervalSeconds)*time.Second)
		} else {
			log.Warn("auto gc enabled but no retention policy set; skipping")
		}
	}
	log.WithField("root", root).Debug("database opened")
	return db, nil
}

func checkFormatVersion(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return common.WriteFileAtomic(path, []byte(FormatVersion+"\n"), 0o644)
	}
	if err != nil {
		return fmt.Errorf("read format version: %w (%w)", err, common.ErrIO)
	}
	got := strings.TrimSpace(string(data))
	if got != FormatVersion {
		return fmt.Errorf("store format %q, this build reads %q: %w", got, FormatVersion, common.ErrFormatVersion)
	}
	return nil
}

// Close stops background work and releases log handles. Safe to call more
// than once; errors after the first close are swallowed with a warning.
func (db *Database) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	if db.auto != nil {
		if err := db.auto.Stop(10 * time.Second); err != nil {
			log.WithError(err).Warn("auto gc did not stop cleanly")
		}
	}
	return db.txns.Close()
}

// Root returns the store directory.
func (db *Database) Root() string { return db.layout.Root }

// Config returns the effective configuration.
func (db *Database) Config() Config { return *db.cfg }

// Write commits a new version of a table outside any transaction.
func (db *Database) Write(tbl string, data *table.Table, opts writer.Options) (*writer.WriteResult, error) {
	return db.w.Write(tbl, data, opts)
}

// Read loads a version of a table; version 0 means latest.
func (db *Database) Read(tbl string, version uint64, columns []string, filters []table.Filter) (*table.Table, error) {
	return db.r.ReadTable(tbl, version, columns, filters)
}

// ReadBranch loads a table at the version a branch points to.
func (db *Database) ReadBranch(branchName, tbl string, columns []string, filters []table.Filter) (*table.Table, error) {
	name, err := common.NormalizeTableName(tbl)
	if err != nil {
		return nil, err
	}
	v, ok, err := db.branches.TableVersion(branchName, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		v = db.cat.LatestVersion(name)
		if v == 0 {
			return nil, fmt.Errorf("table %q: %w", name, common.ErrTableNotFound)
		}
	}
	return db.r.ReadTable(name, v, columns, filters)
}

// GetMetadata returns a version record; version 0 means latest.
func (db *Database) GetMetadata(tbl string, version uint64) (*catalog.TableVersion, error) {
	return db.r.GetMetadata(tbl, version)
}

// ListTables lists catalog tables.
func (db *Database) ListTables() ([]string, error) { return db.cat.ListTables() }

// ListVersions lists a table's versions ascending.
func (db *Database) ListVersions(tbl string) ([]uint64, error) {
	name, err := common.NormalizeTableName(tbl)
	if err != nil {
		return nil, err
	}
	return db.cat.ListVersions(name)
}

// Catalog exposes the catalog for table-meta access.
func (db *Database) Catalog() *catalog.Catalog { return db.cat }

// Branches exposes the branch manager.
func (db *Database) Branches() *branch.Manager { return db.branches }

// Transactions exposes the transaction manager.
func (db *Database) Transactions() *txn.Manager { return db.txns }

// Diff compares two versions of a table; version 0 means latest.
func (db *Database) Diff(tbl string, versionA, versionB uint64, opts diff.Options) (*diff.Result, error) {
	return db.differ.Diff(tbl, versionA, versionB, opts)
}

// Collect runs a foreground garbage collection under the policy.
func (db *Database) Collect(policy gc.Policy) (*gc.Report, error) {
	return db.gc.Collect(policy)
}

// Stats summarizes the store for humans and health checks.
type Stats struct {
	Tables   int
	Versions int
	Branches int
	Chunks   uint64
	Bytes    uint64
}

// Stat walks the catalog and chunk store and tallies totals.
func (db *Database) Stat() (*Stats, error) {
	tables, err := db.cat.ListTables()
	if err != nil {
		return nil, err
	}
	st := &Stats{Tables: len(tables)}
	for _, t := range tables {
		versions, err := db.cat.ListVersions(t)
		if err != nil {
			return nil, err
		}
		st.Versions += len(versions)
	}
	branches, err := db.branches.List()
	if err != nil {
		return nil, err
	}
	st.Branches = len(branches)
	cs, err := db.store.Stat()
	if err != nil {
		return nil, err
	}
	st.Chunks = cs.Chunks
	st.Bytes = cs.TotalBytes
	return st, nil
}

// VerifyConsistency cross-checks the WAL, changelog and catalog.
func (db *Database) VerifyConsistency() ([]txn.Issue, error) {
	return db.txns.VerifyConsistency()
}
