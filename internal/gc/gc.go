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

// Package gc reclaims disk space under a retention policy. Phase one drops
// catalog versions that fall outside the policy and are not protected by a
// branch, an active transaction or latest-version status; phase two sweeps
// chunks no surviving version references.
//
// A crash between the phases leaves orphaned chunks, which the next run
// collects.
package gc

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"rhizo/internal/branch"
	"rhizo/internal/catalog"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/txn"
)

// tempFileGrace is how old a temp file must be before the sweep removes it.
// Generous enough that no in-flight atomic write is ever racing it.
const tempFileGrace = time.Hour

// Policy is the retention policy. At least one field must be set.
type Policy struct {
	MaxAgeSeconds       int64
	MaxVersionsPerTable int
}

func (p Policy) validate() error {
	if p.MaxAgeSeconds <= 0 && p.MaxVersionsPerTable <= 0 {
		return fmt.Errorf("gc policy must set max age and/or max versions: %w", common.ErrValidation)
	}
	return nil
}

// Report summarizes one collection run.
type Report struct {
	VersionsDeleted  uint64
	VersionsFailed   uint64
	ChunksDeleted    uint64
	ChunksFailed     uint64
	TempFilesRemoved uint64
	Elapsed          time.Duration
}

// Collector runs the two-phase sweep.
type Collector struct {
	cat      *catalog.Catalog
	store    *chunkstore.Store
	branches *branch.Manager
	txns     *txn.Manager
}

func New(cat *catalog.Catalog, store *chunkstore.Store, branches *branch.Manager, txns *txn.Manager) *Collector {
	return &Collector{cat: cat, store: store, branches: branches, txns: txns}
}

// Collect applies the policy: version sweep, then chunk sweep, then stale
// temp-file cleanup.
func (c *Collector) Collect(policy Policy) (*Report, error) {
	start := time.Now()
	if err := policy.validate(); err != nil {
		return nil, err
	}
	report := &Report{}

	protected, err := c.protectedSet()
	if err != nil {
		return nil, err
	}

	tables, err := c.cat.ListTables()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixNano()
	for _, tbl := range tables {
		versions, err := c.cat.ListVersions(tbl)
		if err != nil {
			return nil, err
		}
		candidates, err := c.candidates(tbl, versions, policy, now)
		if err != nil {
			return nil, err
		}
		for _, v := range candidates {
			if _, ok := protected[tbl][v]; ok {
				continue
			}
			if err := c.cat.DeleteVersion(tbl, v); err != nil {
				report.VersionsFailed++
				log.WithError(err).WithFields(log.Fields{"table": tbl, "version": v}).Warn("version delete failed")
				continue
			}
			report.VersionsDeleted++
		}
	}

	reachable, err := c.cat.AllReferencedChunkHashes()
	if err != nil {
		return nil, err
	}
	// Chunks staged by open transactions are catalog-invisible but live.
	for _, h := range c.txns.ActiveChunkHashes() {
		reachable[h] = struct{}{}
	}
	report.ChunksDeleted, report.ChunksFailed = c.store.GarbageCollect(reachable)
	removed, _ := c.store.CleanupTempFiles(tempFileGrace)
	report.TempFilesRemoved = removed

	report.Elapsed = time.Since(start)
	log.WithFields(log.Fields{
		"versions_deleted": report.VersionsDeleted,
		"chunks_deleted":   report.ChunksDeleted,
		"elapsed":          report.Elapsed,
	}).Info("garbage collection complete")
	return report, nil
}

// protectedSet is the union of latest versions, branch heads and fork
// points, and active-transaction read snapshots.
func (c *Collector) protectedSet() (map[string]map[uint64]struct{}, error) {
	protected, err := c.branches.AllReferencedVersions()
	if err != nil {
		return nil, err
	}
	add := func(tbl string, v uint64) {
		if v == 0 {
			return
		}
		if protected[tbl] == nil {
			protected[tbl] = make(map[uint64]struct{})
		}
		protected[tbl][v] = struct{}{}
	}

	tables, err := c.cat.ListTables()
	if err != nil {
		return nil, err
	}
	for _, tbl := range tables {
		add(tbl, c.cat.LatestVersion(tbl))
	}
	for _, info := range c.txns.ActiveTransactions() {
		for tbl, v := range info.ReadSnapshot {
			add(tbl, v)
		}
	}
	return protected, nil
}

// candidates unions the age and count policies for one table.
func (c *Collector) candidates(tbl string, versions []uint64, policy Policy, now int64) ([]uint64, error) {
	set := make(map[uint64]struct{})
	if policy.MaxAgeSeconds > 0 {
		cutoff := now - policy.MaxAgeSeconds*int64(time.Second)
		for _, v := range versions {
			rec, err := c.cat.GetVersion(tbl, v)
			if err != nil {
				return nil, err
			}
			if rec.CreatedAt < cutoff {
				set[v] = struct{}{}
			}
		}
	}
	if policy.MaxVersionsPerTable > 0 && len(versions) > policy.MaxVersionsPerTable {
		// ListVersions is ascending; the oldest excess versions go.
		for _, v := range versions[:len(versions)-policy.MaxVersionsPerTable] {
			set[v] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(set))
	for _, v := range versions {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// AutoGC runs Collect on a fixed interval until stopped.
type AutoGC struct {
	collector *Collector
	policy    Policy
	interval  time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartAuto launches the background collector.
func StartAuto(collector *Collector, policy Policy, interval time.Duration) *AutoGC {
	a := &AutoGC{
		collector: collector,
		policy:    policy,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AutoGC) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if _, err := a.collector.Collect(a.policy); err != nil {
				log.WithError(err).Warn("background gc run failed")
			}
		}
	}
}

// Stop halts the background loop and waits for the in-flight run, bounded
// by the timeout.
func (a *AutoGC) Stop(timeout time.Duration) error {
	a.once.Do(func() { close(a.stop) })
	select {
	case <-a.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("gc worker did not stop within %s", timeout)
	}
}
