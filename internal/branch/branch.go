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

// Package branch maintains named branches over the catalog: per-branch
// head and fork-point maps from table to version, with fork, three-way
// diff, and fast-forward merge.
package branch

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"rhizo/internal/catalog"
	"rhizo/internal/common"
)

// Main is the default branch, implicitly created on first use.
const Main = "main"

// Branch is a named set of table heads plus the fork point captured at
// creation, used for three-way comparison.
type Branch struct {
	Name        string            `json:"name"`
	Head        map[string]uint64 `json:"head"`
	ForkPoint   map[string]uint64 `json:"fork_point"`
	Description string            `json:"description,omitempty"`
	CreatedAt   int64             `json:"created_at"` // unix nanos
}

// TableState classifies one table in a branch diff.
type TableState int8

const (
	StateUnchanged TableState = iota
	StateModified
	StateOnlyInSource
	StateOnlyInTarget
)

func (s TableState) String() string {
	switch s {
	case StateUnchanged:
		return "unchanged"
	case StateModified:
		return "modified"
	case StateOnlyInSource:
		return "only_in_source"
	case StateOnlyInTarget:
		return "only_in_target"
	}
	return "unknown"
}

// TableDiff is the classification of one table between two branches.
type TableDiff struct {
	Table         string
	State         TableState
	SourceVersion uint64 // 0 when absent
	TargetVersion uint64 // 0 when absent
	Conflict      bool   // changed on both sides of the fork point
}

// BranchDiff classifies every table in the union of two branch heads.
type BranchDiff struct {
	Source       string
	Target       string
	Tables       []TableDiff
	HasConflicts bool
}

// Manager persists branches as branches/<name>.meta files.
type Manager struct {
	layout common.Layout
	cat    *catalog.Catalog

	mu       sync.Mutex
	branches map[string]*sync.Mutex
}

// New opens the branch manager and ensures the main branch exists.
func New(layout common.Layout, cat *catalog.Catalog) (*Manager, error) {
	if err := os.MkdirAll(layout.BranchesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create branches dir: %w (%w)", err, common.ErrIO)
	}
	m := &Manager{layout: layout, cat: cat, branches: make(map[string]*sync.Mutex)}
	if _, err := m.Get(Main); err != nil {
		b := &Branch{
			Name:      Main,
			Head:      map[string]uint64{},
			ForkPoint: map[string]uint64{},
			CreatedAt: time.Now().UnixNano(),
		}
		if err := m.save(b); err != nil {
			return nil, err
		}
		log.Debug("created implicit main branch")
	}
	return m, nil
}

func (m *Manager) branchMu(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.branches[name]
	if !ok {
		mu = &sync.Mutex{}
		m.branches[name] = mu
	}
	return mu
}

func (m *Manager) save(b *Branch) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal branch: %w", err)
	}
	return common.WriteFileAtomic(m.layout.BranchMetaPath(b.Name), data, 0o644)
}

// Get loads a branch by name.
func (m *Manager) Get(name string) (*Branch, error) {
	data, err := os.ReadFile(m.layout.BranchMetaPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("branch %q: %w", name, common.ErrBranchNotFound)
		}
		return nil, fmt.Errorf("read branch: %w (%w)", err, common.ErrIO)
	}
	var b Branch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("branch %q: corrupt record: %w (%w)", name, err, common.ErrIntegrity)
	}
	if b.Head == nil {
		b.Head = map[string]uint64{}
	}
	if b.ForkPoint == nil {
		b.ForkPoint = map[string]uint64{}
	}
	return &b, nil
}

// List returns all branch names, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.layout.BranchesDir())
	if err != nil {
		return nil, fmt.Errorf("read branches dir: %w (%w)", err, common.ErrIO)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".meta"))
	}
	sort.Strings(names)
	return names, nil
}

// Create forks a new branch from an existing one (main by default). The new
// branch's head and fork point both copy the source head.
func (m *Manager) Create(name, from, description string) (*Branch, error) {
	if err := common.ValidateBranchName(name); err != nil {
		return nil, err
	}
	if from == "" {
		from = Main
	}
	if _, err := m.Get(name); err == nil {
		return nil, fmt.Errorf("branch %q already exists: %w", name, common.ErrValidation)
	}
	src, err := m.Get(from)
	if err != nil {
		return nil, err
	}
	b := &Branch{
		Name:        name,
		Head:        copyHead(src.Head),
		ForkPoint:   copyHead(src.Head),
		Description: description,
		CreatedAt:   time.Now().UnixNano(),
	}
	if err := m.save(b); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"branch": name, "from": from}).Info("branch created")
	return b, nil
}

// Delete removes a branch. Versions it referenced stay in the catalog; GC
// reachability is what protects live data, not branch existence.
func (m *Manager) Delete(name string) error {
	if name == Main {
		return fmt.Errorf("cannot delete the main branch: %w", common.ErrValidation)
	}
	mu := m.branchMu(name)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(m.layout.BranchMetaPath(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("branch %q: %w", name, common.ErrBranchNotFound)
		}
		return fmt.Errorf("delete branch: %w (%w)", err, common.ErrIO)
	}
	return nil
}

// UpdateHead moves one table's head. The version must exist in the catalog.
func (m *Manager) UpdateHead(branch, tbl string, version uint64) error {
	mu := m.branchMu(branch)
	mu.Lock()
	defer mu.Unlock()
	return m.updateHeadLocked(branch, tbl, version)
}

func (m *Manager) updateHeadLocked(branch, tbl string, version uint64) error {
	versions, err := m.cat.ListVersions(tbl)
	if err != nil {
		return err
	}
	found := false
	for _, v := range versions {
		if v == version {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("table %q version %d not in catalog: %w", tbl, version, common.ErrVersionNotFound)
	}
	b, err := m.Get(branch)
	if err != nil {
		return err
	}
	b.Head[tbl] = version
	return m.save(b)
}

// UpdateHeads moves several table heads in one atomic branch-file write.
// Either every head moves or none does; readers never observe a partial set.
func (m *Manager) UpdateHeads(branch string, heads map[string]uint64) error {
	mu := m.branchMu(branch)
	mu.Lock()
	defer mu.Unlock()

	for tbl, version := range heads {
		versions, err := m.cat.ListVersions(tbl)
		if err != nil {
			return err
		}
		found := false
		for _, v := range versions {
			if v == version {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("table %q version %d not in catalog: %w", tbl, version, common.ErrVersionNotFound)
		}
	}
	b, err := m.Get(branch)
	if err != nil {
		return err
	}
	for tbl, version := range heads {
		b.Head[tbl] = version
	}
	return m.save(b)
}

// TableVersion returns the branch's head version for a table.
func (m *Manager) TableVersion(branch, tbl string) (uint64, bool, error) {
	b, err := m.Get(branch)
	if err != nil {
		return 0, false, err
	}
	v, ok := b.Head[tbl]
	return v, ok, nil
}

// Diff classifies every table in the union of both heads, with three-way
// conflict detection against the source's fork point.
func (m *Manager) Diff(source, target string) (*BranchDiff, error) {
	src, err := m.Get(source)
	if err != nil {
		return nil, err
	}
	tgt, err := m.Get(target)
	if err != nil {
		return nil, err
	}

	union := make(map[string]struct{}, len(src.Head)+len(tgt.Head))
	for t := range src.Head {
		union[t] = struct{}{}
	}
	for t := range tgt.Head {
		union[t] = struct{}{}
	}
	tables := make([]string, 0, len(union))
	for t := range union {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	diff := &BranchDiff{Source: source, Target: target}
	for _, t := range tables {
		sv, sok := src.Head[t]
		tv, tok := tgt.Head[t]
		d := TableDiff{Table: t, SourceVersion: sv, TargetVersion: tv}
		switch {
		case sok && !tok:
			d.State = StateOnlyInSource
		case !sok && tok:
			d.State = StateOnlyInTarget
		case sv == tv:
			d.State = StateUnchanged
		default:
			d.State = StateModified
		}

		base := src.ForkPoint[t] // 0 when the table did not exist at fork
		srcChanged := sok && sv != base
		tgtChanged := tok && tv != base
		if srcChanged && tgtChanged && sv != tv {
			d.Conflict = true
			diff.HasConflicts = true
		}
		diff.Tables = append(diff.Tables, d)
	}
	return diff, nil
}

// Merge fast-forwards source into target. If the target has any table
// diverged relative to the source's fork point, the merge fails with
// MergeConflict and nothing is changed. The head update is a single atomic
// branch-file write.
func (m *Manager) Merge(source, into string) (*BranchDiff, error) {
	if source == into {
		return nil, fmt.Errorf("cannot merge branch %q into itself: %w", source, common.ErrValidation)
	}
	mu := m.branchMu(into)
	mu.Lock()
	defer mu.Unlock()

	diff, err := m.Diff(source, into)
	if err != nil {
		return nil, err
	}
	src, err := m.Get(source)
	if err != nil {
		return nil, err
	}
	tgt, err := m.Get(into)
	if err != nil {
		return nil, err
	}

	// Fast-forward requires the target untouched since the fork: a target
	// head off the fork point blocks the merge even when the source never
	// wrote that table, otherwise the head copy below would rewind it.
	var conflicted []string
	for t, tv := range tgt.Head {
		if tv != src.ForkPoint[t] {
			conflicted = append(conflicted, t)
		}
	}
	if len(conflicted) > 0 {
		sort.Strings(conflicted)
		return nil, &common.MergeConflictError{Source: source, Target: into, Tables: conflicted}
	}

	changed := false
	for t, sv := range src.Head {
		if tgt.Head[t] != sv {
			tgt.Head[t] = sv
			changed = true
		}
	}
	if changed {
		if err := m.save(tgt); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{"source": source, "into": into}).Info("fast-forward merge")
	return diff, nil
}

// AllReferencedVersions returns every (table, version) referenced by any
// branch head or fork point. Used to build the GC protected set.
func (m *Manager) AllReferencedVersions() (map[string]map[uint64]struct{}, error) {
	names, err := m.List()
	if err != nil {
		return nil, err
	}
	refs := make(map[string]map[uint64]struct{})
	add := func(tbl string, v uint64) {
		if v == 0 {
			return
		}
		if refs[tbl] == nil {
			refs[tbl] = make(map[uint64]struct{})
		}
		refs[tbl][v] = struct{}{}
	}
	for _, name := range names {
		b, err := m.Get(name)
		if err != nil {
			return nil, err
		}
		for t, v := range b.Head {
			add(t, v)
		}
		for t, v := range b.ForkPoint {
			add(t, v)
		}
	}
	return refs, nil
}

func copyHead(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
