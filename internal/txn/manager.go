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

// Package txn provides cross-table ACID commits with snapshot isolation,
// backed by a write-ahead log and an append-only changelog.
//
// A transaction is pinned to one branch. Reads observe the branch state
// captured at begin time plus the transaction's own writes; commits are
// optimistic and fail with ConflictError if any written table's head moved
// since the snapshot. The exact commit ordering is catalog commit, then
// branch head update, then WAL Committed: a Committed record in the log
// implies the catalog already reflects the change.
package txn

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

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"rhizo/internal/branch"
	"rhizo/internal/catalog"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/reader"
	"rhizo/internal/table"
	"rhizo/internal/util"
	"rhizo/internal/writer"
)

// Transaction states.
type State int8

const (
	StatePending State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Transaction is the in-memory state of one open transaction.
type Transaction struct {
	ID           uint64
	Epoch        uint64
	Branch       string
	State        State
	ReadSnapshot map[string]uint64
	StartedAt    int64
	CommittedAt  int64

	mu         sync.Mutex
	writes     map[string]*writer.ChunkWriteResult
	writeOrder []string
}

// TransactionInfo is the exported view of an active transaction, including
// the read snapshot the garbage collector must protect.
type TransactionInfo struct {
	ID           uint64
	Branch       string
	State        State
	ReadSnapshot map[string]uint64
	Tables       []string // tables written so far
	StartedAt    int64
}

// RecoveryReport summarizes a WAL scan on open.
type RecoveryReport struct {
	Scanned   int      // WAL records read
	Committed int      // transactions already durable
	Aborted   int      // transactions already aborted
	Recovered []uint64 // unfinished transactions aborted by this pass
	Pending   []uint64 // unfinished transactions left as-is (apply=false)
}

// Issue is one inconsistency found by VerifyConsistency.
type Issue struct {
	Kind     string
	TxID     uint64
	Table    string
	Detail   string
	Repaired bool
}

var errLockBusy = errors.New("lock busy")

// Manager owns the WAL, the changelog and all open transactions.
type Manager struct {
	layout   common.Layout
	cat      *catalog.Catalog
	branches *branch.Manager
	w        *writer.Writer
	r        *reader.Reader

	wal   *walLog
	clog  *changelog
	epoch uint64

	mu       sync.Mutex
	nextTxID uint64
	active   map[uint64]*Transaction

	bmu      sync.Mutex
	branchMu map[string]*sync.Mutex
}

// New opens the transaction manager: bumps the epoch, opens the logs and
// seeds the tx-id counter from the WAL. Call Recover before accepting work.
func New(layout common.Layout, cat *catalog.Catalog, branches *branch.Manager, w *writer.Writer, r *reader.Reader) (*Manager, error) {
	if err := os.MkdirAll(layout.TransactionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create transactions dir: %w (%w)", err, common.ErrIO)
	}
	epoch, err := bumpEpoch(layout.EpochPath())
	if err != nil {
		return nil, err
	}
	wal, err := openWAL(layout.WALPath())
	if err != nil {
		return nil, err
	}
	clog, err := openChangelog(layout.ChangelogPath())
	if err != nil {
		wal.Close()
		return nil, err
	}
	m := &Manager{
		layout:   layout,
		cat:      cat,
		branches: branches,
		w:        w,
		r:        r,
		wal:      wal,
		clog:     clog,
		epoch:    epoch,
		nextTxID: 1,
		active:   make(map[uint64]*Transaction),
		branchMu: make(map[string]*sync.Mutex),
	}
	records, err := wal.ReadAll()
	if err != nil {
		m.Close()
		return nil, err
	}
	for _, rec := range records {
		if rec.TxID >= m.nextTxID {
			m.nextTxID = rec.TxID + 1
		}
	}
	return m, nil
}

// bumpEpoch increments the persistent epoch counter. Each manager lifetime
// gets a distinct epoch, so WAL records from different runs are separable.
func bumpEpoch(path string) (uint64, error) {
	var epoch uint64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		n, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("corrupt epoch file: %w (%w)", perr, common.ErrIntegrity)
		}
		epoch = n
	case os.IsNotExist(err):
		epoch = 0
	default:
		return 0, fmt.Errorf("read epoch: %w (%w)", err, common.ErrIO)
	}
	epoch++
	if err := common.WriteFileAtomic(path, []byte(strconv.FormatUint(epoch, 10)+"\n"), 0o644); err != nil {
		return 0, err
	}
	return epoch, nil
}

// Close releases the log handles. Open transactions are not aborted; the
// next Recover pass will handle them.
func (m *Manager) Close() error {
	werr := m.wal.Close()
	cerr := m.clog.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// Epoch returns the epoch assigned to this manager lifetime.
func (m *Manager) Epoch() uint64 { return m.epoch }

// Begin opens a transaction on a branch and captures its read snapshot: for
// every table the catalog knows, the branch head version, falling back to
// the catalog's latest.
func (m *Manager) Begin(branchName string) (uint64, error) {
	if branchName == "" {
		branchName = branch.Main
	}
	b, err := m.branches.Get(branchName)
	if err != nil {
		return 0, err
	}
	tables, err := m.cat.ListTables()
	if err != nil {
		return 0, err
	}
	snapshot := make(map[string]uint64, len(tables))
	for _, t := range tables {
		if v, ok := b.Head[t]; ok {
			snapshot[t] = v
			continue
		}
		if v := m.cat.LatestVersion(t); v > 0 {
			snapshot[t] = v
		}
	}

	m.mu.Lock()
	txID := m.nextTxID
	m.nextTxID++
	tx := &Transaction{
		ID:           txID,
		Epoch:        m.epoch,
		Branch:       branchName,
		State:        StatePending,
		ReadSnapshot: snapshot,
		StartedAt:    time.Now().UnixNano(),
		writes:       make(map[string]*writer.ChunkWriteResult),
	}
	m.active[txID] = tx
	m.mu.Unlock()

	if err := m.wal.Append(&WALRecord{
		TxID:         txID,
		Epoch:        m.epoch,
		Type:         RecordBegin,
		At:           tx.StartedAt,
		Branch:       branchName,
		ReadSnapshot: snapshot,
	}); err != nil {
		m.mu.Lock()
		delete(m.active, txID)
		m.mu.Unlock()
		return 0, err
	}
	log.WithFields(log.Fields{"tx": txID, "branch": branchName}).Debug("transaction begun")
	return txID, nil
}

func (m *Manager) get(txID uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[txID]
	if !ok {
		return nil, fmt.Errorf("transaction %d not active: %w", txID, common.ErrValidation)
	}
	return tx, nil
}

// Write stages a table write inside the transaction. Chunks reach the store
// immediately; the catalog is untouched until Commit. A second write to the
// same table replaces the first.
func (m *Manager) Write(txID uint64, tbl string, data *table.Table, opts writer.Options) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	res, err := m.w.WriteChunksOnly(tbl, data, opts)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	if _, seen := tx.writes[res.Table]; !seen {
		tx.writeOrder = append(tx.writeOrder, res.Table)
	}
	tx.writes[res.Table] = res
	tx.mu.Unlock()

	hashes := make([]string, len(res.ChunkHashes))
	for i, h := range res.ChunkHashes {
		hashes[i] = h.String()
	}
	return m.wal.Append(&WALRecord{
		TxID:        txID,
		Epoch:       tx.Epoch,
		Type:        RecordChunksWritten,
		At:          time.Now().UnixNano(),
		Table:       res.Table,
		ChunkHashes: hashes,
	})
}

// Read observes the transaction's view of a table: its own staged write if
// present, else the read snapshot's version.
func (m *Manager) Read(txID uint64, tbl string, columns []string, filters []table.Filter) (*table.Table, error) {
	tx, err := m.get(txID)
	if err != nil {
		return nil, err
	}
	name, err := common.NormalizeTableName(tbl)
	if err != nil {
		return nil, err
	}

	tx.mu.Lock()
	res := tx.writes[name]
	tx.mu.Unlock()

	if res != nil {
		schema, err := table.UnmarshalSchema(res.Metadata[table.SchemaMetadataKey])
		if err != nil {
			return nil, err
		}
		return m.r.ReadChunks(res.ChunkHashes, schema, columns, filters)
	}
	v, ok := tx.ReadSnapshot[name]
	if !ok {
		return nil, fmt.Errorf("table %q not visible to transaction %d: %w", name, txID, common.ErrTableNotFound)
	}
	return m.r.ReadTable(name, v, columns, filters)
}

func (m *Manager) commitMu(branchName string) *sync.Mutex {
	m.bmu.Lock()
	defer m.bmu.Unlock()
	mu, ok := m.branchMu[branchName]
	if !ok {
		mu = &sync.Mutex{}
		m.branchMu[branchName] = mu
	}
	return mu
}

// headOrLatest mirrors the snapshot rule: branch head, else catalog latest.
func (m *Manager) headOrLatest(b *branch.Branch, tbl string) uint64 {
	if v, ok := b.Head[tbl]; ok {
		return v
	}
	return m.cat.LatestVersion(tbl)
}

// Commit publishes every staged write atomically. Conflict check, catalog
// commits and branch head update run under the per-branch commit lock; the
// branch heads flip in one write, so concurrent readers see all of the
// transaction's tables move or none.
func (m *Manager) Commit(txID uint64) ([]Change, error) {
	tx, err := m.get(txID)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.State != StatePending {
		return nil, fmt.Errorf("transaction %d is %s: %w", txID, tx.State, common.ErrValidation)
	}
	if len(tx.writeOrder) == 0 {
		// Read-only transaction: nothing to publish.
		tx.State = StateCommitted
		tx.CommittedAt = time.Now().UnixNano()
		m.mu.Lock()
		delete(m.active, txID)
		m.mu.Unlock()
		return nil, m.wal.Append(&WALRecord{
			TxID: txID, Epoch: tx.Epoch, Type: RecordCommitted, At: tx.CommittedAt,
		})
	}

	mu := m.commitMu(tx.Branch)
	mu.Lock()
	defer mu.Unlock()

	fl := flock.New(m.layout.CommitLockPath())
	err = util.Retry(context.Background(), func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquire commit lock: %w (%w)", err, common.ErrIO)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}, util.LockRetryOptions(context.Background())...)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	b, err := m.branches.Get(tx.Branch)
	if err != nil {
		return nil, err
	}
	for _, tbl := range tx.writeOrder {
		current := m.headOrLatest(b, tbl)
		if current != tx.ReadSnapshot[tbl] {
			cerr := &common.ConflictError{
				Branch:   tx.Branch,
				Table:    tbl,
				Expected: tx.ReadSnapshot[tbl],
				Actual:   current,
			}
			m.abortLocked(tx, cerr.Error())
			return nil, cerr
		}
	}

	changes := make([]Change, 0, len(tx.writeOrder))
	heads := make(map[string]uint64, len(tx.writeOrder))
	for _, tbl := range tx.writeOrder {
		res := tx.writes[tbl]
		version, err := m.cat.CommitNext(tbl, res.ChunkHashes, res.Metadata, res.RowCounts, res.ChunkStats)
		if err != nil {
			m.abortLocked(tx, err.Error())
			return nil, err
		}
		ch := Change{Table: tbl, NewVersion: version}
		if old, ok := tx.ReadSnapshot[tbl]; ok && old > 0 {
			o := old
			ch.OldVersion = &o
		}
		changes = append(changes, ch)
		heads[tbl] = version
	}
	if err := m.branches.UpdateHeads(tx.Branch, heads); err != nil {
		m.abortLocked(tx, err.Error())
		return nil, err
	}

	tx.State = StateCommitted
	tx.CommittedAt = time.Now().UnixNano()
	if err := m.wal.Append(&WALRecord{
		TxID:    txID,
		Epoch:   tx.Epoch,
		Type:    RecordCommitted,
		At:      tx.CommittedAt,
		Branch:  tx.Branch,
		Changes: changes,
	}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	delete(m.active, txID)
	m.mu.Unlock()

	if err := m.clog.Append(&ChangelogEntry{
		TxID:        txID,
		Epoch:       tx.Epoch,
		CommittedAt: tx.CommittedAt,
		Branch:      tx.Branch,
		Changes:     changes,
	}); err != nil {
		// The transaction is durable: catalog, branch and WAL all agree.
		// VerifyConsistency rebuilds the missing entry from the WAL.
		log.WithError(err).WithField("tx", txID).Warn("changelog append failed after commit")
	}
	log.WithFields(log.Fields{"tx": txID, "branch": tx.Branch, "tables": len(changes)}).Info("transaction committed")
	return changes, nil
}

// Abort marks the transaction aborted. Chunks it wrote stay in the store as
// orphans until the garbage collector sweeps them; the catalog is untouched.
func (m *Manager) Abort(txID uint64, reason string) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.State != StatePending {
		return fmt.Errorf("transaction %d is %s: %w", txID, tx.State, common.ErrValidation)
	}
	return m.abortLocked(tx, reason)
}

func (m *Manager) abortLocked(tx *Transaction, reason string) error {
	tx.State = StateAborted
	m.mu.Lock()
	delete(m.active, tx.ID)
	m.mu.Unlock()
	log.WithFields(log.Fields{"tx": tx.ID, "reason": reason}).Info("transaction aborted")
	return m.wal.Append(&WALRecord{
		TxID:   tx.ID,
		Epoch:  tx.Epoch,
		Type:   RecordAborted,
		At:     time.Now().UnixNano(),
		Reason: reason,
	})
}

// Recover scans the WAL for unfinished transactions. With apply=true each
// one gets an Aborted record appended; the pass is idempotent and must run
// before the store accepts new work.
func (m *Manager) Recover(apply bool) (*RecoveryReport, error) {
	records, err := m.wal.ReadAll()
	if err != nil {
		return nil, err
	}
	report := &RecoveryReport{Scanned: len(records)}

	type txState struct {
		epoch    uint64
		terminal string
	}
	states := make(map[uint64]*txState)
	var order []uint64
	for _, rec := range records {
		st, ok := states[rec.TxID]
		if !ok {
			st = &txState{epoch: rec.Epoch}
			states[rec.TxID] = st
			order = append(order, rec.TxID)
		}
		switch rec.Type {
		case RecordCommitted, RecordAborted:
			st.terminal = rec.Type
		}
	}

	for _, id := range order {
		st := states[id]
		switch st.terminal {
		case RecordCommitted:
			report.Committed++
		case RecordAborted:
			report.Aborted++
		default:
			if m.isActive(id) {
				// Belongs to this lifetime; not a crash leftover.
				continue
			}
			if !apply {
				report.Pending = append(report.Pending, id)
				continue
			}
			if err := m.wal.Append(&WALRecord{
				TxID:   id,
				Epoch:  st.epoch,
				Type:   RecordAborted,
				At:     time.Now().UnixNano(),
				Reason: "recovered: unfinished at startup",
			}); err != nil {
				return nil, err
			}
			report.Recovered = append(report.Recovered, id)
		}
	}
	if len(report.Recovered) > 0 {
		log.WithField("count", len(report.Recovered)).Info("aborted unfinished transactions on recovery")
	}
	return report, nil
}

func (m *Manager) isActive(txID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[txID]
	return ok
}

// GetChangelog returns committed transactions matching the query, ordered
// by transaction id ascending.
func (m *Manager) GetChangelog(q ChangelogQuery) ([]ChangelogEntry, error) {
	return m.clog.Query(q)
}

// LatestTxID returns the id of the most recently committed transaction.
// ok is false when nothing has ever committed.
func (m *Manager) LatestTxID() (uint64, bool, error) {
	entries, err := m.clog.ReadAll()
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[len(entries)-1].TxID, true, nil
}

// ActiveTransactions lists open transactions with their read snapshots,
// ordered by id. The garbage collector treats every snapshot version as
// protected.
func (m *Manager) ActiveTransactions() []TransactionInfo {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
	infos := make([]TransactionInfo, 0, len(txs))
	for _, tx := range txs {
		tx.mu.Lock()
		snapshot := make(map[string]uint64, len(tx.ReadSnapshot))
		for k, v := range tx.ReadSnapshot {
			snapshot[k] = v
		}
		tables := make([]string, len(tx.writeOrder))
		copy(tables, tx.writeOrder)
		infos = append(infos, TransactionInfo{
			ID:           tx.ID,
			Branch:       tx.Branch,
			State:        tx.State,
			ReadSnapshot: snapshot,
			Tables:       tables,
			StartedAt:    tx.StartedAt,
		})
		tx.mu.Unlock()
	}
	return infos
}

// ActiveChunkHashes returns every chunk staged by an open transaction.
// These are unreferenced by the catalog but must survive GC.
func (m *Manager) ActiveChunkHashes() []chunkstore.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hashes []chunkstore.Hash
	for _, tx := range m.active {
		tx.mu.Lock()
		for _, res := range tx.writes {
			hashes = append(hashes, res.ChunkHashes...)
		}
		tx.mu.Unlock()
	}
	return hashes
}

// VerifyConsistency cross-checks the WAL against the changelog and catalog.
// A committed WAL record with no changelog entry is repaired by deriving
// the entry from the record; other findings are reported only.
func (m *Manager) VerifyConsistency() ([]Issue, error) {
	records, err := m.wal.ReadAll()
	if err != nil {
		return nil, err
	}
	entries, err := m.clog.ReadAll()
	if err != nil {
		return nil, err
	}
	logged := make(map[uint64]struct{}, len(entries))
	var lastTxID uint64
	var issues []Issue
	for _, e := range entries {
		if e.TxID <= lastTxID {
			issues = append(issues, Issue{
				Kind:   "changelog_order",
				TxID:   e.TxID,
				Detail: fmt.Sprintf("entry %d not after %d", e.TxID, lastTxID),
			})
		}
		lastTxID = e.TxID
		logged[e.TxID] = struct{}{}
	}

	for _, rec := range records {
		if rec.Type != RecordCommitted || len(rec.Changes) == 0 {
			continue
		}
		for _, ch := range rec.Changes {
			if _, err := m.cat.GetVersion(ch.Table, ch.NewVersion); err != nil {
				issues = append(issues, Issue{
					Kind:   "missing_version",
					TxID:   rec.TxID,
					Table:  ch.Table,
					Detail: fmt.Sprintf("committed version %d absent from catalog", ch.NewVersion),
				})
			}
		}
		if _, ok := logged[rec.TxID]; ok {
			continue
		}
		issue := Issue{
			Kind:   "missing_changelog_entry",
			TxID:   rec.TxID,
			Detail: "committed in WAL but absent from changelog",
		}
		if err := m.clog.Append(&ChangelogEntry{
			TxID:        rec.TxID,
			Epoch:       rec.Epoch,
			CommittedAt: rec.At,
			Branch:      rec.Branch,
			Changes:     rec.Changes,
		}); err != nil {
			log.WithError(err).WithField("tx", rec.TxID).Warn("changelog repair failed")
		} else {
			issue.Repaired = true
			logged[rec.TxID] = struct{}{}
		}
		issues = append(issues, issue)
	}
	return issues, nil
}
