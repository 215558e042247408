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

package txn

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"rhizo/internal/common"
)

// WAL record types. A transaction's life is the ordered sequence of its
// records; Committed and Aborted are terminal.
const (
	RecordBegin         = "begin"
	RecordChunksWritten = "chunks_written"
	RecordCommitted     = "committed"
	RecordAborted       = "aborted"
)

// WALRecord is one newline-delimited JSON record in transactions/wal.log.
// Fields beyond TxID/Epoch/Type are populated per record type.
type WALRecord struct {
	TxID  uint64 `json:"tx_id"`
	Epoch uint64 `json:"epoch"`
	Type  string `json:"type"`
	At    int64  `json:"at"` // unix nanos

	// begin
	Branch       string            `json:"branch,omitempty"`
	ReadSnapshot map[string]uint64 `json:"read_snapshot,omitempty"`

	// chunks_written
	Table       string   `json:"table,omitempty"`
	ChunkHashes []string `json:"chunk_hashes,omitempty"`

	// committed
	Changes []Change `json:"changes,omitempty"`

	// aborted
	Reason string `json:"reason,omitempty"`
}

// Change is one table's version transition inside a committed transaction.
type Change struct {
	Table      string  `json:"table"`
	OldVersion *uint64 `json:"old_version"`
	NewVersion uint64  `json:"new_version"`
}

// walLog is an append-only fsynced log of WALRecords. A single writer lock
// serializes appends; the record is durable before Append returns.
type walLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openWAL(path string) (*walLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w (%w)", err, common.ErrIO)
	}
	return &walLog{path: path, f: f}, nil
}

func (w *walLog) Append(rec *WALRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("append wal: %w (%w)", err, common.ErrIO)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w (%w)", err, common.ErrIO)
	}
	return nil
}

// ReadAll replays every record in append order. A torn trailing line (crash
// mid-append) is skipped with no error; anything else malformed fails.
func (w *walLog) ReadAll() ([]WALRecord, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wal: %w (%w)", err, common.ErrIO)
	}
	defer f.Close()

	var records []WALRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	var pendingErr error
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			// A malformed record followed by a valid one is corruption,
			// not a torn tail.
			return nil, pendingErr
		}
		var rec WALRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			pendingErr = fmt.Errorf("wal record %d: %w (%w)", len(records), err, common.ErrIntegrity)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan wal: %w (%w)", err, common.ErrIO)
	}
	return records, nil
}

func (w *walLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
