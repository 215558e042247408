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

// ChangelogEntry is the CDC record for one committed transaction. Entries
// are append-only and strictly ordered by TxID; each committed transaction
// appears exactly once.
type ChangelogEntry struct {
	TxID        uint64   `json:"tx_id"`
	Epoch       uint64   `json:"epoch"`
	CommittedAt int64    `json:"committed_at"` // unix nanos
	Branch      string   `json:"branch"`
	Changes     []Change `json:"changes"`
}

// ChangelogQuery filters Changelog reads. Zero values mean "no filter".
type ChangelogQuery struct {
	SinceTxID      uint64 // entries with TxID > SinceTxID
	SinceTimestamp int64  // entries with CommittedAt >= SinceTimestamp
	Tables         []string
	Branch         string
	Limit          int
}

type changelog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openChangelog(path string) (*changelog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open changelog: %w (%w)", err, common.ErrIO)
	}
	return &changelog{path: path, f: f}, nil
}

func (c *changelog) Append(e *ChangelogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal changelog entry: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.f.Write(data); err != nil {
		return fmt.Errorf("append changelog: %w (%w)", err, common.ErrIO)
	}
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("sync changelog: %w (%w)", err, common.ErrIO)
	}
	return nil
}

// ReadAll returns every entry in log order. A torn trailing line is skipped.
func (c *changelog) ReadAll() ([]ChangelogEntry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open changelog: %w (%w)", err, common.ErrIO)
	}
	defer f.Close()

	var entries []ChangelogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	var pendingErr error
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			return nil, pendingErr
		}
		var e ChangelogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			pendingErr = fmt.Errorf("changelog entry %d: %w (%w)", len(entries), err, common.ErrIntegrity)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan changelog: %w (%w)", err, common.ErrIO)
	}
	return entries, nil
}

// Query filters entries; results stay ordered by TxID ascending.
func (c *changelog) Query(q ChangelogQuery) ([]ChangelogEntry, error) {
	entries, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []ChangelogEntry
	for _, e := range entries {
		if q.SinceTxID > 0 && e.TxID <= q.SinceTxID {
			continue
		}
		if q.SinceTimestamp > 0 && e.CommittedAt < q.SinceTimestamp {
			continue
		}
		if q.Branch != "" && e.Branch != q.Branch {
			continue
		}
		if len(q.Tables) > 0 && !touchesAny(e.Changes, q.Tables) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func touchesAny(changes []Change, tables []string) bool {
	for _, ch := range changes {
		for _, t := range tables {
			if ch.Table == t {
				return true
			}
		}
	}
	return false
}

func (c *changelog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
