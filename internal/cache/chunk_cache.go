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

// Package cache provides the decoded-chunk cache used by the reader.
// Chunks are immutable, so entries never go stale; the TTL only bounds
// memory held for cold entries.
package cache

import (
	"os"
	"strings"
	"sync"
	"time"

	"rhizo/internal/table"
)

// Disabled turns off all caching. Set via RHIZO_CACHE=0; useful to isolate
// cache-related bugs.
var Disabled = os.Getenv("RHIZO_CACHE") == "0"

// Key identifies a decoded chunk: its content hash plus the projection it
// was decoded with.
func Key(hash string, columns []string) string {
	if len(columns) == 0 {
		return hash
	}
	return hash + "|" + strings.Join(columns, ",")
}

type entry struct {
	t       *table.Table
	expires time.Time
}

// ChunkCache is a TTL-bounded cache of decoded chunks.
type ChunkCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	maxSize int
}

// NewChunkCache creates a cache.
// ttl: time-to-live for entries (0 for no expiration)
// maxSize: maximum number of entries (0 for unlimited)
func NewChunkCache(ttl time.Duration, maxSize int) *ChunkCache {
	return &ChunkCache{
		entries: make(map[string]*entry, 64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached decoded chunk, or nil.
func (c *ChunkCache) Get(key string) *table.Table {
	if Disabled {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.ttl > 0 && time.Now().After(e.expires) {
		return nil
	}
	return e.t
}

// Set stores a decoded chunk. At capacity, new keys are dropped rather than
// evicted; expired entries are reclaimed opportunistically first.
func (c *ChunkCache) Set(key string, t *table.Table) {
	if Disabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.sweepExpiredLocked()
		if len(c.entries) >= c.maxSize {
			if _, exists := c.entries[key]; !exists {
				return
			}
		}
	}
	expires := time.Time{}
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.entries[key] = &entry{t: t, expires: expires}
}

func (c *ChunkCache) sweepExpiredLocked() {
	if c.ttl == 0 {
		return
	}
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Invalidate clears all entries.
func (c *ChunkCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 0 {
		c.entries = make(map[string]*entry, 64)
	}
}

// Len returns the current entry count.
func (c *ChunkCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
