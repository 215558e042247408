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

// Package reader reassembles tables from catalog versions: chunk fetch,
// integrity verification, column projection and predicate pushdown.
// Chunk-level min/max statistics are consulted before any chunk is fetched,
// so provably non-matching chunks are never read.
package reader

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"rhizo/internal/cache"
	"rhizo/internal/catalog"
	"rhizo/internal/chunk"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/table"
)

// Reader assembles tables from versions.
type Reader struct {
	store *chunkstore.Store
	cat   *catalog.Catalog
	codec *chunk.Codec
	cache *cache.ChunkCache
}

// New creates a reader. cache may be nil to disable chunk caching.
func New(store *chunkstore.Store, cat *catalog.Catalog, c *cache.ChunkCache) *Reader {
	return &Reader{store: store, cat: cat, codec: chunk.NewCodec(), cache: c}
}

// GetMetadata returns the version record; version 0 means latest.
func (r *Reader) GetMetadata(tbl string, version uint64) (*catalog.TableVersion, error) {
	name, err := common.NormalizeTableName(tbl)
	if err != nil {
		return nil, err
	}
	return r.cat.GetVersion(name, version)
}

// ReadTable loads every chunk of a version in order, applying projection and
// ANDed filters, and concatenates the results.
func (r *Reader) ReadTable(tbl string, version uint64, columns []string, filters []table.Filter) (*table.Table, error) {
	it, err := r.IterChunks(tbl, version, columns, filters)
	if err != nil {
		return nil, err
	}
	schema, err := it.schema()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, common.ErrValidation)
	}
	// Concat into a fresh table. Decoded chunks may be shared with the
	// cache and must never be appended to in place.
	out := table.New(schema)
	for {
		part, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := out.Concat(part); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ChunkIterator streams the chunks of one version, lazily decoded.
type ChunkIterator struct {
	r        *Reader
	version  *catalog.TableVersion
	full     table.Schema
	columns  []string
	filters  []table.Filter
	hashes   []chunkstore.Hash
	pos      int
	Skipped  int // chunks pruned by statistics
	Scanned  int // chunks fetched and decoded
}

// IterChunks returns a lazy iterator over the chunks of a version.
// Filters are applied per chunk after decode; statistics pruning happens
// before any fetch.
func (r *Reader) IterChunks(tbl string, version uint64, columns []string, filters []table.Filter) (*ChunkIterator, error) {
	name, err := common.NormalizeTableName(tbl)
	if err != nil {
		return nil, err
	}
	rec, err := r.cat.GetVersion(name, version)
	if err != nil {
		return nil, err
	}
	full, err := rec.Schema()
	if err != nil {
		return nil, err
	}
	// Filter columns must exist even when projected out.
	for _, f := range filters {
		if full.FieldIndex(f.Column) < 0 {
			return nil, fmt.Errorf("filter column %q not in schema: %w", f.Column, common.ErrValidation)
		}
	}
	hashes, err := rec.Hashes()
	if err != nil {
		return nil, err
	}
	return &ChunkIterator{
		r:       r,
		version: rec,
		full:    full,
		columns: columns,
		filters: filters,
		hashes:  hashes,
	}, nil
}

func (it *ChunkIterator) schema() (table.Schema, error) {
	if it.columns == nil {
		return it.full, nil
	}
	return it.full.Project(it.columns)
}

// Next returns the next decoded (projected, filtered) chunk. ok is false
// after the last chunk. The returned table may be shared with the chunk
// cache; callers must not mutate it.
func (it *ChunkIterator) Next() (*table.Table, bool, error) {
	for it.pos < len(it.hashes) {
		i := it.pos
		it.pos++

		if it.prunable(i) {
			it.Skipped++
			log.WithFields(log.Fields{
				"table": it.version.Table,
				"chunk": i,
			}).Debug("chunk pruned by statistics")
			continue
		}
		it.Scanned++

		part, err := it.r.decodeChunk(it.hashes[i], it.full, it.decodeColumns())
		if err != nil {
			return nil, false, err
		}
		if len(it.filters) > 0 {
			part, err = table.ApplyFilters(part, it.filters)
			if err != nil {
				return nil, false, err
			}
		}
		if it.columns != nil {
			part, err = part.Project(it.columns)
			if err != nil {
				return nil, false, err
			}
		}
		return part, true, nil
	}
	return nil, false, nil
}

// decodeColumns is the projection pushed into the chunk decoder: the
// requested columns plus any filter columns not among them.
func (it *ChunkIterator) decodeColumns() []string {
	if it.columns == nil {
		return nil
	}
	cols := make([]string, len(it.columns))
	copy(cols, it.columns)
	for _, f := range it.filters {
		found := false
		for _, c := range cols {
			if c == f.Column {
				found = true
				break
			}
		}
		if !found {
			cols = append(cols, f.Column)
		}
	}
	return cols
}

func (it *ChunkIterator) prunable(i int) bool {
	if len(it.filters) == 0 || i >= len(it.version.ChunkStats) {
		return false
	}
	stats := it.version.ChunkStats[i]
	if stats == nil {
		return false
	}
	var rows int64
	if i < len(it.version.RowCounts) {
		rows = it.version.RowCounts[i]
	}
	for _, f := range it.filters {
		if !table.StatsMayMatch(stats, f, rows) {
			return true
		}
	}
	return false
}

// decodeChunk fetches, verifies and decodes one chunk, consulting the cache.
func (r *Reader) decodeChunk(h chunkstore.Hash, schema table.Schema, columns []string) (*table.Table, error) {
	key := cache.Key(h.String(), columns)
	if r.cache != nil {
		if t := r.cache.Get(key); t != nil {
			return t, nil
		}
	}
	data, err := r.store.Get(h)
	if err != nil {
		return nil, err
	}
	t, err := r.codec.Decode(data, schema, columns)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(key, t)
	}
	return t, nil
}

// ReadChunks decodes an explicit chunk list with a known schema. Used by the
// transaction manager for read-your-writes over uncommitted chunks.
func (r *Reader) ReadChunks(hashes []chunkstore.Hash, schema table.Schema, columns []string, filters []table.Filter) (*table.Table, error) {
	decodeCols := columns
	if columns != nil {
		decodeCols = make([]string, len(columns))
		copy(decodeCols, columns)
		for _, f := range filters {
			found := false
			for _, c := range decodeCols {
				if c == f.Column {
					found = true
					break
				}
			}
			if !found {
				decodeCols = append(decodeCols, f.Column)
			}
		}
	}
	projected := schema
	if columns != nil {
		var err error
		projected, err = schema.Project(columns)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", err, common.ErrValidation)
		}
	}
	// Same aliasing rule as ReadTable: cached chunks are shared.
	out := table.New(projected)
	for _, h := range hashes {
		part, err := r.decodeChunk(h, schema, decodeCols)
		if err != nil {
			return nil, err
		}
		if len(filters) > 0 {
			part, err = table.ApplyFilters(part, filters)
			if err != nil {
				return nil, err
			}
		}
		if columns != nil {
			part, err = part.Project(columns)
			if err != nil {
				return nil, err
			}
		}
		if err := out.Concat(part); err != nil {
			return nil, err
		}
	}
	return out, nil
}
