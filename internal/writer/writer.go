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

// Package writer turns a schema+rows input into chunks and a new catalog
// version, enforcing schema-evolution and primary-key invariants before any
// chunk is stored.
package writer

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"rhizo/internal/catalog"
	"rhizo/internal/chunk"
	"rhizo/internal/chunkstore"
	"rhizo/internal/common"
	"rhizo/internal/table"
)

// Chunking bounds: rows per chunk computed from a size sample are clamped to
// this range.
const (
	minRowsPerChunk = 1_000
	maxRowsPerChunk = 10_000_000
	sampleRows      = 1_000
)

// Config carries the writer's size policy.
type Config struct {
	ChunkSizeBytes    int64 // target compressed chunk size
	MaxTableSizeBytes int64 // logical table size fail-fast guard
	MaxColumns        int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSizeBytes:    64 << 20,
		MaxTableSizeBytes: 10 << 30,
		MaxColumns:        1000,
	}
}

// Options adjusts a single write.
type Options struct {
	Metadata     map[string]string
	PrimaryKey   []string
	SchemaMode   string // override: "additive" or "flexible"; empty uses table meta
	RowsPerChunk int    // explicit rows per chunk; 0 means auto
}

// WriteResult reports a committed write.
type WriteResult struct {
	Table       string
	Version     uint64
	ChunkCount  int
	ChunkHashes []chunkstore.Hash
	TotalRows   int64
	TotalBytes  int64
}

// ChunkWriteResult reports chunks written without a catalog commit. The
// transaction manager holds these until its atomic publish phase.
type ChunkWriteResult struct {
	Table              string
	ProspectiveVersion uint64
	ChunkHashes        []chunkstore.Hash
	RowCounts          []int64
	ChunkStats         []table.ChunkStats
	Metadata           map[string]string
	TotalRows          int64
	TotalBytes         int64
}

// Writer encodes and commits table versions.
type Writer struct {
	store *chunkstore.Store
	cat   *catalog.Catalog
	codec *chunk.Codec
	cfg   Config
}

// New creates a writer over the store and catalog.
func New(store *chunkstore.Store, cat *catalog.Catalog, cfg Config) *Writer {
	return &Writer{store: store, cat: cat, codec: chunk.NewCodec(), cfg: cfg}
}

// Write is the end-to-end path: validate, chunk, store, commit the catalog.
func (w *Writer) Write(name string, data *table.Table, opts Options) (*WriteResult, error) {
	res, err := w.WriteChunksOnly(name, data, opts)
	if err != nil {
		return nil, err
	}
	version, err := w.cat.CommitNext(res.Table, res.ChunkHashes, res.Metadata, res.RowCounts, res.ChunkStats)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"table":   res.Table,
		"version": version,
		"chunks":  len(res.ChunkHashes),
		"rows":    res.TotalRows,
	}).Info("table version committed")
	return &WriteResult{
		Table:       res.Table,
		Version:     version,
		ChunkCount:  len(res.ChunkHashes),
		ChunkHashes: res.ChunkHashes,
		TotalRows:   res.TotalRows,
		TotalBytes:  res.TotalBytes,
	}, nil
}

// WriteChunksOnly validates and stores chunks but does NOT commit the
// catalog. Any error leaves at most orphaned chunks, which GC sweeps.
func (w *Writer) WriteChunksOnly(name string, data *table.Table, opts Options) (*ChunkWriteResult, error) {
	name, err := common.NormalizeTableName(name)
	if err != nil {
		return nil, err
	}
	if err := w.validateInput(name, data); err != nil {
		return nil, err
	}
	if err := w.checkSchemaEvolution(name, data.Schema(), opts.SchemaMode); err != nil {
		return nil, err
	}
	if err := w.enforcePrimaryKey(name, data, opts.PrimaryKey); err != nil {
		return nil, err
	}

	rowsPerChunk, err := w.rowsPerChunk(data, opts.RowsPerChunk)
	if err != nil {
		return nil, err
	}

	var (
		encoded   [][]byte
		rowCounts []int64
		stats     []table.ChunkStats
	)
	n := data.NumRows()
	if n <= rowsPerChunk {
		// Single-chunk fast path.
		b, err := w.codec.Encode(data)
		if err != nil {
			return nil, err
		}
		encoded = [][]byte{b}
		rowCounts = []int64{int64(n)}
		stats = []table.ChunkStats{data.Stats()}
	} else {
		for lo := 0; lo < n; lo += rowsPerChunk {
			hi := lo + rowsPerChunk
			if hi > n {
				hi = n
			}
			part := data.Slice(lo, hi)
			b, err := w.codec.Encode(part)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, b)
			rowCounts = append(rowCounts, int64(hi-lo))
			stats = append(stats, part.Stats())
		}
	}

	hashes, err := w.store.PutBatch(encoded)
	if err != nil {
		return nil, err
	}

	var totalBytes int64
	for _, b := range encoded {
		totalBytes += int64(len(b))
	}

	schemaJSON, err := table.MarshalSchema(data.Schema())
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	metadata[table.SchemaMetadataKey] = schemaJSON

	return &ChunkWriteResult{
		Table:              name,
		ProspectiveVersion: w.cat.LatestVersion(name) + 1,
		ChunkHashes:        hashes,
		RowCounts:          rowCounts,
		ChunkStats:         stats,
		Metadata:           metadata,
		TotalRows:          int64(n),
		TotalBytes:         totalBytes,
	}, nil
}

func (w *Writer) validateInput(name string, data *table.Table) error {
	if data == nil || data.NumRows() == 0 {
		return fmt.Errorf("table %q: empty table: %w", name, common.ErrValidation)
	}
	if data.NumCols() == 0 {
		return fmt.Errorf("table %q: no columns: %w", name, common.ErrValidation)
	}
	if data.NumCols() > w.cfg.MaxColumns {
		return fmt.Errorf("table %q: %d columns exceeds limit %d: %w",
			name, data.NumCols(), w.cfg.MaxColumns, common.ErrSizeLimit)
	}
	for _, f := range data.Schema().Fields {
		if err := common.ValidateColumnName(f.Name); err != nil {
			return err
		}
	}
	if size := data.ByteSize(); size > w.cfg.MaxTableSizeBytes {
		return fmt.Errorf("table %q: logical size %d exceeds limit %d: %w",
			name, size, w.cfg.MaxTableSizeBytes, common.ErrSizeLimit)
	}
	return nil
}

// checkSchemaEvolution compares the input schema with the latest committed
// one. additive allows new columns only; flexible allows anything.
func (w *Writer) checkSchemaEvolution(name string, next table.Schema, override string) error {
	latest := w.cat.LatestVersion(name)
	if latest == 0 {
		return nil
	}
	prevVersion, err := w.cat.GetVersion(name, latest)
	if err != nil {
		return err
	}
	prev, err := prevVersion.Schema()
	if err != nil {
		return err
	}

	mode := override
	if mode == "" {
		meta, err := w.cat.GetTableMeta(name)
		if err != nil {
			return err
		}
		mode = meta.SchemaMode
	}
	if mode == catalog.SchemaModeFlexible {
		return nil
	}
	if mode != catalog.SchemaModeAdditive {
		return fmt.Errorf("table %q: unknown schema mode %q: %w", name, mode, common.ErrValidation)
	}

	var removed, changed []string
	for _, f := range prev.Fields {
		i := next.FieldIndex(f.Name)
		if i < 0 {
			removed = append(removed, f.Name)
			continue
		}
		if next.Fields[i].Type != f.Type {
			changed = append(changed, f.Name)
		}
	}
	if len(removed) > 0 || len(changed) > 0 {
		return &common.SchemaEvolutionError{Table: name, Mode: mode, Removed: removed, Changed: changed}
	}
	return nil
}

// enforcePrimaryKey validates PK immutability and input uniqueness. Rows
// with NULL in any key column never conflict with each other.
func (w *Writer) enforcePrimaryKey(name string, data *table.Table, requested []string) error {
	meta, err := w.cat.GetTableMeta(name)
	if err != nil {
		return err
	}
	effective := meta.PrimaryKey
	if len(requested) > 0 {
		if len(meta.PrimaryKey) > 0 {
			if !equalStrings(meta.PrimaryKey, requested) {
				return &common.PrimaryKeyViolationError{Table: name, ImmutableChange: true}
			}
		} else {
			for _, col := range requested {
				if data.Schema().FieldIndex(col) < 0 {
					return fmt.Errorf("table %q: primary key column %q not in input: %w",
						name, col, common.ErrValidation)
				}
			}
			meta.PrimaryKey = requested
			if err := w.cat.PutTableMeta(name, meta); err != nil {
				return err
			}
		}
		effective = requested
	}
	if len(effective) == 0 {
		return nil
	}

	keyCols := make([][]table.Value, len(effective))
	for i, col := range effective {
		vals, err := data.ColumnByName(col)
		if err != nil {
			return fmt.Errorf("table %q: primary key column %q not in input: %w",
				name, col, common.ErrValidation)
		}
		keyCols[i] = vals
	}

	seen := make(map[string]int, data.NumRows())
	duplicates := 0
	var key []byte
	for r := 0; r < data.NumRows(); r++ {
		key = key[:0]
		hasNull := false
		for _, col := range keyCols {
			if col[r].IsNull() {
				hasNull = true
				break
			}
			key = col[r].KeyEncode(key)
			key = append(key, 0)
		}
		if hasNull {
			continue // NULL keys are distinct by definition
		}
		if prev := seen[string(key)]; prev == 1 {
			duplicates++
		}
		seen[string(key)]++
	}
	if duplicates > 0 {
		return &common.PrimaryKeyViolationError{Table: name, DuplicateGroups: duplicates}
	}
	return nil
}

// rowsPerChunk picks the chunking granularity: explicit override, else a
// bytes-per-row estimate from an encoded leading sample.
func (w *Writer) rowsPerChunk(data *table.Table, override int) (int, error) {
	if override > 0 {
		return override, nil
	}
	n := data.NumRows()
	sample := data
	if n > sampleRows {
		sample = data.Slice(0, sampleRows)
	}
	b, err := w.codec.Encode(sample)
	if err != nil {
		return 0, err
	}
	bytesPerRow := float64(len(b)) / float64(sample.NumRows())
	if bytesPerRow <= 0 {
		return minRowsPerChunk, nil
	}
	rows := int(float64(w.cfg.ChunkSizeBytes) / bytesPerRow)
	if rows < minRowsPerChunk {
		rows = minRowsPerChunk
	}
	if rows > maxRowsPerChunk {
		rows = maxRowsPerChunk
	}
	return rows, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
