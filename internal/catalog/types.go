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

package catalog

import (
	"fmt"

	"rhizo/internal/chunkstore"
	"rhizo/internal/table"
)

// Schema evolution modes.
const (
	SchemaModeAdditive = "additive"
	SchemaModeFlexible = "flexible"
)

// TableVersion is one committed version of a table: the ordered chunk list
// plus metadata. Versions per table form a dense sequence 1..N and are
// immutable once committed.
type TableVersion struct {
	Table         string              `json:"table"`
	Version       uint64              `json:"version"`
	ChunkHashes   []string            `json:"chunk_hashes"`
	ParentVersion *uint64             `json:"parent_version"`
	CreatedAt     int64               `json:"created_at"` // unix nanos
	Metadata      map[string]string   `json:"metadata"`
	RowCounts     []int64             `json:"row_counts"`
	ChunkStats    []table.ChunkStats  `json:"chunk_stats,omitempty"`
}

// Hashes decodes the hex chunk hashes.
func (v *TableVersion) Hashes() ([]chunkstore.Hash, error) {
	out := make([]chunkstore.Hash, len(v.ChunkHashes))
	for i, s := range v.ChunkHashes {
		h, err := chunkstore.ParseHash(s)
		if err != nil {
			return nil, fmt.Errorf("version %s@%d: %w", v.Table, v.Version, err)
		}
		out[i] = h
	}
	return out, nil
}

// Schema decodes the schema embedded in the version metadata.
func (v *TableVersion) Schema() (table.Schema, error) {
	raw, ok := v.Metadata[table.SchemaMetadataKey]
	if !ok {
		return table.Schema{}, fmt.Errorf("version %s@%d has no schema metadata", v.Table, v.Version)
	}
	return table.UnmarshalSchema(raw)
}

// TotalRows sums the per-chunk row counts.
func (v *TableVersion) TotalRows() int64 {
	var n int64
	for _, c := range v.RowCounts {
		n += c
	}
	return n
}

// TableMeta is per-table state outside any single version. The primary key,
// once set, is immutable. The algebraic schema drives semantic diff output.
type TableMeta struct {
	PrimaryKey []string          `json:"primary_key,omitempty"`
	SchemaMode string            `json:"schema_mode"`
	Algebraic  map[string]string `json:"algebraic,omitempty"`
}
