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

package table

import (
	"encoding/base64"
	"fmt"

	"github.com/goccy/go-json"
)

// ColumnStats carries chunk-level min/max/null-count for one column. Min and
// Max are NULL when the column holds no non-null values in the chunk.
type ColumnStats struct {
	Min       Value
	Max       Value
	NullCount int64
}

// ChunkStats maps column name to its stats for one chunk.
type ChunkStats map[string]ColumnStats

type valueJSON struct {
	Kind string `json:"kind"`
	V    any    `json:"v,omitempty"`
}

func valueToJSON(v Value) valueJSON {
	switch v.Kind() {
	case KindBool:
		return valueJSON{Kind: "bool", V: v.AsBool()}
	case KindI64:
		return valueJSON{Kind: "i64", V: fmt.Sprintf("%d", v.AsI64())}
	case KindF64:
		return valueJSON{Kind: "f64", V: v.AsF64()}
	case KindString:
		return valueJSON{Kind: "string", V: v.AsString()}
	case KindBytes:
		return valueJSON{Kind: "bytes", V: base64.StdEncoding.EncodeToString(v.AsBytes())}
	}
	return valueJSON{Kind: "null"}
}

func valueFromJSON(j valueJSON) (Value, error) {
	switch j.Kind {
	case "null", "":
		return Null(), nil
	case "bool":
		b, ok := j.V.(bool)
		if !ok {
			return Null(), fmt.Errorf("bad bool stat value %v", j.V)
		}
		return Bool(b), nil
	case "i64":
		// i64 travels as a decimal string so large values survive JSON.
		s, ok := j.V.(string)
		if !ok {
			return Null(), fmt.Errorf("bad i64 stat value %v", j.V)
		}
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return Null(), fmt.Errorf("bad i64 stat value %q: %w", s, err)
		}
		return I64(n), nil
	case "f64":
		f, ok := j.V.(float64)
		if !ok {
			return Null(), fmt.Errorf("bad f64 stat value %v", j.V)
		}
		return F64(f), nil
	case "string":
		s, ok := j.V.(string)
		if !ok {
			return Null(), fmt.Errorf("bad string stat value %v", j.V)
		}
		return String(s), nil
	case "bytes":
		s, ok := j.V.(string)
		if !ok {
			return Null(), fmt.Errorf("bad bytes stat value %v", j.V)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Null(), fmt.Errorf("bad bytes stat value: %w", err)
		}
		return Bytes(b), nil
	}
	return Null(), fmt.Errorf("unknown stat value kind %q", j.Kind)
}

type columnStatsJSON struct {
	Min       valueJSON `json:"min"`
	Max       valueJSON `json:"max"`
	NullCount int64     `json:"null_count"`
}

// MarshalJSON serializes stats in a stable, type-tagged form.
func (s ColumnStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(columnStatsJSON{
		Min:       valueToJSON(s.Min),
		Max:       valueToJSON(s.Max),
		NullCount: s.NullCount,
	})
}

func (s *ColumnStats) UnmarshalJSON(data []byte) error {
	var doc columnStatsJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	min, err := valueFromJSON(doc.Min)
	if err != nil {
		return err
	}
	max, err := valueFromJSON(doc.Max)
	if err != nil {
		return err
	}
	s.Min, s.Max, s.NullCount = min, max, doc.NullCount
	return nil
}
