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
	"fmt"

	"github.com/goccy/go-json"
)

// SchemaMetadataKey is the reserved version-metadata key carrying the
// serialized schema of a table version.
const SchemaMetadataKey = "__rhizo_schema__"

// Field describes one column: name, logical type, nullability.
type Field struct {
	Name     string `json:"name"`
	Type     Kind   `json:"-"`
	Nullable bool   `json:"nullable"`
}

type fieldJSON struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field
}

// NewSchema builds a schema, rejecting empty schemas and duplicate or
// empty field names.
func NewSchema(fields ...Field) (Schema, error) {
	if len(fields) == 0 {
		return Schema{}, fmt.Errorf("schema has no fields")
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return Schema{}, fmt.Errorf("schema field with empty name")
		}
		if _, dup := seen[f.Name]; dup {
			return Schema{}, fmt.Errorf("duplicate schema field %q", f.Name)
		}
		if f.Type == KindNull {
			return Schema{}, fmt.Errorf("schema field %q has no type", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return Schema{Fields: fields}, nil
}

// FieldIndex returns the position of the named field, or -1.
func (s Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) NumFields() int { return len(s.Fields) }

// Equal compares field names, types and nullability in order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i, f := range s.Fields {
		if f != o.Fields[i] {
			return false
		}
	}
	return true
}

// Project returns the sub-schema for the named columns, in the given order.
func (s Schema) Project(columns []string) (Schema, error) {
	out := make([]Field, 0, len(columns))
	for _, c := range columns {
		i := s.FieldIndex(c)
		if i < 0 {
			return Schema{}, fmt.Errorf("unknown column %q", c)
		}
		out = append(out, s.Fields[i])
	}
	return Schema{Fields: out}, nil
}

func kindName(k Kind) string {
	switch k {
	case KindBool:
		return "bool"
	case KindI64:
		return "i64"
	case KindF64:
		return "f64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	}
	return "null"
}

func kindFromName(s string) (Kind, error) {
	switch s {
	case "bool":
		return KindBool, nil
	case "i64":
		return KindI64, nil
	case "f64":
		return KindF64, nil
	case "string":
		return KindString, nil
	case "bytes":
		return KindBytes, nil
	}
	return KindNull, fmt.Errorf("unknown field type %q", s)
}

// MarshalSchema serializes a schema to the stable JSON stored under
// SchemaMetadataKey.
func MarshalSchema(s Schema) (string, error) {
	fields := make([]fieldJSON, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = fieldJSON{Name: f.Name, Type: kindName(f.Type), Nullable: f.Nullable}
	}
	b, err := json.Marshal(struct {
		Fields []fieldJSON `json:"fields"`
	}{fields})
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	return string(b), nil
}

// UnmarshalSchema parses the serialized form produced by MarshalSchema.
func UnmarshalSchema(data string) (Schema, error) {
	var doc struct {
		Fields []fieldJSON `json:"fields"`
	}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return Schema{}, fmt.Errorf("unmarshal schema: %w", err)
	}
	fields := make([]Field, len(doc.Fields))
	for i, f := range doc.Fields {
		k, err := kindFromName(f.Type)
		if err != nil {
			return Schema{}, err
		}
		fields[i] = Field{Name: f.Name, Type: k, Nullable: f.Nullable}
	}
	return NewSchema(fields...)
}
