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

// Package chunk encodes record batches as self-describing Parquet files with
// zstd column compression. Parquet is the canonical chunk format: schema and
// column statistics travel in the file so external tools can read chunks
// without the catalog.
package chunk

import (
	"fmt"
	"strings"

	pqcommon "github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
	"github.com/xitongsys/parquet-go-source/buffer"

	"rhizo/internal/common"
	"rhizo/internal/table"
)

const rootName = "parquet_go_root"

// Codec turns tables into Parquet chunk bytes and back.
type Codec struct {
	parallel int64
}

// NewCodec returns a codec. Marshalling parallelism is kept at 1 for
// deterministic output; chunk-level parallelism happens in the store.
func NewCodec() *Codec {
	return &Codec{parallel: 1}
}

func fieldTag(f table.Field) (string, error) {
	var typ string
	switch f.Type {
	case table.KindBool:
		typ = "type=BOOLEAN"
	case table.KindI64:
		typ = "type=INT64"
	case table.KindF64:
		typ = "type=DOUBLE"
	case table.KindString:
		typ = "type=BYTE_ARRAY, convertedtype=UTF8"
	case table.KindBytes:
		typ = "type=BYTE_ARRAY"
	default:
		return "", fmt.Errorf("column %q: unsupported type %s", f.Name, f.Type)
	}
	rep := "REQUIRED"
	if f.Nullable {
		rep = "OPTIONAL"
	}
	return fmt.Sprintf("name=%s, %s, repetitiontype=%s", f.Name, typ, rep), nil
}

// Encode serializes a table into one Parquet chunk.
func (c *Codec) Encode(t *table.Table) ([]byte, error) {
	schema := t.Schema()
	md := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		tag, err := fieldTag(f)
		if err != nil {
			return nil, err
		}
		md[i] = tag
	}

	fw := buffer.NewBufferFile()
	pw, err := writer.NewCSVWriter(md, fw, c.parallel)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_ZSTD

	for r := 0; r < t.NumRows(); r++ {
		// The writer retains the slice until WriteStop, so every row
		// needs its own.
		rec := make([]interface{}, len(schema.Fields))
		for i := range schema.Fields {
			v := t.Column(i)[r]
			if v.IsNull() {
				rec[i] = nil
				continue
			}
			switch v.Kind() {
			case table.KindBool:
				rec[i] = v.AsBool()
			case table.KindI64:
				rec[i] = v.AsI64()
			case table.KindF64:
				rec[i] = v.AsF64()
			case table.KindString:
				rec[i] = v.AsString()
			case table.KindBytes:
				rec[i] = string(v.AsBytes())
			}
		}
		if err := pw.Write(rec); err != nil {
			return nil, fmt.Errorf("write parquet row %d: %w", r, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet chunk: %w", err)
	}
	return fw.Bytes(), nil
}

// Decode reassembles a table from chunk bytes. schema is the authoritative
// schema from the catalog; the chunk's embedded schema is cross-checked
// against it. columns restricts decoding to a projection (nil means all);
// only requested columns are decoded.
func (c *Codec) Decode(data []byte, schema table.Schema, columns []string) (*table.Table, error) {
	out := schema
	if columns != nil {
		var err error
		out, err = schema.Project(columns)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", err, common.ErrValidation)
		}
	}

	fr := buffer.NewBufferFileFromBytes(data)
	pr, err := reader.NewParquetReader(fr, nil, c.parallel)
	if err != nil {
		return nil, fmt.Errorf("open parquet chunk: %w (%w)", err, common.ErrIntegrity)
	}
	defer pr.ReadStop()

	if err := crossCheckSchema(pr, out); err != nil {
		return nil, err
	}

	rows := pr.GetNumRows()
	cols := make([][]table.Value, len(out.Fields))
	for i, f := range out.Fields {
		raw, _, _, err := pr.ReadColumnByPath(pqcommon.ReformPathStr(rootName+"."+f.Name), rows)
		if err != nil {
			return nil, fmt.Errorf("decode column %q: %w (%w)", f.Name, err, common.ErrIntegrity)
		}
		vals, err := convertColumn(raw, f)
		if err != nil {
			return nil, err
		}
		cols[i] = vals
	}
	return table.FromColumns(out, cols)
}

// crossCheckSchema verifies every projected column exists in the chunk's
// embedded schema. Name match is case-insensitive: parquet-go rewrites the
// first rune of field names when it builds its internal schema.
func crossCheckSchema(pr *reader.ParquetReader, schema table.Schema) error {
	present := make(map[string]struct{})
	for i, el := range pr.Footer.Schema {
		if i == 0 {
			continue // root
		}
		present[strings.ToLower(el.Name)] = struct{}{}
	}
	for _, f := range schema.Fields {
		if _, ok := present[strings.ToLower(f.Name)]; !ok {
			return fmt.Errorf("chunk schema missing column %q: %w", f.Name, common.ErrIntegrity)
		}
	}
	return nil
}

func convertColumn(raw []interface{}, f table.Field) ([]table.Value, error) {
	vals := make([]table.Value, len(raw))
	for r, v := range raw {
		if v == nil {
			if !f.Nullable {
				return nil, fmt.Errorf("column %q row %d: NULL in non-nullable column: %w",
					f.Name, r, common.ErrIntegrity)
			}
			vals[r] = table.Null()
			continue
		}
		switch f.Type {
		case table.KindBool:
			b, ok := v.(bool)
			if !ok {
				return nil, typeError(f, r, v)
			}
			vals[r] = table.Bool(b)
		case table.KindI64:
			n, ok := v.(int64)
			if !ok {
				return nil, typeError(f, r, v)
			}
			vals[r] = table.I64(n)
		case table.KindF64:
			fl, ok := v.(float64)
			if !ok {
				return nil, typeError(f, r, v)
			}
			vals[r] = table.F64(fl)
		case table.KindString:
			s, ok := v.(string)
			if !ok {
				return nil, typeError(f, r, v)
			}
			vals[r] = table.String(s)
		case table.KindBytes:
			s, ok := v.(string)
			if !ok {
				return nil, typeError(f, r, v)
			}
			vals[r] = table.Bytes([]byte(s))
		default:
			return nil, fmt.Errorf("column %q: unsupported type %s", f.Name, f.Type)
		}
	}
	return vals, nil
}

func typeError(f table.Field, row int, v interface{}) error {
	return fmt.Errorf("column %q row %d: unexpected physical type %T: %w",
		f.Name, row, v, common.ErrIntegrity)
}
