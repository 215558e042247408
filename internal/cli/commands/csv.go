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

package commands

import (
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"rhizo/internal/table"
)

// CSV is the CLI's edge format only; the store itself never sees it.
// Column types come from the header when annotated ("id:i64,name:string"),
// otherwise they are inferred by scanning the data.

func parseCSV(r io.Reader) (*table.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("csv needs a header row and at least one data row")
	}
	header := records[0]
	data := records[1:]

	names := make([]string, len(header))
	kinds := make([]table.Kind, len(header))
	annotated := true
	for i, h := range header {
		name, typ, ok := strings.Cut(h, ":")
		names[i] = strings.TrimSpace(name)
		if !ok {
			annotated = false
			continue
		}
		k, err := kindFromAnnotation(strings.TrimSpace(typ))
		if err != nil {
			return nil, err
		}
		kinds[i] = k
	}
	if !annotated {
		for i := range header {
			kinds[i] = inferKind(data, i)
		}
	}

	fields := make([]table.Field, len(names))
	for i := range names {
		fields[i] = table.Field{Name: names[i], Type: kinds[i], Nullable: true}
	}
	schema, err := table.NewSchema(fields...)
	if err != nil {
		return nil, err
	}
	out := table.New(schema)
	for rowIdx, rec := range data {
		row := make([]table.Value, len(fields))
		for i := range fields {
			var cell string
			if i < len(rec) {
				cell = rec[i]
			}
			v, err := parseCell(cell, kinds[i])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", rowIdx+2, names[i], err)
			}
			row[i] = v
		}
		if err := out.AppendRow(row...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func kindFromAnnotation(s string) (table.Kind, error) {
	switch strings.ToLower(s) {
	case "bool":
		return table.KindBool, nil
	case "i64", "int", "int64":
		return table.KindI64, nil
	case "f64", "float", "float64", "double":
		return table.KindF64, nil
	case "string", "str":
		return table.KindString, nil
	case "bytes":
		return table.KindBytes, nil
	}
	return table.KindNull, fmt.Errorf("unknown column type %q", s)
}

// inferKind scans a column and picks the narrowest type that fits every
// non-empty cell: i64 before f64 before bool before string.
func inferKind(data [][]string, col int) table.Kind {
	isI64, isF64, isBool := true, true, true
	seen := false
	for _, rec := range data {
		if col >= len(rec) || rec[col] == "" {
			continue
		}
		seen = true
		cell := rec[col]
		if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
			isI64 = false
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			isF64 = false
		}
		switch strings.ToLower(cell) {
		case "true", "false":
		default:
			isBool = false
		}
	}
	switch {
	case !seen:
		return table.KindString
	case isI64:
		return table.KindI64
	case isF64:
		return table.KindF64
	case isBool:
		return table.KindBool
	}
	return table.KindString
}

func parseCell(cell string, kind table.Kind) (table.Value, error) {
	if cell == "" {
		return table.Null(), nil
	}
	switch kind {
	case table.KindBool:
		b, err := strconv.ParseBool(strings.ToLower(cell))
		if err != nil {
			return table.Null(), err
		}
		return table.Bool(b), nil
	case table.KindI64:
		n, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return table.Null(), err
		}
		return table.I64(n), nil
	case table.KindF64:
		f, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return table.Null(), err
		}
		return table.F64(f), nil
	case table.KindBytes:
		b, err := base64.StdEncoding.DecodeString(cell)
		if err != nil {
			return table.Null(), err
		}
		return table.Bytes(b), nil
	}
	return table.String(cell), nil
}

func writeCSV(w io.Writer, t *table.Table) error {
	cw := csv.NewWriter(w)
	header := make([]string, t.NumCols())
	for i, f := range t.Schema().Fields {
		header[i] = f.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, t.NumCols())
	for r := 0; r < t.NumRows(); r++ {
		for i, v := range t.Row(r) {
			rec[i] = formatCell(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v table.Value) string {
	switch v.Kind() {
	case table.KindNull:
		return ""
	case table.KindBool:
		return strconv.FormatBool(v.AsBool())
	case table.KindI64:
		return strconv.FormatInt(v.AsI64(), 10)
	case table.KindF64:
		return strconv.FormatFloat(v.AsF64(), 'g', -1, 64)
	case table.KindBytes:
		return base64.StdEncoding.EncodeToString(v.AsBytes())
	}
	return v.AsString()
}
