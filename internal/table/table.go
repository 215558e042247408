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
)

// Table is a column-major record batch: one value slice per schema field,
// all of equal length.
type Table struct {
	schema Schema
	cols   [][]Value
	rows   int
}

// New creates an empty table for the schema.
func New(schema Schema) *Table {
	cols := make([][]Value, len(schema.Fields))
	return &Table{schema: schema, cols: cols}
}

// FromColumns builds a table from pre-built columns aligned with the schema.
func FromColumns(schema Schema, cols [][]Value) (*Table, error) {
	if len(cols) != len(schema.Fields) {
		return nil, fmt.Errorf("%d columns for %d schema fields", len(cols), len(schema.Fields))
	}
	rows := 0
	if len(cols) > 0 {
		rows = len(cols[0])
	}
	for i, c := range cols {
		if len(c) != rows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", schema.Fields[i].Name, len(c), rows)
		}
	}
	t := &Table{schema: schema, cols: cols, rows: rows}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromRows builds a table from row-major values.
func FromRows(schema Schema, rows [][]Value) (*Table, error) {
	cols := make([][]Value, len(schema.Fields))
	for i := range cols {
		cols[i] = make([]Value, 0, len(rows))
	}
	for r, row := range rows {
		if len(row) != len(schema.Fields) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", r, len(row), len(schema.Fields))
		}
		for i, v := range row {
			cols[i] = append(cols[i], v)
		}
	}
	return FromColumns(schema, cols)
}

func (t *Table) validate() error {
	for i, f := range t.schema.Fields {
		for r, v := range t.cols[i] {
			if v.IsNull() {
				if !f.Nullable {
					return fmt.Errorf("column %q row %d: NULL in non-nullable column", f.Name, r)
				}
				continue
			}
			if v.Kind() != f.Type {
				return fmt.Errorf("column %q row %d: %s value in %s column", f.Name, r, v.Kind(), f.Type)
			}
		}
	}
	return nil
}

// AppendRow appends one row; values must match the schema.
func (t *Table) AppendRow(row ...Value) error {
	if len(row) != len(t.schema.Fields) {
		return fmt.Errorf("row has %d values, expected %d", len(row), len(t.schema.Fields))
	}
	for i, v := range row {
		f := t.schema.Fields[i]
		if v.IsNull() && !f.Nullable {
			return fmt.Errorf("column %q: NULL in non-nullable column", f.Name)
		}
		if !v.IsNull() && v.Kind() != f.Type {
			return fmt.Errorf("column %q: %s value in %s column", f.Name, v.Kind(), f.Type)
		}
	}
	for i, v := range row {
		t.cols[i] = append(t.cols[i], v)
	}
	t.rows++
	return nil
}

func (t *Table) Schema() Schema { return t.schema }
func (t *Table) NumRows() int   { return t.rows }
func (t *Table) NumCols() int   { return len(t.cols) }

// Column returns the values of column i. The slice is shared, not copied.
func (t *Table) Column(i int) []Value { return t.cols[i] }

// ColumnByName returns the values of the named column.
func (t *Table) ColumnByName(name string) ([]Value, error) {
	i := t.schema.FieldIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	return t.cols[i], nil
}

// Row materializes row r.
func (t *Table) Row(r int) []Value {
	row := make([]Value, len(t.cols))
	for i := range t.cols {
		row[i] = t.cols[i][r]
	}
	return row
}

// Project returns a table restricted to the named columns, in order.
func (t *Table) Project(columns []string) (*Table, error) {
	sub, err := t.schema.Project(columns)
	if err != nil {
		return nil, err
	}
	cols := make([][]Value, len(columns))
	for i, c := range columns {
		cols[i] = t.cols[t.schema.FieldIndex(c)]
	}
	return &Table{schema: sub, cols: cols, rows: t.rows}, nil
}

// Slice returns rows [lo, hi). Columns are sub-sliced, not copied.
func (t *Table) Slice(lo, hi int) *Table {
	cols := make([][]Value, len(t.cols))
	for i := range t.cols {
		cols[i] = t.cols[i][lo:hi]
	}
	return &Table{schema: t.schema, cols: cols, rows: hi - lo}
}

// Concat appends other's rows; schemas must be equal.
func (t *Table) Concat(other *Table) error {
	if !t.schema.Equal(other.schema) {
		return fmt.Errorf("cannot concat tables with different schemas")
	}
	for i := range t.cols {
		t.cols[i] = append(t.cols[i], other.cols[i]...)
	}
	t.rows += other.rows
	return nil
}

// FilterRows returns a table containing the rows where keep[r] is true.
func (t *Table) FilterRows(keep []bool) *Table {
	cols := make([][]Value, len(t.cols))
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	for i := range t.cols {
		cols[i] = make([]Value, 0, n)
		for r, k := range keep {
			if k {
				cols[i] = append(cols[i], t.cols[i][r])
			}
		}
	}
	return &Table{schema: t.schema, cols: cols, rows: n}
}

// ByteSize is the logical payload size, used by the writer's size guards.
func (t *Table) ByteSize() int64 {
	var total int64
	for i := range t.cols {
		for _, v := range t.cols[i] {
			total += v.ByteSize()
		}
	}
	return total
}

// Stats computes per-column min/max/null-count over the table.
func (t *Table) Stats() ChunkStats {
	stats := make(ChunkStats, len(t.cols))
	for i, f := range t.schema.Fields {
		cs := ColumnStats{Min: Null(), Max: Null()}
		for _, v := range t.cols[i] {
			if v.IsNull() {
				cs.NullCount++
				continue
			}
			if cs.Min.IsNull() {
				cs.Min, cs.Max = v, v
				continue
			}
			if c, err := v.Compare(cs.Min); err == nil && c < 0 {
				cs.Min = v
			}
			if c, err := v.Compare(cs.Max); err == nil && c > 0 {
				cs.Max = v
			}
		}
		stats[f.Name] = cs
	}
	return stats
}
