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
	"regexp"
	"strings"
)

// Op is a filter operator. Filters in a list are ANDed.
type Op int8

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpNotIn
	OpIsNull
	OpNotNull
	OpLike
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpLt:
		return "lt"
	case OpLe:
		return "le"
	case OpGt:
		return "gt"
	case OpGe:
		return "ge"
	case OpIn:
		return "in"
	case OpNotIn:
		return "not_in"
	case OpIsNull:
		return "is_null"
	case OpNotNull:
		return "not_null"
	case OpLike:
		return "like"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Filter is one predicate over a column. Value is used by the scalar
// operators, Values by In/NotIn.
type Filter struct {
	Column string
	Op     Op
	Value  Value
	Values []Value
}

// matchValue evaluates the filter against one value. Comparisons against
// NULL are false except IsNull.
func (f Filter) matchValue(v Value) (bool, error) {
	switch f.Op {
	case OpIsNull:
		return v.IsNull(), nil
	case OpNotNull:
		return !v.IsNull(), nil
	}
	if v.IsNull() {
		return false, nil
	}
	switch f.Op {
	case OpEq:
		return v.Equal(f.Value), nil
	case OpNe:
		return !v.Equal(f.Value), nil
	case OpLt, OpLe, OpGt, OpGe:
		c, err := v.Compare(f.Value)
		if err != nil {
			return false, err
		}
		switch f.Op {
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case OpIn, OpNotIn:
		found := false
		for _, cand := range f.Values {
			if v.Equal(cand) {
				found = true
				break
			}
		}
		if f.Op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpLike:
		if v.Kind() != KindString || f.Value.Kind() != KindString {
			return false, fmt.Errorf("LIKE requires string operands, got %s", v.Kind())
		}
		re, err := likeRegexp(f.Value.AsString())
		if err != nil {
			return false, err
		}
		return re.MatchString(v.AsString()), nil
	}
	return false, fmt.Errorf("unknown filter op %s", f.Op)
}

// likeRegexp converts a SQL LIKE pattern (% and _) to an anchored regexp.
func likeRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// ApplyFilters evaluates ANDed filters over a table and returns the matching
// rows. Unknown columns are an error.
func ApplyFilters(t *Table, filters []Filter) (*Table, error) {
	if len(filters) == 0 {
		return t, nil
	}
	keep := make([]bool, t.NumRows())
	for i := range keep {
		keep[i] = true
	}
	for _, f := range filters {
		col, err := t.ColumnByName(f.Column)
		if err != nil {
			return nil, err
		}
		for r := range keep {
			if !keep[r] {
				continue
			}
			ok, err := f.matchValue(col[r])
			if err != nil {
				return nil, fmt.Errorf("filter %s on %q: %w", f.Op, f.Column, err)
			}
			keep[r] = ok
		}
	}
	return t.FilterRows(keep), nil
}

// StatsMayMatch reports whether a chunk with the given stats can contain rows
// matching the filter. False means the whole chunk is skippable. Missing
// stats for the column always match.
func StatsMayMatch(stats ChunkStats, f Filter, rowCount int64) bool {
	cs, ok := stats[f.Column]
	if !ok {
		return true
	}
	allNull := cs.NullCount >= rowCount
	switch f.Op {
	case OpIsNull:
		return cs.NullCount > 0
	case OpNotNull:
		return !allNull
	}
	if allNull || cs.Min.IsNull() {
		// No non-null values: every remaining operator needs one.
		return false
	}
	switch f.Op {
	case OpEq:
		return inRange(f.Value, cs)
	case OpLt:
		c, err := cs.Min.Compare(f.Value)
		return err != nil || c < 0
	case OpLe:
		c, err := cs.Min.Compare(f.Value)
		return err != nil || c <= 0
	case OpGt:
		c, err := cs.Max.Compare(f.Value)
		return err != nil || c > 0
	case OpGe:
		c, err := cs.Max.Compare(f.Value)
		return err != nil || c >= 0
	case OpIn:
		for _, cand := range f.Values {
			if inRange(cand, cs) {
				return true
			}
		}
		return false
	}
	// Ne, NotIn, Like are not provable from min/max alone.
	return true
}

func inRange(v Value, cs ColumnStats) bool {
	lo, err := v.Compare(cs.Min)
	if err != nil {
		return true
	}
	hi, err := v.Compare(cs.Max)
	if err != nil {
		return true
	}
	return lo >= 0 && hi <= 0
}
