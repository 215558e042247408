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

package diff

import (
	"fmt"
	"strings"

	"rhizo/internal/table"
)

// semanticChanges summarizes each changed column that carries an algebraic
// op type, over at most semanticSampleRows of the modified table.
func semanticChanges(modified *table.Table, keyCols []string, algebraic map[string]string) []SemanticChange {
	if modified == nil || modified.NumRows() == 0 {
		return nil
	}
	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	sample := modified
	if sample.NumRows() > semanticSampleRows {
		sample = sample.Slice(0, semanticSampleRows)
	}

	var out []SemanticChange
	for _, f := range sample.Schema().Fields {
		col, ok := strings.CutPrefix(f.Name, "__old_")
		if !ok || isKey[col] {
			continue
		}
		op, ok := algebraic[col]
		if !ok {
			continue
		}
		oldVals, err := sample.ColumnByName("__old_" + col)
		if err != nil {
			continue
		}
		newVals, err := sample.ColumnByName("__new_" + col)
		if err != nil {
			continue
		}
		if summary := summarize(op, oldVals, newVals); summary != "" {
			out = append(out, SemanticChange{Column: col, Op: op, Summary: summary})
		}
	}
	return out
}

func summarize(op string, oldVals, newVals []table.Value) string {
	switch op {
	case OpAdd:
		return summarizeAdd(oldVals, newVals)
	case OpMax:
		return summarizeExtremum(oldVals, newVals, true)
	case OpMin:
		return summarizeExtremum(oldVals, newVals, false)
	case OpMultiply:
		return summarizeMultiply(oldVals, newVals)
	case OpOverwrite, OpUnion, OpIntersect, OpUnknown:
		return fmt.Sprintf("%d value(s) changed", len(oldVals))
	}
	return ""
}

// summarizeAdd reports a constant increment when every delta agrees, else
// the delta range.
func summarizeAdd(oldVals, newVals []table.Value) string {
	var deltas []float64
	for i := range oldVals {
		o, okO := numeric(oldVals[i])
		n, okN := numeric(newVals[i])
		if !okO || !okN {
			continue
		}
		deltas = append(deltas, n-o)
	}
	if len(deltas) == 0 {
		return ""
	}
	min, max := deltas[0], deltas[0]
	for _, d := range deltas[1:] {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	if min == max {
		return fmt.Sprintf("incremented by %s", formatNum(min))
	}
	return fmt.Sprintf("changed by between %s and %s", formatNum(min), formatNum(max))
}

func summarizeExtremum(oldVals, newVals []table.Value, max bool) string {
	oldBest, okO := extremum(oldVals, max)
	newBest, okN := extremum(newVals, max)
	if !okO || !okN {
		return ""
	}
	word := "maximum"
	if !max {
		word = "minimum"
	}
	if oldBest == newBest {
		return fmt.Sprintf("%s unchanged at %s", word, formatNum(newBest))
	}
	return fmt.Sprintf("new %s: %s (was %s)", word, formatNum(newBest), formatNum(oldBest))
}

func summarizeMultiply(oldVals, newVals []table.Value) string {
	var factors []float64
	for i := range oldVals {
		o, okO := numeric(oldVals[i])
		n, okN := numeric(newVals[i])
		if !okO || !okN || o == 0 {
			continue
		}
		factors = append(factors, n/o)
	}
	if len(factors) == 0 {
		return ""
	}
	first := factors[0]
	for _, f := range factors[1:] {
		if f != first {
			return fmt.Sprintf("%d value(s) scaled by varying factors", len(factors))
		}
	}
	return fmt.Sprintf("scaled by %s", formatNum(first))
}

func extremum(vals []table.Value, max bool) (float64, bool) {
	var best float64
	found := false
	for _, v := range vals {
		n, ok := numeric(v)
		if !ok {
			continue
		}
		if !found || (max && n > best) || (!max && n < best) {
			best = n
			found = true
		}
	}
	return best, found
}

func numeric(v table.Value) (float64, bool) {
	switch v.Kind() {
	case table.KindI64:
		return float64(v.AsI64()), true
	case table.KindF64:
		return v.AsF64(), true
	}
	return 0, false
}

func formatNum(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
