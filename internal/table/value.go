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

// Package table holds the in-memory columnar model: schemas, the closed
// scalar value union, record batches, and filter predicates.
package table

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
)

// Kind discriminates the closed scalar value union.
type Kind int8

const (
	KindNull Kind = iota
	KindBool
	KindI64
	KindF64
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
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
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a tagged scalar. The zero Value is NULL.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	by   []byte
}

func Null() Value            { return Value{} }
func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func I64(v int64) Value      { return Value{kind: KindI64, i: v} }
func F64(v float64) Value    { return Value{kind: KindF64, f: v} }
func String(v string) Value  { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value   { return Value{kind: KindBytes, by: v} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) AsBool() bool  { return v.b }
func (v Value) AsI64() int64  { return v.i }
func (v Value) AsF64() float64 { return v.f }
func (v Value) AsString() string { return v.s }
func (v Value) AsBytes() []byte  { return v.by }

// Equal is NULL-safe: NULL equals NULL, and never equals a non-NULL value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindI64:
		return v.i == o.i
	case KindF64:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.by, o.by)
	}
	return false
}

// Compare orders two values of the same kind: -1, 0, +1. NULL sorts before
// everything. Comparing mismatched non-null kinds returns an error.
func (v Value) Compare(o Value) (int, error) {
	if v.kind == KindNull || o.kind == KindNull {
		switch {
		case v.kind == o.kind:
			return 0, nil
		case v.kind == KindNull:
			return -1, nil
		default:
			return 1, nil
		}
	}
	if v.kind != o.kind {
		return 0, fmt.Errorf("cannot compare %s with %s", v.kind, o.kind)
	}
	switch v.kind {
	case KindBool:
		switch {
		case v.b == o.b:
			return 0, nil
		case !v.b:
			return -1, nil
		default:
			return 1, nil
		}
	case KindI64:
		switch {
		case v.i < o.i:
			return -1, nil
		case v.i > o.i:
			return 1, nil
		default:
			return 0, nil
		}
	case KindF64:
		switch {
		case v.f < o.f:
			return -1, nil
		case v.f > o.f:
			return 1, nil
		default:
			return 0, nil
		}
	case KindString:
		return bytes.Compare([]byte(v.s), []byte(o.s)), nil
	case KindBytes:
		return bytes.Compare(v.by, o.by), nil
	}
	return 0, fmt.Errorf("cannot compare %s", v.kind)
}

// ByteSize is the logical size of the value, used by table size guards.
func (v Value) ByteSize() int64 {
	switch v.kind {
	case KindNull:
		return 1
	case KindBool:
		return 1
	case KindI64, KindF64:
		return 8
	case KindString:
		return int64(len(v.s))
	case KindBytes:
		return int64(len(v.by))
	}
	return 0
}

// KeyEncode appends a canonical, unambiguous encoding of the value, used to
// build primary-key tuples for uniqueness checks and row diffs.
func (v Value) KeyEncode(dst []byte) []byte {
	switch v.kind {
	case KindNull:
		return append(dst, 'n')
	case KindBool:
		if v.b {
			return append(dst, 'b', '1')
		}
		return append(dst, 'b', '0')
	case KindI64:
		dst = append(dst, 'i')
		return strconv.AppendInt(dst, v.i, 10)
	case KindF64:
		dst = append(dst, 'f')
		return strconv.AppendFloat(dst, v.f, 'g', -1, 64)
	case KindString:
		dst = append(dst, 's')
		dst = strconv.AppendInt(dst, int64(len(v.s)), 10)
		dst = append(dst, ':')
		return append(dst, v.s...)
	case KindBytes:
		dst = append(dst, 'y')
		dst = strconv.AppendInt(dst, int64(len(v.by)), 10)
		dst = append(dst, ':')
		return append(dst, v.by...)
	}
	return dst
}

// GoString renders the value for diagnostics and the CLI.
func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindI64:
		return strconv.FormatInt(v.i, 10)
	case KindF64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.by)
	}
	return ""
}
