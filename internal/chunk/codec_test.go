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

package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo/internal/table"
)

func allKindsTable(t *testing.T) *table.Table {
	t.Helper()
	schema, err := table.NewSchema(
		table.Field{Name: "id", Type: table.KindI64},
		table.Field{Name: "ok", Type: table.KindBool, Nullable: true},
		table.Field{Name: "score", Type: table.KindF64, Nullable: true},
		table.Field{Name: "name", Type: table.KindString, Nullable: true},
		table.Field{Name: "blob", Type: table.KindBytes, Nullable: true},
	)
	require.NoError(t, err)
	tbl := table.New(schema)
	require.NoError(t, tbl.AppendRow(
		table.I64(1), table.Bool(true), table.F64(0.5), table.String("alpha"), table.Bytes([]byte{0, 1, 2}),
	))
	require.NoError(t, tbl.AppendRow(
		table.I64(2), table.Null(), table.Null(), table.Null(), table.Null(),
	))
	return tbl
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	t.Parallel()
	c := NewCodec()
	src := allKindsTable(t)

	data, err := c.Encode(src)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	back, err := c.Decode(data, src.Schema(), nil)
	require.NoError(t, err)
	require.Equal(t, src.NumRows(), back.NumRows())
	for r := 0; r < src.NumRows(); r++ {
		want, got := src.Row(r), back.Row(r)
		for i := range want {
			assert.True(t, want[i].Equal(got[i]), "row %d col %d: %v != %v", r, i, want[i], got[i])
		}
	}
}

func TestDecodeProjection(t *testing.T) {
	t.Parallel()
	c := NewCodec()
	src := allKindsTable(t)

	data, err := c.Encode(src)
	require.NoError(t, err)

	out, err := c.Decode(data, src.Schema(), []string{"name", "id"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumCols())
	assert.Equal(t, 2, out.NumRows())

	_, err = c.Decode(data, src.Schema(), []string{"ghost"})
	assert.Error(t, err)
}

func TestEncodeDeterministic(t *testing.T) {
	t.Parallel()
	c := NewCodec()
	src := allKindsTable(t)

	a, err := c.Encode(src)
	require.NoError(t, err)
	b, err := c.Encode(src)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical input encodes to identical bytes")
}

func TestDecodeSchemaMismatch(t *testing.T) {
	t.Parallel()
	c := NewCodec()
	src := allKindsTable(t)

	data, err := c.Encode(src)
	require.NoError(t, err)

	other, err := table.NewSchema(table.Field{Name: "unrelated", Type: table.KindI64})
	require.NoError(t, err)
	_, err = c.Decode(data, other, nil)
	assert.Error(t, err)
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	schema, err := table.NewSchema(table.Field{Name: "id", Type: table.KindI64})
	require.NoError(t, err)
	_, err = c.Decode([]byte("not parquet"), schema, nil)
	assert.Error(t, err)
}
