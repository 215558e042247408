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

package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhizo"
	"rhizo/internal/branch"
)

func TestRetentionKeepsEverythingReachable(t *testing.T) {
	t.Parallel()
	env := NewEnv(t)
	branches := env.DB.Branches()

	// v1 pinned by a branch, v2..v5 unpinned history, v5 is latest.
	commitOn(t, env, "", "orders", ordersTable(t, 1, 1))
	_, err := branches.Create("pinned", "", "")
	require.NoError(t, err)
	for i := int64(2); i <= 5; i++ {
		commitOn(t, env, "", "orders", ordersTable(t, 1, i))
	}

	report, err := env.DB.Collect(rhizo.GCPolicy{MaxVersionsPerTable: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.VersionsDeleted, "v2..v4 collected")
	assert.EqualValues(t, 3, report.ChunksDeleted)

	versions, err := env.DB.ListVersions("orders")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 5}, versions)

	// Every surviving reference still reads back cleanly.
	onPinned, err := env.DB.ReadBranch("pinned", "orders", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, onPinned.NumRows())
	onMain, err := env.DB.ReadBranch(branch.Main, "orders", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, onMain.NumRows())

	_, err = env.DB.Read("orders", 3, nil, nil)
	assert.ErrorIs(t, err, rhizo.ErrVersionNotFound)
}

func TestCollectedVersionsReportedInStats(t *testing.T) {
	t.Parallel()
	env := NewEnv(t)

	for i := int64(1); i <= 3; i++ {
		commitOn(t, env, "", "orders", ordersTable(t, 1, i))
	}
	before, err := env.DB.Stat()
	require.NoError(t, err)
	assert.Equal(t, 3, before.Versions)

	_, err = env.DB.Collect(rhizo.GCPolicy{MaxVersionsPerTable: 1})
	require.NoError(t, err)

	after, err := env.DB.Stat()
	require.NoError(t, err)
	assert.Equal(t, 1, after.Versions)
	assert.Less(t, after.Bytes, before.Bytes)
}
