package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

func TestGroupExpand(t *testing.T) {
	cases := []struct {
		cfg  GroupConfig
		want []string
	}{
		{GroupConfig{Name: "counters", StartShardIndex: 0, LocalVirtualShardCount: 3, ShardIndexIncrement: 1}, []string{"counters-0", "counters-1", "counters-2"}},
		{GroupConfig{Name: "users", StartShardIndex: 5, LocalVirtualShardCount: 3, ShardIndexIncrement: 4}, []string{"users-5", "users-9", "users-13"}},
		{GroupConfig{Name: "single", StartShardIndex: 7, LocalVirtualShardCount: 1, ShardIndexIncrement: 0}, []string{"single-7"}},
		{GroupConfig{Name: "empty", LocalVirtualShardCount: 0}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.cfg.Name, func(t *testing.T) {
			require.NoError(t, tc.cfg.Validate())
			assert.Equal(t, tc.want, tc.cfg.Expand())
		})
	}
}

func TestExpandMatchesFormula(t *testing.T) {
	for s := 0; s < 4; s++ {
		for n := 0; n < 5; n++ {
			for i := 1; i < 4; i++ {
				g := GroupConfig{Name: "g", StartShardIndex: s, LocalVirtualShardCount: n, ShardIndexIncrement: i}
				names := g.Expand()
				require.Len(t, names, n)
				for k, name := range names {
					assert.Equal(t, fmt.Sprintf("g-%d", s+k*i), name)
				}
			}
		}
	}
}

func TestParseGroupConfigs(t *testing.T) {
	groups, err := ParseGroupConfigs(`[
		{"groupName":"counters","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":1},
		{"name":"users","startShardIndex":4,"localVirtualShardCount":2,"shardIndexIncrement":2}
	]`)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "users", groups[1].Name)
	assert.Equal(t, []string{"users-4", "users-6"}, groups[1].Expand())

	none, err := ParseGroupConfigs("  ")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseGroupConfigsRejectsMalformed(t *testing.T) {
	bad := map[string]string{
		"not json":          `{`,
		"negative":          `[{"groupName":"a","startShardIndex":-1,"localVirtualShardCount":1,"shardIndexIncrement":1}]`,
		"zero increment":    `[{"groupName":"a","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":0}]`,
		"missing name":      `[{"startShardIndex":0,"localVirtualShardCount":1,"shardIndexIncrement":1}]`,
		"missing field":     `[{"groupName":"a","localVirtualShardCount":1,"shardIndexIncrement":1}]`,
		"fractional":        `[{"groupName":"a","startShardIndex":0.5,"localVirtualShardCount":1,"shardIndexIncrement":1}]`,
		"unknown field":     `[{"groupName":"a","startShardIndex":0,"localVirtualShardCount":1,"shardIndexIncrement":1,"x":1}]`,
		"duplicate group":   `[{"groupName":"a","startShardIndex":0,"localVirtualShardCount":1,"shardIndexIncrement":1},{"groupName":"a","startShardIndex":3,"localVirtualShardCount":1,"shardIndexIncrement":1}]`,
		"path in the name":  `[{"groupName":"a/b","startShardIndex":0,"localVirtualShardCount":1,"shardIndexIncrement":1}]`,
	}
	for name, spec := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGroupConfigs(spec)
			require.Error(t, err)
			assert.True(t, smerrors.IsFatal(err), "malformed group spec must be fatal: %v", err)
			assert.ErrorIs(t, err, smerrors.ErrInvalidConfig)
		})
	}
}

func TestParseDBPaths(t *testing.T) {
	paths, err := ParseDBPaths(`[{"path":"/a","targetSizeBytes":100},{"path":"/b","targetSizeBytes":0}]`)
	require.NoError(t, err)
	assert.Equal(t, []DBPath{{Path: "/a", TargetSizeBytes: 100}, {Path: "/b", TargetSizeBytes: 0}}, paths)

	_, err = ParseDBPaths(`[{"path":"/a","targetSizeBytes":-1}]`)
	assert.True(t, smerrors.IsFatal(err))
	_, err = ParseDBPaths(`[{"path":"","targetSizeBytes":1}]`)
	assert.True(t, smerrors.IsFatal(err))
}
