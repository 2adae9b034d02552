package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

const countersSpec = `[{"groupName":"counters","startShardIndex":0,"localVirtualShardCount":3,"shardIndexIncrement":1}]`

var testNow = time.UnixMilli(10_000_000)

func baseOptions(dir string) ProvisionOptions {
	return ProvisionOptions{
		DBPath:           dir,
		GroupsSpec:       countersSpec,
		Parallelism:      2,
		BlockCacheSizeMB: 8,
		CreateIfMissing:  true,
		Fsync:            pebblestore.FsyncModeNever,
		Now:              func() time.Time { return testNow },
	}
}

func provision(t *testing.T, opts ProvisionOptions) *Engine {
	t.Helper()
	e, err := Provision(opts)
	require.NoError(t, err)
	return e
}

func TestProvisionFreshEngine(t *testing.T) {
	e := provision(t, baseOptions(t.TempDir()))
	defer e.Close()

	fams := e.Families()
	for _, name := range []string{DefaultFamily, MetadataFamily, "counters-0", "counters-1", "counters-2"} {
		assert.Contains(t, fams, name)
	}
	assert.Len(t, fams, 5)
	assert.Equal(t, GroupMap{"counters": {"counters-0", "counters-1", "counters-2"}}, e.Groups())
	assert.Equal(t, 1, fams["counters-1"].ShardIndex)
	assert.Equal(t, "counters", fams["counters-1"].Group)
	assert.NoError(t, e.CheckHealth())
}

func TestProvisionReopenLoadsCatalog(t *testing.T) {
	dir := t.TempDir()
	opts := baseOptions(dir)
	opts.ExtraFamilies = []string{"tasks"}
	e := provision(t, opts)
	f, err := e.Family("counters-2")
	require.NoError(t, err)
	require.NoError(t, f.Set([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	// Reopen without the group spec and without create: every cataloged
	// family is opened anyway.
	reopen := ProvisionOptions{DBPath: dir, Now: opts.Now}
	e2 := provision(t, reopen)
	defer e2.Close()
	assert.Len(t, e2.Families(), 6)
	assert.Empty(t, e2.Groups())
	f2, err := e2.Family("counters-2")
	require.NoError(t, err)
	v, err := f2.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestProvisionMissingEngineIsFatal(t *testing.T) {
	opts := baseOptions(filepath.Join(t.TempDir(), "nothing"))
	opts.CreateIfMissing = false
	_, err := Provision(opts)
	require.Error(t, err)
	assert.True(t, smerrors.IsFatal(err))
}

func TestProvisionMalformedSpecIsFatal(t *testing.T) {
	opts := baseOptions(t.TempDir())
	opts.GroupsSpec = `[{"groupName":"x","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":0}]`
	_, err := Provision(opts)
	require.Error(t, err)
	assert.True(t, smerrors.IsFatal(err))
}

func TestCreateIfMissingOneOffIsGated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, provision(t, baseOptions(dir)).Close())

	grow := func(group string, ts int64) (*Engine, error) {
		opts := baseOptions(dir)
		opts.CreateIfMissing = false
		opts.CreateIfMissingOneOff = true
		opts.GroupsSpec = `[{"groupName":"` + group + `","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":1}]`
		opts.VersionTimestampMs = ts
		return Provision(opts)
	}

	fresh := testNow.UnixMilli() - 1000
	e, err := grow("users", fresh)
	require.NoError(t, err)
	assert.True(t, e.OneOffApproved())
	assert.Equal(t, fresh, e.VersionTimestamp())
	assert.Contains(t, e.Families(), "users-1")
	require.NoError(t, e.Close())

	// The same timestamp again is not newer: no new family may appear.
	_, err = grow("sessions", fresh)
	require.Error(t, err)
	assert.True(t, smerrors.IsFatal(err))
	assert.ErrorIs(t, err, smerrors.ErrFamilyNotFound)

	// A stale timestamp is rejected too.
	_, err = grow("sessions", testNow.Add(-31*time.Minute).UnixMilli())
	assert.ErrorIs(t, err, smerrors.ErrFamilyNotFound)

	// Existing families still open when the gate refuses.
	opts := baseOptions(dir)
	opts.CreateIfMissing = false
	opts.CreateIfMissingOneOff = true
	opts.GroupsSpec = `[{"groupName":"users","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":1}]`
	opts.VersionTimestampMs = 1
	e3 := provision(t, opts)
	assert.False(t, e3.OneOffApproved())
	assert.Equal(t, fresh, e3.VersionTimestamp())
	require.NoError(t, e3.Close())
}

func TestDropGroup(t *testing.T) {
	dir := t.TempDir()
	opts := baseOptions(dir)
	opts.GroupsSpec = `[{"groupName":"old","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":1}]`
	require.NoError(t, provision(t, opts).Close())
	require.DirExists(t, filepath.Join(dir, "old-0"))

	opts.GroupsSpec = countersSpec
	// "never" was never created; dropping it is assumed to be a no-op.
	opts.DropGroupsSpec = `[{"groupName":"old","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":1},
		{"groupName":"never","startShardIndex":0,"localVirtualShardCount":4,"shardIndexIncrement":1}]`
	e := provision(t, opts)
	defer e.Close()

	assert.NotContains(t, e.Families(), "old-0")
	assert.NotContains(t, e.Families(), "old-1")
	assert.NoDirExists(t, filepath.Join(dir, "old-0"))
	_, err := e.Family("old-1")
	assert.True(t, smerrors.IsFatal(err))
}

func TestDropAndCreateSameFamilyIsFatal(t *testing.T) {
	opts := baseOptions(t.TempDir())
	opts.DropGroupsSpec = `[{"groupName":"counters","startShardIndex":2,"localVirtualShardCount":1,"shardIndexIncrement":1}]`
	_, err := Provision(opts)
	require.Error(t, err)
	assert.True(t, smerrors.IsFatal(err))
	assert.ErrorIs(t, err, smerrors.ErrFamilyConflict)
}

func TestFamilyLookupMissing(t *testing.T) {
	e := provision(t, baseOptions(t.TempDir()))
	defer e.Close()
	f, err := e.Family("counters-99")
	assert.Nil(t, f)
	require.Error(t, err)
	assert.True(t, smerrors.IsFatal(err))
	assert.Contains(t, err.Error(), "counters-99")
}

func TestConfigurators(t *testing.T) {
	var seen []string
	var engineSeen bool
	opts := baseOptions(t.TempDir())
	opts.FamilyConfigurators = map[string]FamilyConfigurator{
		"counters-0": FamilyConfiguratorFunc(func(fo *FamilyOptions) {
			seen = append(seen, fo.Name)
			fo.SharedBlockCache = false
		}),
		"blobs": FamilyConfiguratorFunc(func(fo *FamilyOptions) {
			seen = append(seen, fo.Name)
			fo.Pebble.Levels[0].BlockSize = 64 << 10
		}),
	}
	opts.EngineConfigurator = EngineConfiguratorFunc(func(eo *EngineOptions) {
		engineSeen = true
		eo.BlockCacheSizeMB = 4
	})
	e := provision(t, opts)
	defer e.Close()

	assert.True(t, engineSeen)
	assert.ElementsMatch(t, []string{"counters-0", "blobs"}, seen)
	assert.Contains(t, e.Families(), "blobs", "configured families are provisioned")
}

func TestFinalizeTableOptions(t *testing.T) {
	fo := pointLookupProfile("x", 1)
	fo.Pebble.Levels = fo.Pebble.Levels[:2]
	fo.Pebble.Levels[1].FilterPolicy = nil
	po := finalizeTableOptions(fo, nil)
	require.Len(t, po.Levels, numLevels)
	for i, l := range po.Levels {
		assert.NotNil(t, l.FilterPolicy, "level %d", i)
		if i > 0 {
			assert.Equal(t, po.Levels[i-1].TargetFileSize*2, l.TargetFileSize)
		}
	}
}

func TestDBPathsPlacement(t *testing.T) {
	root := t.TempDir()
	full := filepath.Join(t.TempDir(), "full")
	spare := filepath.Join(t.TempDir(), "spare")
	opts := baseOptions(root)
	opts.DBPathsSpec = `[{"path":"` + full + `","targetSizeBytes":0},{"path":"` + spare + `","targetSizeBytes":1073741824}]`
	e := provision(t, opts)
	defer e.Close()

	assert.DirExists(t, filepath.Join(spare, "counters-0"))
	assert.DirExists(t, filepath.Join(root, MetadataFamily))
	_, err := os.Stat(filepath.Join(full, "counters-0"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPersistVersionTimestampIsMonotonic(t *testing.T) {
	e := provision(t, baseOptions(t.TempDir()))
	defer e.Close()
	require.NoError(t, e.PersistVersionTimestamp(500))
	require.NoError(t, e.PersistVersionTimestamp(100))
	assert.Equal(t, int64(500), e.VersionTimestamp())
	got, err := readVersionTimestamp(e.Metadata().DB)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)
}

func TestCloseTwicePanics(t *testing.T) {
	e := provision(t, baseOptions(t.TempDir()))
	require.NoError(t, e.Close())
	assert.Panics(t, func() { _ = e.Close() })
	assert.ErrorIs(t, e.CheckHealth(), smerrors.ErrStorageUnavailable)
}

func TestShardRouter(t *testing.T) {
	e := provision(t, baseOptions(t.TempDir()))
	defer e.Close()

	r, err := NewShardRouter(e, "counters")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
	hit := map[string]bool{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		f := r.Route([]byte(k))
		assert.Same(t, f, r.Route([]byte(k)), "routing is deterministic")
		assert.Equal(t, "counters", f.Group)
		hit[f.Name()] = true
	}
	assert.Greater(t, len(hit), 1)

	_, err = NewShardRouter(e, "nope")
	assert.True(t, smerrors.IsFatal(err))
}

func TestInterruptedDropRecovers(t *testing.T) {
	dir := t.TempDir()
	opts := baseOptions(dir)
	opts.GroupsSpec = `[{"groupName":"old","startShardIndex":0,"localVirtualShardCount":1,"shardIndexIncrement":1}]`
	e := provision(t, opts)
	fam, err := e.Family("old-0")
	require.NoError(t, err)
	require.NoError(t, fam.Set([]byte("k"), []byte("stale")))
	require.NoError(t, e.Close())

	// A crash after the catalog entry is gone leaves only the directory.
	meta, err := pebblestore.Open(pebblestore.Options{Name: MetadataFamily, DataDir: filepath.Join(dir, MetadataFamily), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	require.NoError(t, deleteCatalog(meta, "old-0"))
	require.NoError(t, meta.Close())
	require.DirExists(t, filepath.Join(dir, "old-0"))

	opts.GroupsSpec = countersSpec
	e = provision(t, opts)
	assert.NotContains(t, e.Families(), "old-0")
	require.NoError(t, e.Close())

	// Recreating the group starts from an empty family.
	opts.GroupsSpec = `[{"groupName":"old","startShardIndex":0,"localVirtualShardCount":1,"shardIndexIncrement":1}]`
	e = provision(t, opts)
	defer e.Close()
	fam, err = e.Family("old-0")
	require.NoError(t, err)
	_, err = fam.Get([]byte("k"))
	assert.ErrorIs(t, err, pebblestore.ErrNotFound)
}
