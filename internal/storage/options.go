package storage

import (
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
)

const (
	numLevels             = 7
	defaultBloomBitsKey   = 10
	defaultBlockSize      = 4 << 10
	defaultL0TargetFileSz = 2 << 20
)

// FamilyOptions is the tuning of one column family. Configurators receive
// it pre-filled with the point-lookup profile and may change anything.
type FamilyOptions struct {
	Name string
	// Pebble holds the engine options for the family. Levels always has
	// seven entries.
	Pebble *pebble.Options
	// SharedBlockCache attaches the engine-wide block cache. Families that
	// opt out get a private cache.
	SharedBlockCache bool
}

// FamilyConfigurator tunes the options of a named family.
type FamilyConfigurator interface {
	ConfigureFamily(opts *FamilyOptions)
}

// FamilyConfiguratorFunc adapts a function to FamilyConfigurator.
type FamilyConfiguratorFunc func(opts *FamilyOptions)

// ConfigureFamily implements FamilyConfigurator.
func (f FamilyConfiguratorFunc) ConfigureFamily(opts *FamilyOptions) { f(opts) }

// EngineOptions are the engine-wide settings, adjustable by an
// EngineConfigurator before any family is opened.
type EngineOptions struct {
	DBPath           string
	DBPaths          []DBPath
	Parallelism      int
	BlockCacheSizeMB int
	Fsync            pebblestore.FsyncMode
	FsyncInterval    time.Duration
}

// EngineConfigurator tunes engine-wide options.
type EngineConfigurator interface {
	ConfigureEngine(opts *EngineOptions)
}

// EngineConfiguratorFunc adapts a function to EngineConfigurator.
type EngineConfiguratorFunc func(opts *EngineOptions)

// ConfigureEngine implements EngineConfigurator.
func (f EngineConfiguratorFunc) ConfigureEngine(opts *EngineOptions) { f(opts) }

// pointLookupProfile is the default tuning: bloom filters on every level,
// small blocks, snappy above the bottom level and zstd at the bottom.
func pointLookupProfile(name string, parallelism int) *FamilyOptions {
	if parallelism <= 0 {
		parallelism = 1
	}
	po := &pebble.Options{
		MaxConcurrentCompactions: func() int { return parallelism },
		Levels:                   make([]pebble.LevelOptions, numLevels),
	}
	for i := range po.Levels {
		l := &po.Levels[i]
		l.BlockSize = defaultBlockSize
		l.FilterPolicy = bloom.FilterPolicy(defaultBloomBitsKey)
		l.FilterType = pebble.TableFilter
		l.Compression = pebble.SnappyCompression
	}
	po.Levels[numLevels-1].Compression = pebble.ZstdCompression
	return &FamilyOptions{Name: name, Pebble: po, SharedBlockCache: true}
}

// finalizeTableOptions runs once every configurator has run. Table tuning
// that depends on the whole option set happens here: level count, filter
// propagation, target file sizes and the shared cache.
func finalizeTableOptions(fo *FamilyOptions, shared *pebble.Cache) *pebble.Options {
	po := fo.Pebble
	if po == nil {
		po = &pebble.Options{}
		fo.Pebble = po
	}
	for len(po.Levels) < numLevels {
		po.Levels = append(po.Levels, pebble.LevelOptions{})
	}

	var filter pebble.FilterPolicy
	for i := range po.Levels {
		if po.Levels[i].FilterPolicy != nil {
			filter = po.Levels[i].FilterPolicy
			break
		}
	}
	target := int64(defaultL0TargetFileSz)
	for i := range po.Levels {
		l := &po.Levels[i]
		if l.FilterPolicy == nil && filter != nil {
			l.FilterPolicy = filter
			l.FilterType = pebble.TableFilter
		}
		if l.TargetFileSize == 0 {
			l.TargetFileSize = target
		}
		target = l.TargetFileSize * 2
	}

	if fo.SharedBlockCache && shared != nil {
		po.Cache = shared
	}
	return po.EnsureDefaults()
}
