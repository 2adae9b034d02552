package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

const (
	// DefaultFamily always exists.
	DefaultFamily = "default"
	// MetadataFamily holds the catalog and the version timestamp.
	MetadataFamily = "smyte-metadata"
)

// Family is an open column family.
type Family struct {
	*pebblestore.DB
	// Group is the shard group the family was expanded from, if any.
	Group string
	// ShardIndex is the family's shard index within Group.
	ShardIndex int
}

// FamilyMap maps family names to open families.
type FamilyMap map[string]*Family

// GroupMap maps group names to their family names in shard order.
type GroupMap map[string][]string

// ProvisionOptions are the inputs of Provision.
type ProvisionOptions struct {
	DBPath         string
	DBPathsSpec    string
	GroupsSpec     string
	DropGroupsSpec string

	Parallelism           int
	BlockCacheSizeMB      int
	CreateIfMissing       bool
	CreateIfMissingOneOff bool
	VersionTimestampMs    int64

	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration

	FamilyConfigurators map[string]FamilyConfigurator
	EngineConfigurator  EngineConfigurator
	// ExtraFamilies are required by other components (task queues, the
	// embedded stream log) and are provisioned like group families.
	ExtraFamilies []string

	Now     func() time.Time
	Logger  log.Logger
	Metrics pebblestore.MetricsHook
}

// Engine owns every column family of a process. Close must be called
// exactly once.
type Engine struct {
	opts    EngineOptions
	cache   *pebble.Cache
	logger  log.Logger
	metrics pebblestore.MetricsHook

	meta     *Family
	families FamilyMap
	groups   GroupMap
	configs  []GroupConfig

	mu               sync.Mutex
	persistedVersion int64
	oneOffApproved   bool
	closed           bool
}

// Provision opens or creates the engine at opts.DBPath, applies group
// drops, creates missing families when allowed, and evaluates the one-off
// flag gate. Every error is fatal class.
func Provision(opts ProvisionOptions) (_ *Engine, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.WithComponent("storage")
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if opts.DBPath == "" {
		return nil, invalidSpec("validate options", errors.New("db path is required"))
	}
	paths, err := ParseDBPaths(opts.DBPathsSpec)
	if err != nil {
		return nil, err
	}
	eo := EngineOptions{
		DBPath:           opts.DBPath,
		DBPaths:          paths,
		Parallelism:      opts.Parallelism,
		BlockCacheSizeMB: opts.BlockCacheSizeMB,
		Fsync:            opts.Fsync,
		FsyncInterval:    opts.FsyncInterval,
	}
	if opts.EngineConfigurator != nil {
		opts.EngineConfigurator.ConfigureEngine(&eo)
	}

	groups, err := ParseGroupConfigs(opts.GroupsSpec)
	if err != nil {
		return nil, err
	}
	drops, err := ParseGroupConfigs(opts.DropGroupsSpec)
	if err != nil {
		return nil, err
	}
	if err := checkDropConflicts(groups, drops, opts); err != nil {
		return nil, err
	}

	e := &Engine{
		opts:     eo,
		logger:   logger,
		metrics:  opts.Metrics,
		families: make(FamilyMap),
		groups:   make(GroupMap),
		configs:  groups,
	}
	if eo.BlockCacheSizeMB > 0 {
		e.cache = pebble.NewCache(int64(eo.BlockCacheSizeMB) << 20)
	}
	defer func() {
		if err != nil {
			e.abort()
		}
	}()

	// Metadata first: it tells us whether the engine exists and what it holds.
	metaDir := filepath.Join(eo.DBPath, MetadataFamily)
	engineExists := exists(metaDir)
	if !engineExists && !opts.CreateIfMissing {
		return nil, fatal("open engine", fmt.Errorf("%w: no engine at %s and createIfMissing is false", smerrors.ErrStorageUnavailable, eo.DBPath))
	}
	metaOpts := e.familyOptions(MetadataFamily, opts.FamilyConfigurators)
	meta, err := e.openFamily(MetadataFamily, metaDir, finalizeTableOptions(metaOpts, e.cache), !engineExists)
	if err != nil {
		return nil, err
	}
	e.meta = meta
	e.families[MetadataFamily] = meta

	persisted, err := readVersionTimestamp(meta.DB)
	if err != nil {
		return nil, fatal("read version timestamp", err)
	}
	e.persistedVersion = persisted
	e.oneOffApproved = CanApplyOneOffFlags(opts.VersionTimestampMs, persisted, now())
	e.logGate(opts.VersionTimestampMs, persisted, now())

	catalog, err := loadCatalog(meta.DB)
	if err != nil {
		return nil, fatal("load catalog", err)
	}

	for _, g := range drops {
		for _, name := range g.Expand() {
			dir, ok := catalog[name]
			if !ok {
				logger.Debug("drop skipped, family does not exist", log.Str("family", name), log.Str("group", g.Name))
				continue
			}
			// Catalog first: a directory left behind by a crash is only
			// garbage, a catalog entry without its directory is fatal.
			if err := deleteCatalog(meta.DB, name); err != nil {
				return nil, fatal("drop family "+name, err)
			}
			delete(catalog, name)
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("dropped family directory not removed", log.Str("family", name), log.Str("dir", dir), log.Err(err))
			}
			logger.Info("column family dropped", log.Str("family", name), log.Str("group", g.Name))
		}
	}

	desired := desiredFamilies(groups, opts, catalog)
	allowCreate := opts.CreateIfMissing || (opts.CreateIfMissingOneOff && e.oneOffApproved)
	place := newPlacer(eo.DBPath, eo.DBPaths)

	type planned struct {
		name   string
		dir    string
		create bool
		opts   *FamilyOptions
	}
	plan := make([]planned, 0, len(desired))
	for _, name := range desired {
		dir, known := catalog[name]
		if !known {
			if !allowCreate {
				return nil, fatal("plan families", fmt.Errorf("%w: %q is missing and creation is not allowed (createIfMissing=%t, createIfMissingOneOff=%t, gate=%t)",
					smerrors.ErrFamilyNotFound, name, opts.CreateIfMissing, opts.CreateIfMissingOneOff, e.oneOffApproved))
			}
			dir = place.place(name)
		}
		plan = append(plan, planned{name: name, dir: dir, create: !known, opts: e.familyOptions(name, opts.FamilyConfigurators)})
	}

	// Every family's options are final before table tuning runs.
	finals := make([]*pebble.Options, len(plan))
	for i, p := range plan {
		finals[i] = finalizeTableOptions(p.opts, e.cache)
	}

	for i, p := range plan {
		if p.create && exists(p.dir) {
			// Left over from an interrupted drop or create; never revive it.
			logger.Warn("removing uncataloged family directory", log.Str("family", p.name), log.Str("dir", p.dir))
			if err := os.RemoveAll(p.dir); err != nil {
				return nil, fatal("clear family "+p.name, err)
			}
		}
		fam, err := e.openFamily(p.name, p.dir, finals[i], p.create)
		if err != nil {
			return nil, err
		}
		e.families[p.name] = fam
		if p.create {
			if err := putCatalog(meta.DB, p.name, p.dir); err != nil {
				return nil, fatal("register family "+p.name, err)
			}
			logger.Info("column family created", log.Str("family", p.name), log.Str("dir", p.dir))
		}
	}

	for _, g := range groups {
		names := g.Expand()
		for k, name := range names {
			fam := e.families[name]
			fam.Group = g.Name
			fam.ShardIndex = g.ShardIndex(k)
		}
		e.groups[g.Name] = names
	}

	if e.oneOffApproved {
		if err := e.PersistVersionTimestamp(opts.VersionTimestampMs); err != nil {
			return nil, err
		}
	}

	logger.Info("storage provisioned",
		log.Str("path", eo.DBPath),
		log.Int("families", len(e.families)),
		log.Int("groups", len(e.groups)),
		log.Bool("one_off_approved", e.oneOffApproved))
	return e, nil
}

func checkDropConflicts(groups, drops []GroupConfig, opts ProvisionOptions) error {
	keep := map[string]bool{DefaultFamily: true, MetadataFamily: true}
	for _, g := range groups {
		for _, n := range g.Expand() {
			keep[n] = true
		}
	}
	for n := range opts.FamilyConfigurators {
		keep[n] = true
	}
	for _, n := range opts.ExtraFamilies {
		keep[n] = true
	}
	for _, g := range drops {
		for _, n := range g.Expand() {
			if keep[n] {
				return smerrors.WrapFatal(fmt.Errorf("%w: %q", smerrors.ErrFamilyConflict, n), "storage", "Provision", "check drops")
			}
		}
	}
	return nil
}

// desiredFamilies lists, without duplicates, every family to open: default,
// group families in shard order, configured and extra families, then any
// other family the catalog already holds.
func desiredFamilies(groups []GroupConfig, opts ProvisionOptions, catalog map[string]string) []string {
	seen := map[string]bool{MetadataFamily: true}
	var out []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	add(DefaultFamily)
	for _, g := range groups {
		for _, n := range g.Expand() {
			add(n)
		}
	}
	for _, n := range sortedKeys(opts.FamilyConfigurators) {
		add(n)
	}
	for _, n := range opts.ExtraFamilies {
		add(n)
	}
	for _, n := range sortedKeys(catalog) {
		add(n)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) familyOptions(name string, configurators map[string]FamilyConfigurator) *FamilyOptions {
	fo := pointLookupProfile(name, e.opts.Parallelism)
	if c, ok := configurators[name]; ok && c != nil {
		c.ConfigureFamily(fo)
	}
	return fo
}

func (e *Engine) openFamily(name, dir string, po *pebble.Options, create bool) (*Family, error) {
	db, err := pebblestore.Open(pebblestore.Options{
		Name:            name,
		DataDir:         dir,
		CreateIfMissing: create,
		Fsync:           e.opts.Fsync,
		FsyncInterval:   e.opts.FsyncInterval,
		PebbleOptions:   po,
		Metrics:         e.metrics,
	})
	if err != nil {
		return nil, fatal("open family "+name, err)
	}
	return &Family{DB: db}, nil
}

func (e *Engine) logGate(candidate, persisted int64, now time.Time) {
	switch {
	case candidate == 0:
		e.logger.Debug("no version timestamp supplied, one-off flags disabled", log.Int64("persisted_ms", persisted))
	case e.oneOffApproved:
		e.logger.Info("one-off flags approved", log.Int64("candidate_ms", candidate), log.Int64("persisted_ms", persisted))
	case candidate <= persisted:
		e.logger.Warn("one-off flags skipped, version timestamp not newer than persisted",
			log.Int64("candidate_ms", candidate), log.Int64("persisted_ms", persisted))
	default:
		e.logger.Warn("one-off flags skipped, version timestamp is stale",
			log.Int64("candidate_ms", candidate),
			log.Duration("age", now.Sub(time.UnixMilli(candidate))),
			log.Duration("max_age", MaxVersionTimestampAge))
	}
}

func fatal(action string, err error) error {
	return smerrors.WrapFatal(err, "storage", "Provision", action)
}

// Families returns every open family, including default and metadata.
func (e *Engine) Families() FamilyMap {
	out := make(FamilyMap, len(e.families))
	for k, v := range e.families {
		out[k] = v
	}
	return out
}

// Groups returns each group's family names in shard order.
func (e *Engine) Groups() GroupMap {
	out := make(GroupMap, len(e.groups))
	for k, v := range e.groups {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// GroupConfigs returns the parsed create spec.
func (e *Engine) GroupConfigs() []GroupConfig {
	return append([]GroupConfig(nil), e.configs...)
}

// Family returns the named family or a fatal-class ErrFamilyNotFound.
func (e *Engine) Family(name string) (*Family, error) {
	if f, ok := e.families[name]; ok {
		return f, nil
	}
	return nil, smerrors.WrapFatal(fmt.Errorf("%w: %q", smerrors.ErrFamilyNotFound, name), "storage", "Family", "lookup")
}

// Metadata returns the reserved metadata family.
func (e *Engine) Metadata() *Family { return e.meta }

// OneOffApproved reports the gate decision made during Provision.
func (e *Engine) OneOffApproved() bool { return e.oneOffApproved }

// VersionTimestamp returns the persisted version timestamp.
func (e *Engine) VersionTimestamp() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistedVersion
}

// PersistVersionTimestamp stores ts if it is newer than the persisted value.
// Older or equal values are ignored.
func (e *Engine) PersistVersionTimestamp(ts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts <= e.persistedVersion {
		return nil
	}
	if err := writeVersionTimestamp(e.meta.DB, ts); err != nil {
		return smerrors.WrapFatal(err, "storage", "PersistVersionTimestamp", "write")
	}
	e.persistedVersion = ts
	return nil
}

// CheckHealth checks the metadata family.
func (e *Engine) CheckHealth() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return smerrors.ErrStorageUnavailable
	}
	return e.meta.CheckHealth()
}

// DiskUsage returns per-family on-disk bytes.
func (e *Engine) DiskUsage() map[string]uint64 {
	out := make(map[string]uint64, len(e.families))
	for name, f := range e.families {
		out[name] = f.DiskUsage()
	}
	return out
}

// Close releases every family, metadata last, then the shared cache.
// Calling Close twice panics.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		panic("storage: Engine.Close called twice")
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for _, name := range sortedKeys(e.families) {
		if name == MetadataFamily {
			continue
		}
		if err := e.families[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if e.meta != nil {
		if err := e.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", MetadataFamily, err))
		}
	}
	if e.cache != nil {
		e.cache.Unref()
	}
	e.logger.Info("storage closed", log.Int("families", len(e.families)))
	return errors.Join(errs...)
}

// abort releases whatever a failed Provision opened.
func (e *Engine) abort() {
	for _, f := range e.families {
		_ = f.Close()
	}
	if e.cache != nil {
		e.cache.Unref()
		e.cache = nil
	}
	e.closed = true
}
