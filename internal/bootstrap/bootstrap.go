package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eric-buaa-cn/smyte-db/internal/config"
	"github.com/eric-buaa-cn/smyte-db/internal/health"
	"github.com/eric-buaa-cn/smyte-db/internal/metrics"
	"github.com/eric-buaa-cn/smyte-db/internal/protocol"
	"github.com/eric-buaa-cn/smyte-db/internal/storage"
	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	"github.com/eric-buaa-cn/smyte-db/internal/streaming"
	"github.com/eric-buaa-cn/smyte-db/internal/taskqueue"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Bootstrap owns every component of a running process: storage, streams,
// task queues, the health endpoint and the RESP listener.
type Bootstrap struct {
	cfg    Config
	opts   config.Config
	logger log.Logger

	registry   *metrics.Registry
	engine     *storage.Engine
	backend    streaming.Backend
	streams    *streaming.Manager
	storageMgr storage.StorageManager
	tasks      *taskqueue.Manager
	health     *health.Endpoint
	builder    *protocol.Builder

	phaseMu sync.Mutex
	phase   Phase

	mu            sync.Mutex
	server        *protocol.Server
	started       bool
	stopped       bool
	storageClosed bool
	smStarted     bool
}

// Create provisions storage and builds every component without starting
// any. Order: metrics registry, storage, stream backend, storage manager,
// producers, task queues, consumers, health endpoint, handler builder. On
// failure everything built so far is released.
func Create(cfg Config, opts config.Config, logger log.Logger) (_ *Bootstrap, err error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.HandlerFactory == nil {
		return nil, smerrors.WrapFatal(smerrors.ErrMissingFactory, "bootstrap", "Create", "handler factory")
	}
	if err := config.Validate(&opts); err != nil {
		return nil, err
	}
	b := &Bootstrap{
		cfg:      cfg,
		opts:     opts,
		logger:   logger.WithComponent("bootstrap"),
		registry: metrics.NewRegistry(),
	}
	defer func() {
		if err != nil {
			b.release()
		}
	}()

	brokers := streaming.ParseBrokerList(opts.Streaming.BrokerList)
	if err := b.provisionStorage(logger, len(brokers) == 0); err != nil {
		return nil, err
	}
	if err := b.buildBackend(logger, brokers); err != nil {
		return nil, err
	}
	b.streams = streaming.NewManager(b.backend, b.registry.Pipeline, logger)

	if cfg.StorageManager != nil {
		sm, err := cfg.StorageManager.NewStorageManager(b)
		if err != nil {
			return nil, smerrors.WrapFatal(err, "bootstrap", "Create", "build storage manager")
		}
		b.storageMgr = sm
	}
	if err := b.buildProducers(); err != nil {
		return nil, err
	}
	if err := b.buildTaskQueues(logger); err != nil {
		return nil, err
	}
	if err := b.buildConsumers(); err != nil {
		return nil, err
	}
	if opts.Health.Enabled {
		ho := health.Options{
			HTTPAddr:   fmt.Sprintf(":%d", opts.Health.HTTPPort),
			Storage:    b.engine,
			ServerAddr: b.ServerAddr,
			Registry:   b.registry,
			Logger:     logger,
		}
		if opts.Health.GRPCPort > 0 {
			ho.GRPCAddr = fmt.Sprintf(":%d", opts.Health.GRPCPort)
		}
		b.health = health.New(ho)
	}
	b.builder = protocol.NewBuilder(func() protocol.Handler { return cfg.HandlerFactory.NewHandler(b) }, cfg.SingletonHandler)

	b.setPhase(PhaseCreated)
	b.logger.Info("bootstrap created",
		log.Int("families", len(b.engine.Families())),
		log.Int("groups", len(b.engine.Groups())),
		log.Int("producers", len(b.streams.Producers())),
		log.Int("consumers", len(b.streams.Consumers())),
		log.Int("task_queues", len(b.tasks.Names())),
		log.Str("stream_backend", b.backend.Name()),
		log.Bool("one_off_approved", b.engine.OneOffApproved()))
	return b, nil
}

func (b *Bootstrap) provisionStorage(logger log.Logger, embedded bool) error {
	so := b.opts.Storage
	fsync, err := pebblestore.ParseFsyncMode(so.Fsync)
	if err != nil {
		return smerrors.WrapFatal(fmt.Errorf("%w: %v", smerrors.ErrInvalidConfig, err), "bootstrap", "Create", "parse fsync")
	}
	extra := sortedKeys(b.cfg.TaskProcessors)
	if embedded {
		extra = append(extra, streaming.StreamFamily)
	}
	engine, err := storage.Provision(storage.ProvisionOptions{
		DBPath:                so.DBPath,
		DBPathsSpec:           so.DBPaths,
		GroupsSpec:            so.CFGroupConfigs,
		DropGroupsSpec:        so.DropCFGroupConfigs,
		Parallelism:           so.Parallelism,
		BlockCacheSizeMB:      so.BlockCacheSizeMB,
		CreateIfMissing:       so.CreateIfMissing,
		CreateIfMissingOneOff: so.CreateIfMissingOneOff,
		VersionTimestampMs:    so.VersionTimestampMs,
		Fsync:                 fsync,
		FsyncInterval:         so.FsyncInterval,
		FamilyConfigurators:   b.cfg.FamilyConfigurators,
		EngineConfigurator:    b.cfg.EngineConfigurator,
		ExtraFamilies:         extra,
		Logger:                logger,
		Metrics:               b.registry.Pipeline,
	})
	if err != nil {
		return err
	}
	b.engine = engine
	b.registry.Pipeline.SetVersionTimestamp(engine.VersionTimestamp())
	b.registry.Pipeline.SetOneOffApproved(engine.OneOffApproved())
	return nil
}

func (b *Bootstrap) buildBackend(logger log.Logger, brokers []string) error {
	if len(brokers) > 0 {
		nb, err := streaming.NewNATSBackend(brokers, b.opts.Streaming.ClientName, logger)
		if err != nil {
			return smerrors.WrapFatal(err, "bootstrap", "Create", "connect brokers")
		}
		b.backend = nb
		return nil
	}
	fam, err := b.engine.Family(streaming.StreamFamily)
	if err != nil {
		return err
	}
	b.backend = streaming.NewEmbeddedBackend(fam.DB, logger)
	return nil
}

func (b *Bootstrap) buildProducers() error {
	specs, err := streaming.ParseProducerSpecs(b.opts.Streaming.ProducerConfigs)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := b.streams.CreateProducer(context.Background(), spec); err != nil {
			return smerrors.WrapFatal(err, "bootstrap", "Create", "create producer "+spec.Topic)
		}
	}
	return nil
}

func (b *Bootstrap) buildTaskQueues(logger log.Logger) error {
	b.tasks = taskqueue.NewManager(logger)
	tq := b.opts.TaskQueue
	for _, name := range sortedKeys(b.cfg.TaskProcessors) {
		factory := b.cfg.TaskProcessors[name]
		if factory == nil {
			return smerrors.WrapFatal(smerrors.ErrMissingFactory, "bootstrap", "Create", "task processor "+name)
		}
		fam, err := b.engine.Family(name)
		if err != nil {
			return err
		}
		proc, err := factory.NewTaskProcessor(b, name)
		if err != nil {
			return smerrors.WrapFatal(err, "bootstrap", "Create", "build task processor "+name)
		}
		q, err := taskqueue.OpenQueue(fam.DB, name, proc, taskqueue.Options{
			PollInterval: tq.PollInterval,
			BatchSize:    tq.BatchSize,
			MaxAttempts:  tq.MaxAttempts,
			Observer:     b.registry.Pipeline,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		if err := b.tasks.Add(q); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bootstrap) buildConsumers() error {
	specs, err := streaming.ParseConsumerSpecs(b.opts.Streaming.ConsumerConfigs)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		factory, ok := b.cfg.ConsumerFactories[spec.Key]
		if !ok || factory == nil {
			return smerrors.WrapFatal(smerrors.ErrMissingFactory, "bootstrap", "Create", "consumer factory "+spec.Key)
		}
		c, err := factory.NewConsumer(b, spec)
		if err != nil {
			return smerrors.WrapFatal(err, "bootstrap", "Create", "build consumer "+spec.Name)
		}
		b.streams.AddConsumer(c)
	}
	return nil
}

// release tears down a partially built process. Nothing has started, so
// consumers and queues only need their resources returned.
func (b *Bootstrap) release() {
	var errs []error
	if b.streams != nil {
		errs = append(errs, b.streams.DestroyAll(), b.streams.DestroyProducers())
	}
	if b.tasks != nil {
		errs = append(errs, b.tasks.DestroyAll())
	}
	if b.backend != nil {
		errs = append(errs, b.backend.Close())
	}
	if b.engine != nil {
		errs = append(errs, b.engine.Close())
		b.storageClosed = true
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Error("release after failed create", log.Err(err))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
