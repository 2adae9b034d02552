package bootstrap

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eric-buaa-cn/smyte-db/internal/config"
	"github.com/eric-buaa-cn/smyte-db/internal/protocol"
	"github.com/eric-buaa-cn/smyte-db/internal/storage"
	"github.com/eric-buaa-cn/smyte-db/internal/streaming"
	"github.com/eric-buaa-cn/smyte-db/internal/taskqueue"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) with(prefix string) []string {
	var out []string
	for _, e := range r.all() {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) index(e string) int {
	for i, got := range r.all() {
		if got == e {
			return i
		}
	}
	return -1
}

type fakeStorageManager struct{ rec *recorder }

func (m *fakeStorageManager) Start() error   { m.rec.add("storage_manager.start"); return nil }
func (m *fakeStorageManager) Destroy() error { m.rec.add("storage_manager.destroy"); return nil }

type fakeConsumer struct {
	name       string
	ctx        Context
	rec        *recorder
	initErr    error
	destroyErr error
}

func (c *fakeConsumer) Name() string { return c.name }

func (c *fakeConsumer) Init(context.Context, streaming.OffsetReset) error {
	c.rec.add("consumer.init." + c.name)
	return c.initErr
}

func (c *fakeConsumer) Start() error { c.rec.add("consumer.start." + c.name); return nil }
func (c *fakeConsumer) Stop()        { c.rec.add("consumer.stop." + c.name) }

func (c *fakeConsumer) Destroy() error {
	if c.ctx.Engine().CheckHealth() == nil {
		c.rec.add("consumer.destroy." + c.name)
	} else {
		c.rec.add("consumer.destroy_after_storage_closed." + c.name)
	}
	return c.destroyErr
}

type pingHandler struct {
	protocol.Mux
	protocol.NopLifecycle
}

func newPingHandler(Context) protocol.Handler { return &pingHandler{} }

func testOptions(t *testing.T) config.Config {
	t.Helper()
	opts := config.Default()
	opts.Storage.DBPath = t.TempDir()
	opts.Storage.BlockCacheSizeMB = 8
	opts.Storage.Parallelism = 1
	opts.Storage.Fsync = "never"
	opts.Health.HTTPPort = 0
	opts.Server.Port = 0
	opts.TaskQueue.PollInterval = 10 * time.Millisecond
	opts.ShutdownTimeout = 2 * time.Second
	return opts
}

type fixture struct {
	rec       *recorder
	consumers map[string]*fakeConsumer
	cfg       Config
}

func newFixture() *fixture {
	f := &fixture{rec: &recorder{}, consumers: map[string]*fakeConsumer{}}
	f.cfg = Config{
		HandlerFactory: HandlerFactoryFunc(newPingHandler),
		StorageManager: StorageManagerFactoryFunc(func(Context) (storage.StorageManager, error) {
			f.rec.add("storage_manager.create")
			return &fakeStorageManager{rec: f.rec}, nil
		}),
		ConsumerFactories: map[string]ConsumerFactory{
			"fake": ConsumerFactoryFunc(func(ctx Context, spec streaming.ConsumerSpec) (streaming.Consumer, error) {
				c := &fakeConsumer{name: spec.Name, ctx: ctx, rec: f.rec}
				f.consumers[spec.Name] = c
				return c, nil
			}),
		},
		PhaseListener: PhaseListenerFunc(func(p Phase) { f.rec.add("phase." + string(p)) }),
	}
	return f
}

func respPing(t *testing.T, addr string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

// lifecycleOutput records the lifecycle log lines of components the
// tests cannot wrap in fakes.
type lifecycleOutput struct{ rec *recorder }

var lifecycleMessages = map[string]bool{
	"task queue started":      true,
	"health endpoint started": true,
	"health endpoint stopped": true,
	"task queue destroyed":    true,
	"producers destroyed":     true,
	"storage closed":          true,
}

func (o lifecycleOutput) Write(e *log.Entry, _ []byte) error {
	if lifecycleMessages[e.Message] {
		o.rec.add("log." + e.Message)
	}
	return nil
}

func (o lifecycleOutput) Close() error { return nil }

func TestStartAndStopOrdering(t *testing.T) {
	f := newFixture()
	f.cfg.TaskProcessors = map[string]TaskProcessorFactory{
		"jobs": TaskProcessorFactoryFunc(func(Context, string) (taskqueue.Processor, error) {
			return taskqueue.ProcessorFunc(func(context.Context, taskqueue.Task) error { return nil }), nil
		}),
	}
	opts := testOptions(t)
	opts.Streaming.ProducerConfigs = `[{"topic":"events"}]`
	opts.Streaming.ConsumerConfigs = `[{"key":"fake","name":"a","topic":"events"},{"key":"fake","name":"b","topic":"events"}]`
	logger := log.NewLogger(log.WithLevel(log.InfoLevel), log.WithOutput(lifecycleOutput{rec: f.rec}))

	b, err := Create(f.cfg, opts, logger)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	assert.Equal(t, []string{
		"storage_manager.create",
		"phase.created",
		"phase.starting",
		"storage_manager.start",
		"log.task queue started",
		"consumer.init.a",
		"consumer.init.b",
		"consumer.start.a",
		"consumer.start.b",
		"log.health endpoint started",
		"phase.running",
	}, f.rec.all())
	assert.Equal(t, PhaseRunning, b.Phase())

	served := make(chan error, 1)
	go func() { served <- b.LaunchServer(0, 0) }()
	require.Eventually(t, func() bool { return b.ServerAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "+PONG", respPing(t, b.ServerAddr()))
	require.Eventually(t, func() bool { return f.rec.index("phase.serving") >= 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.StopServer())
	require.NoError(t, b.StopServer())
	require.NoError(t, <-served)
	assert.Empty(t, b.ServerAddr())

	startup := len(f.rec.all())
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	shutdown := f.rec.all()[startup:]
	require.Len(t, shutdown, 11)
	// Stop signals run in parallel, so only their position is fixed.
	assert.ElementsMatch(t, []string{"consumer.stop.a", "consumer.stop.b"}, shutdown[2:4])
	shutdown[2], shutdown[3] = "consumer.stop.*", "consumer.stop.*"
	assert.Equal(t, []string{
		"phase.stopping",
		"log.health endpoint stopped",
		"consumer.stop.*",
		"consumer.stop.*",
		"consumer.destroy.a",
		"consumer.destroy.b",
		"log.task queue destroyed",
		"log.producers destroyed",
		"storage_manager.destroy",
		"log.storage closed",
		"phase.stopped",
	}, shutdown)
	assert.Equal(t, PhaseStopped, b.Phase())
}

func TestConsumerInitFailureStartsNothing(t *testing.T) {
	f := newFixture()
	f.cfg.ConsumerFactories["broken"] = ConsumerFactoryFunc(func(ctx Context, spec streaming.ConsumerSpec) (streaming.Consumer, error) {
		return &fakeConsumer{name: spec.Name, ctx: ctx, rec: f.rec, initErr: errors.New("unknown topic")}, nil
	})
	opts := testOptions(t)
	opts.Streaming.ConsumerConfigs = `[{"key":"fake","name":"a","topic":"t"},{"key":"broken","name":"b","topic":"t"},{"key":"fake","name":"c","topic":"t"}]`

	b, err := Create(f.cfg, opts, nil)
	require.NoError(t, err)
	err = b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, smerrors.IsFatal(err))
	assert.Equal(t, PhaseFailed, b.Phase())

	assert.Empty(t, f.rec.with("consumer.start."))
	assert.Equal(t, []string{"consumer.init.a", "consumer.init.b"}, f.rec.with("consumer.init."))

	require.NoError(t, b.Stop())
	assert.Len(t, f.rec.with("consumer.destroy."), 3)
}

func TestStorageStaysOpenWhenConsumerDestroyFails(t *testing.T) {
	f := newFixture()
	f.cfg.ConsumerFactories["stuck"] = ConsumerFactoryFunc(func(ctx Context, spec streaming.ConsumerSpec) (streaming.Consumer, error) {
		return &fakeConsumer{name: spec.Name, ctx: ctx, rec: f.rec, destroyErr: errors.New("still draining")}, nil
	})
	opts := testOptions(t)
	opts.Health.Enabled = false
	opts.Streaming.ConsumerConfigs = `[{"key":"stuck","topic":"t"}]`

	b, err := Create(f.cfg, opts, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	err = b.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still draining")
	assert.NoError(t, b.Engine().CheckHealth())
	assert.Equal(t, 1, len(f.rec.with("storage_manager.destroy")))
	require.NoError(t, b.Engine().Close())
}

func TestCreateRequiresHandlerFactory(t *testing.T) {
	_, err := Create(Config{}, testOptions(t), nil)
	require.ErrorIs(t, err, smerrors.ErrMissingFactory)
}

func TestCreateReleasesStorageOnFailure(t *testing.T) {
	f := newFixture()
	opts := testOptions(t)
	opts.Streaming.ConsumerConfigs = `[{"key":"unregistered","topic":"t"}]`

	_, err := Create(f.cfg, opts, nil)
	require.ErrorIs(t, err, smerrors.ErrMissingFactory)

	opts.Streaming.ConsumerConfigs = ""
	b, err := Create(f.cfg, opts, nil)
	require.NoError(t, err, "storage must be reopenable after a failed create")
	require.NoError(t, b.Stop())
}

func TestCreateRejectsMalformedGroups(t *testing.T) {
	opts := testOptions(t)
	opts.Storage.CFGroupConfigs = `[{"groupName":"users","startShardIndex":0}]`
	_, err := Create(newFixture().cfg, opts, nil)
	require.Error(t, err)
	assert.True(t, smerrors.IsFatal(err))
}

func TestStorageManagerSeesReplicationRole(t *testing.T) {
	for _, role := range []string{config.RoleMaster, config.RoleReplica} {
		t.Run(role, func(t *testing.T) {
			f := newFixture()
			var master bool
			f.cfg.StorageManager = StorageManagerFactoryFunc(func(ctx Context) (storage.StorageManager, error) {
				master = ctx.Options().Server.MasterReplica()
				return &fakeStorageManager{rec: f.rec}, nil
			})
			opts := testOptions(t)
			opts.Server.Role = role

			b, err := Create(f.cfg, opts, nil)
			require.NoError(t, err)
			defer b.Stop()
			assert.Equal(t, role == config.RoleMaster, master)
		})
	}
}

func TestContextAccessors(t *testing.T) {
	f := newFixture()
	f.cfg.TaskProcessors = map[string]TaskProcessorFactory{
		"jobs": TaskProcessorFactoryFunc(func(Context, string) (taskqueue.Processor, error) {
			return taskqueue.ProcessorFunc(func(context.Context, taskqueue.Task) error { return nil }), nil
		}),
	}
	opts := testOptions(t)
	opts.Storage.CFGroupConfigs = `[{"groupName":"users","startShardIndex":0,"localVirtualShardCount":2,"shardIndexIncrement":1}]`
	opts.Streaming.ProducerConfigs = `[{"topic":"events"}]`

	b, err := Create(f.cfg, opts, nil)
	require.NoError(t, err)
	defer b.Stop()

	assert.Equal(t, []string{"users-0", "users-1"}, b.ColumnFamilyGroups()["users"])
	fams := b.ColumnFamilies()
	for _, name := range []string{storage.DefaultFamily, storage.MetadataFamily, "users-0", "users-1", "jobs", streaming.StreamFamily} {
		assert.Contains(t, fams, name)
	}
	_, err = b.Family("nope")
	require.ErrorIs(t, err, smerrors.ErrFamilyNotFound)

	q, err := b.TaskQueue("jobs")
	require.NoError(t, err)
	assert.Equal(t, "jobs", q.Name())
	_, err = b.TaskQueue("missing")
	require.ErrorIs(t, err, smerrors.ErrTaskQueueNotFound)

	assert.NotNil(t, b.Producer("events"))
	assert.Nil(t, b.Producer("missing"))
	assert.NotNil(t, b.StorageManager())
	assert.NotNil(t, b.MetricsRegistry())
	assert.Equal(t, "embedded", b.StreamBackend().Name())
	assert.False(t, b.OneOffApproved())
}

func TestEndToEndWithRealComponents(t *testing.T) {
	processed := make(chan string, 1)
	counted := make(chan struct{}, 8)
	cfg := Config{
		HandlerFactory:   HandlerFactoryFunc(newPingHandler),
		SingletonHandler: true,
		ConsumerFactories: map[string]ConsumerFactory{
			"counter": ConsumerFactoryFunc(func(ctx Context, spec streaming.ConsumerSpec) (streaming.Consumer, error) {
				fam, err := ctx.Family(storage.DefaultFamily)
				if err != nil {
					return nil, err
				}
				h := streaming.MessageHandlerFunc(func(_ context.Context, m streaming.Message) error {
					var n uint64
					if v, err := fam.Get(m.Key); err == nil {
						n = binary.BigEndian.Uint64(v)
					}
					if err := fam.Set(m.Key, binary.BigEndian.AppendUint64(nil, n+1)); err != nil {
						return err
					}
					counted <- struct{}{}
					return nil
				})
				return streaming.NewLoopConsumer(ctx.StreamBackend(), spec, h), nil
			}),
		},
		TaskProcessors: map[string]TaskProcessorFactory{
			"jobs": TaskProcessorFactoryFunc(func(Context, string) (taskqueue.Processor, error) {
				return taskqueue.ProcessorFunc(func(_ context.Context, task taskqueue.Task) error {
					processed <- string(task.Payload)
					return nil
				}), nil
			}),
		},
	}
	opts := testOptions(t)
	opts.Streaming.ProducerConfigs = `[{"topic":"events"}]`
	opts.Streaming.ConsumerConfigs = `[{"key":"counter","topic":"events"}]`

	b, err := Create(cfg, opts, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	p := b.Producer("events")
	require.NotNil(t, p)
	require.NoError(t, p.Send(context.Background(), []byte("k"), []byte("1")))
	require.NoError(t, p.Send(context.Background(), []byte("k"), []byte("2")))
	for i := 0; i < 2; i++ {
		select {
		case <-counted:
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not handle message")
		}
	}
	fam, err := b.Family(storage.DefaultFamily)
	require.NoError(t, err)
	v, err := fam.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), binary.BigEndian.Uint64(v))

	q, err := b.TaskQueue("jobs")
	require.NoError(t, err)
	_, err = q.Schedule(context.Background(), []byte("hello"), time.Now())
	require.NoError(t, err)
	select {
	case got := <-processed:
		assert.Equal(t, "hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not processed")
	}

	require.NoError(t, b.Stop())
}

func TestRunStopsWhenContextDone(t *testing.T) {
	f := newFixture()
	opts := testOptions(t)
	b, err := Create(f.cfg, opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.ServerAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Phase() == PhaseServing }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "+PONG", respPing(t, b.ServerAddr()))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, PhaseStopped, b.Phase())
	assert.Error(t, b.Start(context.Background()))
}


func TestLaunchServerAfterBindFailure(t *testing.T) {
	f := newFixture()
	opts := testOptions(t)
	opts.Health.Enabled = false
	b, err := Create(f.cfg, opts, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer func() { require.NoError(t, b.Stop()) }()

	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := busy.Addr().(*net.TCPAddr).Port
	err = b.LaunchServer(port, 0)
	require.ErrorIs(t, err, smerrors.ErrListen)
	require.NoError(t, busy.Close())
	assert.Empty(t, b.ServerAddr())
	assert.Equal(t, PhaseRunning, b.Phase())

	served := make(chan error, 1)
	go func() { served <- b.LaunchServer(0, 0) }()
	require.Eventually(t, func() bool { return b.ServerAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "+PONG", respPing(t, b.ServerAddr()))
	require.NoError(t, b.StopServer())
	require.NoError(t, <-served)
}
