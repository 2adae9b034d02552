package reference

import (
	"context"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/eric-buaa-cn/smyte-db/internal/bootstrap"
	"github.com/eric-buaa-cn/smyte-db/internal/protocol"
	"github.com/eric-buaa-cn/smyte-db/internal/streaming"
	"github.com/eric-buaa-cn/smyte-db/internal/taskqueue"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

const (
	// CounterConsumer is the consumer key of the counting consumer.
	CounterConsumer = "counter"
	// ExpirationQueue holds scheduled key deletions.
	ExpirationQueue = "expirations"
	// CounterPrefix prefixes the keys the counting consumer maintains.
	CounterPrefix = "count:"
)

// App is the reference service: a RESP key/value handler, a consumer
// counting messages per key and a queue applying EXPIRE.
type App struct {
	once  sync.Once
	store *Store
	err   error
}

// New returns an unbuilt App. Its store is created on first use, after
// storage is provisioned.
func New() *App { return &App{} }

func (a *App) storeFor(ctx bootstrap.Context) (*Store, error) {
	a.once.Do(func() { a.store, a.err = NewStore(ctx.Engine()) })
	return a.store, a.err
}

// Config registers the App's factories. The handler is shared by every
// connection.
func (a *App) Config() bootstrap.Config {
	return bootstrap.Config{
		HandlerFactory: bootstrap.HandlerFactoryFunc(func(ctx bootstrap.Context) protocol.Handler {
			store, err := a.storeFor(ctx)
			if err != nil {
				ctx.Logger().Error("handler has no store", log.Err(err))
				return unavailable{}
			}
			return newHandler(ctx, store)
		}),
		SingletonHandler: true,
		ConsumerFactories: map[string]bootstrap.ConsumerFactory{
			CounterConsumer: bootstrap.ConsumerFactoryFunc(a.newCounter),
		},
		TaskProcessors: map[string]bootstrap.TaskProcessorFactory{
			ExpirationQueue: bootstrap.TaskProcessorFactoryFunc(a.newExpirer),
		},
	}
}

// counterOptions is the free-form options block of a counter consumer.
type counterOptions struct {
	Prefix string `json:"prefix"`
}

func (a *App) newCounter(ctx bootstrap.Context, spec streaming.ConsumerSpec) (streaming.Consumer, error) {
	store, err := a.storeFor(ctx)
	if err != nil {
		return nil, err
	}
	opts := counterOptions{Prefix: CounterPrefix}
	if err := spec.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	h := streaming.MessageHandlerFunc(func(_ context.Context, m streaming.Message) error {
		_, err := store.Incr(append([]byte(opts.Prefix), m.Key...), 1)
		return err
	})
	return streaming.NewLoopConsumer(ctx.StreamBackend(), spec, h,
		streaming.WithObserver(ctx.MetricsRegistry().Pipeline),
		streaming.WithLogger(ctx.Logger())), nil
}

func (a *App) newExpirer(ctx bootstrap.Context, queue string) (taskqueue.Processor, error) {
	store, err := a.storeFor(ctx)
	if err != nil {
		return nil, err
	}
	logger := ctx.Logger().With(log.Component("expirer"), log.Str("queue", queue))
	return taskqueue.ProcessorFunc(func(_ context.Context, task taskqueue.Task) error {
		existed, err := store.Del(task.Payload)
		if err != nil {
			return err
		}
		logger.Debug("key expired", log.Str("key", string(task.Payload)), log.Bool("existed", existed))
		return nil
	}), nil
}

// unavailable answers every command with an error.
type unavailable struct{ protocol.NopLifecycle }

func (unavailable) ServeRESP(conn redcon.Conn, _ redcon.Command) {
	conn.WriteError("ERR storage unavailable")
}
