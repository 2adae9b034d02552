package bootstrap

import (
	"github.com/eric-buaa-cn/smyte-db/internal/protocol"
	"github.com/eric-buaa-cn/smyte-db/internal/storage"
	"github.com/eric-buaa-cn/smyte-db/internal/streaming"
	"github.com/eric-buaa-cn/smyte-db/internal/taskqueue"
)

// HandlerFactory builds protocol handlers.
type HandlerFactory interface {
	NewHandler(ctx Context) protocol.Handler
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func(ctx Context) protocol.Handler

// NewHandler implements HandlerFactory.
func (f HandlerFactoryFunc) NewHandler(ctx Context) protocol.Handler { return f(ctx) }

// ConsumerFactory builds the consumer described by spec.
type ConsumerFactory interface {
	NewConsumer(ctx Context, spec streaming.ConsumerSpec) (streaming.Consumer, error)
}

// ConsumerFactoryFunc adapts a function to ConsumerFactory.
type ConsumerFactoryFunc func(ctx Context, spec streaming.ConsumerSpec) (streaming.Consumer, error)

// NewConsumer implements ConsumerFactory.
func (f ConsumerFactoryFunc) NewConsumer(ctx Context, spec streaming.ConsumerSpec) (streaming.Consumer, error) {
	return f(ctx, spec)
}

// StorageManagerFactory builds the optional storage manager. The replication
// role is ctx.Options().Server.Role.
type StorageManagerFactory interface {
	NewStorageManager(ctx Context) (storage.StorageManager, error)
}

// StorageManagerFactoryFunc adapts a function to StorageManagerFactory.
type StorageManagerFactoryFunc func(ctx Context) (storage.StorageManager, error)

// NewStorageManager implements StorageManagerFactory.
func (f StorageManagerFactoryFunc) NewStorageManager(ctx Context) (storage.StorageManager, error) {
	return f(ctx)
}

// TaskProcessorFactory builds the processor of the named task queue.
type TaskProcessorFactory interface {
	NewTaskProcessor(ctx Context, queue string) (taskqueue.Processor, error)
}

// TaskProcessorFactoryFunc adapts a function to TaskProcessorFactory.
type TaskProcessorFactoryFunc func(ctx Context, queue string) (taskqueue.Processor, error)

// NewTaskProcessor implements TaskProcessorFactory.
func (f TaskProcessorFactoryFunc) NewTaskProcessor(ctx Context, queue string) (taskqueue.Processor, error) {
	return f(ctx, queue)
}

// Config is the set of factories a process registers. It is read once by
// Create.
type Config struct {
	// HandlerFactory is required.
	HandlerFactory HandlerFactory
	// ConsumerFactories is keyed by the consumer spec key.
	ConsumerFactories map[string]ConsumerFactory
	StorageManager    StorageManagerFactory
	// TaskProcessors is keyed by queue name. Each queue gets a column
	// family of the same name.
	TaskProcessors      map[string]TaskProcessorFactory
	FamilyConfigurators map[string]storage.FamilyConfigurator
	EngineConfigurator  storage.EngineConfigurator
	// SingletonHandler shares one handler across every connection.
	SingletonHandler bool
	PhaseListener    PhaseListener
}
