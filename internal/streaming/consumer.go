package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

type consumerState int

const (
	stateCreated consumerState = iota
	stateInitialized
	stateRunning
	stateStopped
	stateDestroyed
)

// LoopConsumer runs a MessageHandler over a Backend subscription. It is
// the stock Consumer implementation that consumer factories return.
type LoopConsumer struct {
	spec     ConsumerSpec
	backend  Backend
	handler  MessageHandler
	observer Observer
	logger   log.Logger
	id       string

	mu     sync.Mutex
	state  consumerState
	sub    Subscription
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// LoopOption configures a LoopConsumer.
type LoopOption func(*LoopConsumer)

// WithObserver reports per-message outcomes to o.
func WithObserver(o Observer) LoopOption {
	return func(c *LoopConsumer) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the consumer's logger.
func WithLogger(l log.Logger) LoopOption {
	return func(c *LoopConsumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewLoopConsumer builds a consumer for spec. Nothing touches the backend
// until Init.
func NewLoopConsumer(backend Backend, spec ConsumerSpec, handler MessageHandler, opts ...LoopOption) *LoopConsumer {
	c := &LoopConsumer{
		spec:     spec,
		backend:  backend,
		handler:  handler,
		observer: NoopObserver{},
		logger:   log.NewNopLogger(),
		id:       uuid.NewString(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(log.Component("streaming.consumer"), log.Str("consumer", spec.Name), log.Str("topic", spec.Topic))
	return c
}

// Name implements Consumer.
func (c *LoopConsumer) Name() string { return c.spec.Name }

// Spec returns the consumer's configuration.
func (c *LoopConsumer) Spec() ConsumerSpec { return c.spec }

// Init positions the subscription. It may be called once.
func (c *LoopConsumer) Init(ctx context.Context, reset OffsetReset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return smerrors.WrapInvalid(smerrors.ErrAlreadyStarted, "LoopConsumer", "Init", c.spec.Name)
	}
	sub, err := c.backend.Subscribe(ctx, c.spec, reset)
	if err != nil {
		return smerrors.WrapFatal(err, "LoopConsumer", "Init", "subscribe "+c.spec.Name)
	}
	c.sub = sub
	c.state = stateInitialized
	c.logger.Info("consumer initialized", log.Str("reset", reset.String()), log.Str("group", c.spec.Group), log.Str("instance", c.id))
	return nil
}

// Start begins delivery on a background goroutine.
func (c *LoopConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateInitialized {
		return smerrors.WrapFatal(smerrors.ErrNotInitialized, "LoopConsumer", "Start", c.spec.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = stateRunning

	go func() {
		defer close(c.done)
		err := c.sub.Run(ctx, c.deliver)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("consumer loop exited", log.Err(err))
		}
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
	}()
	c.logger.Info("consumer started")
	return nil
}

func (c *LoopConsumer) deliver(ctx context.Context, msg Message) {
	start := time.Now()
	err := c.safeHandle(ctx, msg)
	c.observer.Consumed(c.spec.Name, msg.Topic, time.Since(start), err)
	if err != nil {
		c.logger.Warn("message handling failed", log.Err(err), log.Uint64("offset", msg.Offset))
	}
}

func (c *LoopConsumer) safeHandle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.HandleMessage(ctx, msg)
}

// Stop signals the loop to exit and returns immediately.
func (c *LoopConsumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateRunning {
		c.cancel()
		c.state = stateStopped
	}
}

// Destroy stops the loop, waits for it to drain and releases the
// subscription. Later calls are no-ops.
func (c *LoopConsumer) Destroy() error {
	c.Stop()
	c.mu.Lock()
	if c.state == stateDestroyed {
		c.mu.Unlock()
		return nil
	}
	done, sub := c.done, c.sub
	c.state = stateDestroyed
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			return smerrors.WrapTransient(err, "LoopConsumer", "Destroy", c.spec.Name)
		}
	}
	c.logger.Info("consumer destroyed")
	return nil
}
