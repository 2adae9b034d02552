package streaming

import (
	"context"
	"time"
)

// OffsetReset selects where a consumer begins when it initializes.
type OffsetReset int

const (
	// OffsetStored resumes from the group's committed position, falling
	// back to the oldest retained message.
	OffsetStored OffsetReset = iota
	// OffsetBeginning replays from the oldest retained message.
	OffsetBeginning
	// OffsetEnd skips everything already in the log.
	OffsetEnd
)

func (o OffsetReset) String() string {
	switch o {
	case OffsetStored:
		return "stored"
	case OffsetBeginning:
		return "beginning"
	case OffsetEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Message is one delivered record.
type Message struct {
	Topic       string
	Key         []byte
	Value       []byte
	Offset      uint64
	TimestampMs int64
}

// Producer publishes to one topic.
type Producer interface {
	Topic() string
	Send(ctx context.Context, key, value []byte) error
	// Destroy flushes and releases the producer.
	Destroy() error
}

// Consumer is the lifecycle every streaming consumer implements. Init may
// fail; Start begins delivering and must only follow a successful Init;
// Stop only signals; Destroy blocks until the consumer is drained.
type Consumer interface {
	Name() string
	Init(ctx context.Context, reset OffsetReset) error
	Start() error
	Stop()
	Destroy() error
}

// MessageHandler processes consumed messages. A returned error is counted
// and logged; the message is still acknowledged.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg Message) error

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Backend creates producers and subscriptions on a log system.
type Backend interface {
	Name() string
	NewProducer(ctx context.Context, spec ProducerSpec) (Producer, error)
	Subscribe(ctx context.Context, spec ConsumerSpec, reset OffsetReset) (Subscription, error)
	Close() error
}

// Subscription is a positioned, durable read of one topic for one group.
type Subscription interface {
	// Run delivers messages to fn until ctx is done. A message is
	// acknowledged once fn returns. Messages not yet handed to fn when ctx
	// is done stay unacknowledged.
	Run(ctx context.Context, fn func(context.Context, Message)) error
	Close() error
}

// Observer receives per-message outcomes for metrics.
type Observer interface {
	Produced(topic string, bytes int, err error)
	Consumed(consumer, topic string, elapsed time.Duration, err error)
}

// NoopObserver discards observations.
type NoopObserver struct{}

func (NoopObserver) Produced(string, int, error)                     {}
func (NoopObserver) Consumed(string, string, time.Duration, error) {}
