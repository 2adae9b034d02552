package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// KeyHeader carries the message key on broker messages.
const KeyHeader = "Smyte-Key"

const defaultAckTimeout = 5 * time.Second

// NATSBackend publishes and consumes through NATS JetStream. Each topic
// maps to one stream whose only subject is the topic.
type NATSBackend struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger log.Logger
}

// NewNATSBackend connects to the brokers.
func NewNATSBackend(brokers []string, clientName string, logger log.Logger) (*NATSBackend, error) {
	if len(brokers) == 0 {
		return nil, smerrors.WrapFatal(smerrors.ErrMissingConfig, "streaming", "NewNATSBackend", "broker list")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.WithComponent("streaming.nats")

	conn, err := nats.Connect(strings.Join(brokers, ","),
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("broker disconnected", log.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("broker reconnected", log.Str("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("broker error", log.Err(err))
		}),
	)
	if err != nil {
		return nil, smerrors.WrapFatal(err, "streaming", "NewNATSBackend", "connect")
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, smerrors.WrapFatal(err, "streaming", "NewNATSBackend", "jetstream")
	}
	logger.Info("connected to brokers", log.Str("url", conn.ConnectedUrl()))
	return &NATSBackend{conn: conn, js: js, logger: logger}, nil
}

// Name implements Backend.
func (b *NATSBackend) Name() string { return "nats" }

// StreamName derives a JetStream stream name from a topic. Stream names
// may not contain '.', '*', '>' or whitespace.
func StreamName(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	return "SMYTE_" + strings.ToUpper(r.Replace(topic))
}

func streamFor(topic, override string) string {
	if override != "" {
		return override
	}
	return StreamName(topic)
}

func (b *NATSBackend) ensureStream(ctx context.Context, name, topic string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{topic},
		Storage:  jetstream.FileStorage,
	})
	return err
}

// NewProducer implements Backend.
func (b *NATSBackend) NewProducer(ctx context.Context, spec ProducerSpec) (Producer, error) {
	stream := streamFor(spec.Topic, spec.Stream)
	if err := b.ensureStream(ctx, stream, spec.Topic); err != nil {
		return nil, smerrors.WrapFatal(err, "streaming", "NewProducer", "ensure stream "+stream)
	}
	timeout := time.Duration(spec.AckTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	return &natsProducer{js: b.js, topic: spec.Topic, ackTimeout: timeout}, nil
}

// Subscribe implements Backend. The durable consumer is created here so a
// missing stream or bad configuration fails Init.
func (b *NATSBackend) Subscribe(ctx context.Context, spec ConsumerSpec, reset OffsetReset) (Subscription, error) {
	stream := streamFor(spec.Topic, spec.Stream)
	if err := b.ensureStream(ctx, stream, spec.Topic); err != nil {
		return nil, smerrors.WrapFatal(err, "streaming", "Subscribe", "ensure stream "+stream)
	}
	cfg := jetstream.ConsumerConfig{
		Durable:       spec.Group,
		FilterSubject: spec.Topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliverPolicy(reset),
	}
	logger := b.logger.With(log.Str("group", spec.Group), log.Str("stream", stream))

	if reset == OffsetStored {
		// An existing durable resumes from its ack floor.
		cons, err := b.js.Consumer(ctx, stream, spec.Group)
		if err == nil {
			return &natsSubscription{consumer: cons, topic: spec.Topic, logger: logger}, nil
		}
		if !errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, smerrors.WrapFatal(err, "streaming", "Subscribe", "load consumer "+spec.Group)
		}
	} else {
		// A new position requires a fresh durable.
		if err := b.js.DeleteConsumer(ctx, stream, spec.Group); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, smerrors.WrapFatal(err, "streaming", "Subscribe", "reset consumer "+spec.Group)
		}
	}
	cons, err := b.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, smerrors.WrapFatal(err, "streaming", "Subscribe", fmt.Sprintf("create consumer %s on %s", spec.Group, stream))
	}
	return &natsSubscription{consumer: cons, topic: spec.Topic, logger: logger}, nil
}

func deliverPolicy(reset OffsetReset) jetstream.DeliverPolicy {
	if reset == OffsetEnd {
		return jetstream.DeliverNewPolicy
	}
	return jetstream.DeliverAllPolicy
}

// Close drains the connection.
func (b *NATSBackend) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

type natsProducer struct {
	js         jetstream.JetStream
	topic      string
	ackTimeout time.Duration
}

func (p *natsProducer) Topic() string { return p.topic }

func (p *natsProducer) Send(ctx context.Context, key, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.ackTimeout)
	defer cancel()
	if _, err := p.js.PublishMsg(ctx, newKeyedMsg(p.topic, key, value)); err != nil {
		return smerrors.WrapTransient(err, "streaming", "Send", "publish "+p.topic)
	}
	return nil
}

func (p *natsProducer) Destroy() error { return nil }

func newKeyedMsg(topic string, key, value []byte) *nats.Msg {
	msg := nats.NewMsg(topic)
	msg.Data = value
	if len(key) > 0 {
		msg.Header.Set(KeyHeader, string(key))
	}
	return msg
}

type natsSubscription struct {
	consumer jetstream.Consumer
	topic    string
	logger   log.Logger
}

func (s *natsSubscription) Run(ctx context.Context, fn func(context.Context, Message)) error {
	cc, err := s.consumer.Consume(func(m jetstream.Msg) {
		if ctx.Err() != nil {
			// Shutting down: leave the message for the next run.
			if err := m.Nak(); err != nil {
				s.logger.Debug("nak failed", log.Err(err))
			}
			return
		}
		msg := Message{Topic: s.topic, Key: []byte(m.Headers().Get(KeyHeader)), Value: m.Data()}
		if md, err := m.Metadata(); err == nil {
			msg.Offset = md.Sequence.Stream
			msg.TimestampMs = md.Timestamp.UnixMilli()
		}
		fn(ctx, msg)
		if err := m.Ack(); err != nil {
			s.logger.Warn("ack failed", log.Err(err), log.Uint64("offset", msg.Offset))
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.logger.Warn("consume error", log.Err(err))
	}))
	if err != nil {
		return err
	}
	<-ctx.Done()
	cc.Stop()
	<-cc.Closed()
	return nil
}

func (s *natsSubscription) Close() error { return nil }
