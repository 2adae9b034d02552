package streaming

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/eric-buaa-cn/smyte-db/internal/eventlog"
	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// StreamFamily is the column family holding embedded topic logs.
const StreamFamily = "smyte-streams"

const (
	embeddedReadBatch = 128
	embeddedIdleWait  = 200 * time.Millisecond
	trimEvery         = 256
)

// EmbeddedBackend keeps topics in a local Pebble family. It serves single
// process deployments and tests.
type EmbeddedBackend struct {
	db     *pebblestore.DB
	logs   *xsync.MapOf[string, *eventlog.Log]
	logger log.Logger
}

// NewEmbeddedBackend serves topics from db.
func NewEmbeddedBackend(db *pebblestore.DB, logger log.Logger) *EmbeddedBackend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &EmbeddedBackend{
		db:     db,
		logs:   xsync.NewMapOf[string, *eventlog.Log](),
		logger: logger.WithComponent("streaming.embedded"),
	}
}

// Name implements Backend.
func (b *EmbeddedBackend) Name() string { return "embedded" }

// Log returns the shared log of topic, opening it on first use.
func (b *EmbeddedBackend) Log(topic string) (*eventlog.Log, error) {
	var openErr error
	l, _ := b.logs.Compute(topic, func(old *eventlog.Log, loaded bool) (*eventlog.Log, bool) {
		if loaded {
			return old, false
		}
		nl, err := eventlog.OpenLog(b.db, topic)
		if err != nil {
			openErr = err
			return nil, true
		}
		return nl, false
	})
	if openErr != nil {
		return nil, smerrors.WrapFatal(openErr, "streaming", "EmbeddedBackend", "open log "+topic)
	}
	return l, nil
}

// NewProducer implements Backend.
func (b *EmbeddedBackend) NewProducer(_ context.Context, spec ProducerSpec) (Producer, error) {
	l, err := b.Log(spec.Topic)
	if err != nil {
		return nil, err
	}
	return &embeddedProducer{log: l, maxBytes: spec.MaxBytes, logger: b.logger.With(log.Str("topic", spec.Topic))}, nil
}

// Subscribe implements Backend. The start position is resolved now so a
// bad position fails Init rather than Start.
func (b *EmbeddedBackend) Subscribe(_ context.Context, spec ConsumerSpec, reset OffsetReset) (Subscription, error) {
	l, err := b.Log(spec.Topic)
	if err != nil {
		return nil, err
	}
	var next uint64
	switch reset {
	case OffsetEnd:
		next = l.LastSeq() + 1
	case OffsetBeginning:
		next, err = l.FirstSeq()
	default:
		var ok bool
		next, ok, err = l.GetCursor(spec.Group)
		if err == nil && !ok {
			next, err = l.FirstSeq()
		}
	}
	if err != nil {
		return nil, smerrors.WrapFatal(err, "streaming", "Subscribe", fmt.Sprintf("position %s/%s", spec.Topic, spec.Group))
	}
	batch := spec.BatchSize
	if batch <= 0 {
		batch = embeddedReadBatch
	}
	return &embeddedSubscription{log: l, group: spec.Group, next: next, batch: batch}, nil
}

// Close implements Backend. The family itself belongs to the storage engine.
func (b *EmbeddedBackend) Close() error {
	b.logs.Clear()
	return nil
}

type embeddedProducer struct {
	log      *eventlog.Log
	maxBytes int64
	sends    atomic.Uint64
	logger   log.Logger
}

func (p *embeddedProducer) Topic() string { return p.log.Topic() }

func (p *embeddedProducer) Send(ctx context.Context, key, value []byte) error {
	if _, err := p.log.Append(ctx, []eventlog.AppendRecord{{Key: key, Value: value}}); err != nil {
		return smerrors.WrapTransient(err, "streaming", "Send", "append "+p.log.Topic())
	}
	if p.maxBytes > 0 && p.sends.Add(1)%trimEvery == 0 {
		if n, err := p.log.TrimToMaxBytes(ctx, p.maxBytes, 0); err != nil {
			p.logger.Warn("retention trim failed", log.Err(err))
		} else if n > 0 {
			p.logger.Debug("retention trimmed", log.Int("entries", n))
		}
	}
	return nil
}

func (p *embeddedProducer) Destroy() error { return nil }

type embeddedSubscription struct {
	log   *eventlog.Log
	group string
	next  uint64
	batch int
}

func (s *embeddedSubscription) Run(ctx context.Context, fn func(context.Context, Message)) error {
	for ctx.Err() == nil {
		items, next, err := s.log.Read(s.next, s.batch)
		if err != nil {
			return err
		}
		// The cursor only moves past messages handed to fn with a live
		// context; the rest are redelivered after a restart.
		delivered := next
		for _, it := range items {
			if ctx.Err() != nil {
				delivered = it.Seq
				break
			}
			fn(ctx, Message{
				Topic:       s.log.Topic(),
				Key:         it.Key,
				Value:       it.Value,
				Offset:      it.Seq,
				TimestampMs: it.TimestampMs,
			})
		}
		if delivered != s.next {
			s.next = delivered
			if err := s.log.CommitCursor(s.group, delivered); err != nil {
				return err
			}
		}
		if len(items) == 0 {
			s.log.WaitForAppend(ctx, embeddedIdleWait)
		}
	}
	return nil
}

func (s *embeddedSubscription) Close() error { return nil }
