package streaming

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Manager owns the producers and consumers of a process and enforces
// init-all-before-start-any.
type Manager struct {
	backend  Backend
	logger   log.Logger
	observer Observer

	producers     map[string]Producer
	producerOrder []string
	consumers     []Consumer
	initialized   bool
}

// NewManager builds a manager over backend.
func NewManager(backend Backend, observer Observer, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Manager{
		backend:   backend,
		logger:    logger.WithComponent("streaming"),
		observer:  observer,
		producers: make(map[string]Producer),
	}
}

// Backend returns the backend consumers should subscribe through.
func (m *Manager) Backend() Backend { return m.backend }

// Observer returns the metrics observer handed to consumers.
func (m *Manager) Observer() Observer { return m.observer }

// CreateProducer builds the producer of spec.Topic. A second producer for
// the same topic is rejected.
func (m *Manager) CreateProducer(ctx context.Context, spec ProducerSpec) (Producer, error) {
	if _, dup := m.producers[spec.Topic]; dup {
		return nil, smerrors.WrapInvalid(fmt.Errorf("producer for topic %q already exists", spec.Topic), "streaming", "CreateProducer", "register")
	}
	p, err := m.backend.NewProducer(ctx, spec)
	if err != nil {
		return nil, err
	}
	p = &observedProducer{Producer: p, observer: m.observer}
	m.producers[spec.Topic] = p
	m.producerOrder = append(m.producerOrder, spec.Topic)
	m.logger.Info("producer created", log.Str("topic", spec.Topic), log.Str("backend", m.backend.Name()))
	return p, nil
}

// Producer returns the producer of topic, or nil.
func (m *Manager) Producer(topic string) Producer {
	return m.producers[topic]
}

// Producers returns a copy of the topic to producer map.
func (m *Manager) Producers() map[string]Producer {
	out := make(map[string]Producer, len(m.producers))
	for k, v := range m.producers {
		out[k] = v
	}
	return out
}

// AddConsumer registers c. Duplicates by topic or class are allowed.
func (m *Manager) AddConsumer(c Consumer) {
	m.consumers = append(m.consumers, c)
	m.initialized = false
}

// Consumers returns the registered consumers.
func (m *Manager) Consumers() []Consumer {
	return append([]Consumer(nil), m.consumers...)
}

// InitAll initializes every consumer, stopping at the first failure. Only
// after every Init succeeded may StartAll run.
func (m *Manager) InitAll(ctx context.Context, reset OffsetReset) error {
	for _, c := range m.consumers {
		if err := c.Init(ctx, reset); err != nil {
			return smerrors.WrapFatal(err, "streaming", "InitAll", "init consumer "+c.Name())
		}
	}
	m.initialized = true
	m.logger.Info("consumers initialized", log.Int("count", len(m.consumers)))
	return nil
}

// StartAll starts every consumer. It refuses to start any consumer unless
// InitAll succeeded for all of them.
func (m *Manager) StartAll() error {
	if !m.initialized && len(m.consumers) > 0 {
		return smerrors.WrapFatal(smerrors.ErrNotInitialized, "streaming", "StartAll", "check init")
	}
	for _, c := range m.consumers {
		if err := c.Start(); err != nil {
			return smerrors.WrapFatal(err, "streaming", "StartAll", "start consumer "+c.Name())
		}
	}
	m.logger.Info("consumers started", log.Int("count", len(m.consumers)))
	return nil
}

// StopAll signals every consumer concurrently and returns once all
// signals are sent.
func (m *Manager) StopAll() {
	var g errgroup.Group
	for _, c := range m.consumers {
		c := c
		g.Go(func() error {
			c.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// DestroyAll destroys consumers one at a time. Every consumer is attempted;
// the failures are joined.
func (m *Manager) DestroyAll() error {
	var errs []error
	for _, c := range m.consumers {
		if err := c.Destroy(); err != nil {
			m.logger.Error("consumer destroy failed", log.Str("consumer", c.Name()), log.Err(err))
			errs = append(errs, fmt.Errorf("consumer %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// DestroyProducers destroys every producer in creation order.
func (m *Manager) DestroyProducers() error {
	var errs []error
	for _, topic := range m.producerOrder {
		if err := m.producers[topic].Destroy(); err != nil {
			m.logger.Error("producer destroy failed", log.Str("topic", topic), log.Err(err))
			errs = append(errs, fmt.Errorf("producer %s: %w", topic, err))
		}
	}
	m.logger.Info("producers destroyed", log.Int("count", len(m.producerOrder)))
	return errors.Join(errs...)
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

type observedProducer struct {
	Producer
	observer Observer
}

func (p *observedProducer) Send(ctx context.Context, key, value []byte) error {
	err := p.Producer.Send(ctx, key, value)
	p.observer.Produced(p.Topic(), len(value), err)
	return err
}
