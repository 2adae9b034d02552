package taskqueue

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Manager owns every named queue of the process.
type Manager struct {
	logger log.Logger
	queues map[string]*Queue
}

// NewManager returns an empty manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{logger: logger.WithComponent("taskqueue"), queues: make(map[string]*Queue)}
}

// Add registers q under its name.
func (m *Manager) Add(q *Queue) error {
	if _, dup := m.queues[q.Name()]; dup {
		return smerrors.WrapInvalid(fmt.Errorf("task queue %q already exists", q.Name()), "taskqueue", "Add", "register")
	}
	m.queues[q.Name()] = q
	return nil
}

// Queue returns the queue named name, or ErrTaskQueueNotFound.
func (m *Manager) Queue(name string) (*Queue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, smerrors.WrapFatal(smerrors.ErrTaskQueueNotFound, "taskqueue", "Queue", name)
	}
	return q, nil
}

// Queues returns a copy of the name to queue map.
func (m *Manager) Queues() map[string]*Queue {
	out := make(map[string]*Queue, len(m.queues))
	for k, v := range m.queues {
		out[k] = v
	}
	return out
}

// Names returns the queue names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every queue in name order.
func (m *Manager) StartAll() error {
	for _, n := range m.Names() {
		if err := m.queues[n].Start(); err != nil {
			return smerrors.WrapFatal(err, "taskqueue", "StartAll", "start "+n)
		}
	}
	if len(m.queues) > 0 {
		m.logger.Info("task queues started", log.Int("count", len(m.queues)))
	}
	return nil
}

// DestroyAll destroys every queue concurrently and joins the failures.
func (m *Manager) DestroyAll() error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for name, q := range m.queues {
		name, q := name, q
		g.Go(func() error {
			if err := q.Destroy(); err != nil {
				m.logger.Error("task queue destroy failed", log.Str("queue", name), log.Err(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("task queue %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
