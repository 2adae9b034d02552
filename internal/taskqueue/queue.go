package taskqueue

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/id"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Task is one scheduled unit of work.
type Task struct {
	ID      id.ID
	DueAt   time.Time
	Attempt int
	Payload []byte
}

// Processor handles due tasks. A nil error completes the task; any other
// error reschedules it with backoff until attempts are exhausted. Fatal or
// invalid errors dead-letter the task at once.
type Processor interface {
	Process(ctx context.Context, task Task) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task Task) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, task Task) error { return f(ctx, task) }

// Outcome labels how a processing attempt ended.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Observer receives per-task outcomes.
type Observer interface {
	TaskProcessed(queue string, outcome Outcome, elapsed time.Duration)
}

// NoopObserver discards observations.
type NoopObserver struct{}

func (NoopObserver) TaskProcessed(string, Outcome, time.Duration) {}

// Options tunes a Queue.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// Retry shapes the delay between attempts. MaxRetries is derived from
	// MaxAttempts.
	Retry    smerrors.RetryConfig
	Observer Observer
	Logger   log.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Retry.InitialDelay <= 0 {
		o.Retry = smerrors.DefaultRetryConfig()
	}
	o.Retry.MaxRetries = o.MaxAttempts - 1
	if o.Observer == nil {
		o.Observer = NoopObserver{}
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type queueState int

const (
	queueCreated queueState = iota
	queueRunning
	queueDestroyed
)

// Queue is a durable delay queue stored in its own column family.
type Queue struct {
	name      string
	db        *pebblestore.DB
	processor Processor
	opts      Options
	ids       *id.Generator
	logger    log.Logger

	// writeMu serializes schedule mutations against the worker.
	writeMu sync.Mutex

	mu     sync.Mutex
	state  queueState
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// OpenQueue binds a queue to its family. Tasks already in the family are
// picked up once the queue starts.
func OpenQueue(db *pebblestore.DB, name string, processor Processor, opts Options) (*Queue, error) {
	if processor == nil {
		return nil, smerrors.WrapFatal(smerrors.ErrMissingFactory, "taskqueue", "OpenQueue", "processor for "+name)
	}
	opts.setDefaults()
	now := opts.Now
	return &Queue{
		name:      name,
		db:        db,
		processor: processor,
		opts:      opts,
		ids:       id.NewGeneratorWithClock(func() int64 { return now().UnixMilli() }),
		logger:    opts.Logger.With(log.Component("taskqueue"), log.Str("queue", name)),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Name returns the queue (and family) name.
func (q *Queue) Name() string { return q.name }

// Schedule stores payload to run at or after at.
func (q *Queue) Schedule(ctx context.Context, payload []byte, at time.Time) (id.ID, error) {
	tid := q.ids.Next()
	dueMs := at.UnixMilli()

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(TaskKey(dueMs, tid), encodeTask(0, payload), nil); err != nil {
		return id.Zero, err
	}
	if err := b.Set(DueKey(tid), binary.BigEndian.AppendUint64(nil, uint64(dueMs)), nil); err != nil {
		return id.Zero, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return id.Zero, smerrors.WrapTransient(err, "taskqueue", "Schedule", q.name)
	}
	q.notify()
	return tid, nil
}

// Cancel removes a pending task. It reports false when the task is not
// pending.
func (q *Queue) Cancel(ctx context.Context, tid id.ID) (bool, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	v, err := q.db.Get(DueKey(tid))
	if err == pebblestore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, smerrors.WrapTransient(err, "taskqueue", "Cancel", q.name)
	}
	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(TaskKey(int64(binary.BigEndian.Uint64(v)), tid), nil)
	_ = b.Delete(DueKey(tid), nil)
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return false, smerrors.WrapTransient(err, "taskqueue", "Cancel", q.name)
	}
	return true, nil
}

// Pending counts scheduled tasks, due or not.
func (q *Queue) Pending() (int, error) {
	return q.count(prefixTask)
}

// DeadLetters returns up to limit exhausted tasks. limit <= 0 returns all.
func (q *Queue) DeadLetters(limit int) ([]Task, error) {
	lo, hi := prefixBounds(prefixDLQ)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Task
	for ok := it.First(); ok; ok = it.Next() {
		attempt, payload, valid := decodeTask(it.Value())
		if !valid {
			continue
		}
		var tid id.ID
		copy(tid[:], it.Key()[len(prefixDLQ):])
		out = append(out, Task{ID: tid, Attempt: attempt, Payload: payload})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}

func (q *Queue) count(prefix string) (int, error) {
	lo, hi := prefixBounds(prefix)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	return n, it.Error()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker. It may be called once.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != queueCreated {
		return smerrors.WrapInvalid(smerrors.ErrAlreadyStarted, "taskqueue", "Start", q.name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.state = queueRunning
	go q.run(ctx)
	q.logger.Info("task queue started", log.Duration("poll", q.opts.PollInterval))
	return nil
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	t := time.NewTicker(q.opts.PollInterval)
	defer t.Stop()
	for {
		for {
			n, err := q.processDue(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.Error("processing due tasks failed", log.Err(err))
			}
			if n < q.opts.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-q.wake:
		}
	}
}

// processDue runs up to one batch of due tasks and returns how many it
// handled.
func (q *Queue) processDue(ctx context.Context) (int, error) {
	nowMs := q.opts.Now().UnixMilli()
	lo, _ := prefixBounds(prefixTask)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: dueBound(nowMs)})
	if err != nil {
		return 0, err
	}
	var due []Task
	var corrupt [][]byte
	for ok := it.First(); ok && len(due) < q.opts.BatchSize; ok = it.Next() {
		dueMs, tid, valid := parseTaskKey(it.Key())
		if !valid {
			q.logger.Warn("dropping malformed task key", log.Str("key", string(it.Key())))
			corrupt = append(corrupt, append([]byte(nil), it.Key()...))
			continue
		}
		attempt, payload, valid := decodeTask(it.Value())
		if !valid {
			q.logger.Warn("dropping corrupt task record", log.Str("task", tid.String()))
			corrupt = append(corrupt, append([]byte(nil), it.Key()...), DueKey(tid))
			continue
		}
		due = append(due, Task{ID: tid, DueAt: time.UnixMilli(dueMs), Attempt: attempt, Payload: payload})
	}
	iterErr := it.Error()
	_ = it.Close()
	if iterErr != nil {
		return 0, iterErr
	}
	if len(corrupt) > 0 {
		if err := q.deleteKeys(ctx, corrupt); err != nil {
			return 0, err
		}
	}

	for i, task := range due {
		if ctx.Err() != nil {
			return i, nil
		}
		if err := q.runTask(ctx, task); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

func (q *Queue) deleteKeys(ctx context.Context, keys [][]byte) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	b := q.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		_ = b.Delete(k, nil)
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return smerrors.WrapTransient(err, "taskqueue", "processDue", "delete corrupt records")
	}
	return nil
}

func (q *Queue) runTask(ctx context.Context, task Task) error {
	start := time.Now()
	perr := q.safeProcess(ctx, task)
	elapsed := time.Since(start)

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.db.Get(DueKey(task.ID)); err == pebblestore.ErrNotFound {
		// cancelled while running
		return nil
	}
	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(TaskKey(task.DueAt.UnixMilli(), task.ID), nil)

	var outcome Outcome
	switch {
	case perr == nil:
		outcome = OutcomeSucceeded
		_ = b.Delete(DueKey(task.ID), nil)
	case q.opts.Retry.ShouldRetry(perr, task.Attempt):
		outcome = OutcomeRetried
		next := q.opts.Now().Add(q.opts.Retry.BackoffDelay(task.Attempt)).UnixMilli()
		_ = b.Set(TaskKey(next, task.ID), encodeTask(task.Attempt+1, task.Payload), nil)
		_ = b.Set(DueKey(task.ID), binary.BigEndian.AppendUint64(nil, uint64(next)), nil)
	default:
		outcome = OutcomeDeadLettered
		_ = b.Delete(DueKey(task.ID), nil)
		_ = b.Set(DLQKey(task.ID), encodeTask(task.Attempt+1, task.Payload), nil)
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return smerrors.WrapTransient(err, "taskqueue", "runTask", q.name)
	}
	q.opts.Observer.TaskProcessed(q.name, outcome, elapsed)
	if perr != nil {
		q.logger.Warn("task failed", log.Str("task", task.ID.String()), log.Int("attempt", task.Attempt+1), log.Str("outcome", string(outcome)), log.Err(perr))
	}
	return nil
}

func (q *Queue) safeProcess(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = smerrors.Fatalf("taskqueue", "Process", "processor panic: %v", r)
		}
	}()
	return q.processor.Process(ctx, task)
}

// Destroy stops the worker and waits for the in-flight batch. Later calls
// are no-ops. Pending tasks stay in the family.
func (q *Queue) Destroy() error {
	q.mu.Lock()
	if q.state == queueDestroyed {
		q.mu.Unlock()
		return nil
	}
	cancel, done := q.cancel, q.done
	q.state = queueDestroyed
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	q.logger.Info("task queue destroyed")
	return nil
}
