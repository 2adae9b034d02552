package taskqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/id"
)

type fakeClock struct{ ms atomic.Int64 }

func newFakeClock(ms int64) *fakeClock {
	c := &fakeClock{}
	c.ms.Store(ms)
	return c
}

func (c *fakeClock) Now() time.Time          { return time.UnixMilli(c.ms.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func openFamily(t *testing.T, name string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		Name:            name,
		DataDir:         filepath.Join(t.TempDir(), name),
		CreateIfMissing: true,
		Fsync:           pebblestore.FsyncModeNever,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) Process(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(task.Payload))
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func TestDueTasksRunInDueOrder(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(1_000_000)
	rec := &recorder{}
	q, err := OpenQueue(openFamily(t, "jobs"), "jobs", rec, Options{Now: clock.Now})
	require.NoError(t, err)

	_, err = q.Schedule(ctx, []byte("later"), clock.Now().Add(2*time.Second))
	require.NoError(t, err)
	_, err = q.Schedule(ctx, []byte("sooner"), clock.Now().Add(time.Second))
	require.NoError(t, err)
	_, err = q.Schedule(ctx, []byte("future"), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	n, err := q.processDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Second)
	n, err = q.processDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"sooner", "later"}, rec.seen())

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(1_000_000)
	rec := &recorder{}
	q, err := OpenQueue(openFamily(t, "jobs"), "jobs", rec, Options{Now: clock.Now})
	require.NoError(t, err)

	tid, err := q.Schedule(ctx, []byte("x"), clock.Now())
	require.NoError(t, err)
	ok, err := q.Cancel(ctx, tid)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Cancel(ctx, tid)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.processDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.seen())
}

type outcomeCounter struct {
	mu  sync.Mutex
	out map[Outcome]int
}

func (o *outcomeCounter) TaskProcessed(_ string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.out == nil {
		o.out = map[Outcome]int{}
	}
	o.out[outcome]++
}

func TestRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(1_000_000)
	var attempts []int
	proc := ProcessorFunc(func(_ context.Context, task Task) error {
		attempts = append(attempts, task.Attempt)
		return errors.New("downstream unavailable")
	})
	obs := &outcomeCounter{}
	q, err := OpenQueue(openFamily(t, "jobs"), "jobs", proc, Options{
		Now:         clock.Now,
		MaxAttempts: 3,
		Retry:       smerrors.RetryConfig{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
		Observer:    obs,
	})
	require.NoError(t, err)

	tid, err := q.Schedule(ctx, []byte("p"), clock.Now())
	require.NoError(t, err)

	_, err = q.processDue(ctx)
	require.NoError(t, err)
	n, _ := q.processDue(ctx)
	assert.Zero(t, n, "retry must wait for backoff")

	clock.Advance(time.Second)
	_, err = q.processDue(ctx)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, err = q.processDue(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, attempts)
	pending, _ := q.Pending()
	assert.Zero(t, pending)

	dead, err := q.DeadLetters(0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, tid, dead[0].ID)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Equal(t, []byte("p"), dead[0].Payload)
	assert.Equal(t, 2, obs.out[OutcomeRetried])
	assert.Equal(t, 1, obs.out[OutcomeDeadLettered])
}

func TestFatalErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(1_000_000)
	proc := ProcessorFunc(func(context.Context, Task) error { panic("bad payload") })
	q, err := OpenQueue(openFamily(t, "jobs"), "jobs", proc, Options{Now: clock.Now})
	require.NoError(t, err)
	_, err = q.Schedule(ctx, []byte("p"), clock.Now())
	require.NoError(t, err)

	_, err = q.processDue(ctx)
	require.NoError(t, err)
	dead, err := q.DeadLetters(0)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestWorkerRunsScheduledTasks(t *testing.T) {
	rec := &recorder{}
	q, err := OpenQueue(openFamily(t, "jobs"), "jobs", rec, Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, q.Start())
	require.Error(t, q.Start())

	_, err = q.Schedule(context.Background(), []byte("now"), time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Destroy())
	require.NoError(t, q.Destroy())
}

func TestTasksSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "jobs")
	open := func() *pebblestore.DB {
		db, err := pebblestore.Open(pebblestore.Options{Name: "jobs", DataDir: dir, CreateIfMissing: true})
		require.NoError(t, err)
		return db
	}
	db := open()
	q, err := OpenQueue(db, "jobs", &recorder{}, Options{})
	require.NoError(t, err)
	_, err = q.Schedule(ctx, []byte("x"), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = open()
	t.Cleanup(func() { _ = db.Close() })
	q, err = OpenQueue(db, "jobs", &recorder{}, Options{})
	require.NoError(t, err)
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestOpenQueueRequiresProcessor(t *testing.T) {
	_, err := OpenQueue(openFamily(t, "jobs"), "jobs", nil, Options{})
	require.ErrorIs(t, err, smerrors.ErrMissingFactory)
}

func TestManager(t *testing.T) {
	m := NewManager(nil)
	for _, name := range []string{"b", "a"} {
		q, err := OpenQueue(openFamily(t, name), name, &recorder{}, Options{})
		require.NoError(t, err)
		require.NoError(t, m.Add(q))
	}
	dup, _ := OpenQueue(openFamily(t, "a2"), "a", &recorder{}, Options{})
	assert.True(t, smerrors.IsInvalid(m.Add(dup)))

	assert.Equal(t, []string{"a", "b"}, m.Names())
	_, err := m.Queue("missing")
	require.ErrorIs(t, err, smerrors.ErrTaskQueueNotFound)

	require.NoError(t, m.StartAll())
	require.NoError(t, m.DestroyAll())
}

func TestKeyRoundTrip(t *testing.T) {
	tid := id.NewGenerator().Next()
	due, got, ok := parseTaskKey(TaskKey(12345, tid))
	require.True(t, ok)
	assert.Equal(t, int64(12345), due)
	assert.Equal(t, tid, got)

	_, _, ok = parseTaskKey(DueKey(tid))
	assert.False(t, ok)

	rec := encodeTask(2, []byte("payload"))
	attempt, payload, ok := decodeTask(rec)
	require.True(t, ok)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, []byte("payload"), payload)
	rec[5] ^= 0xFF
	_, _, ok = decodeTask(rec)
	assert.False(t, ok)
}

func TestCorruptRecordIsRemoved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(1_000_000)
	db := openFamily(t, "jobs")
	rec := &recorder{}
	q, err := OpenQueue(db, "jobs", rec, Options{Now: clock.Now})
	require.NoError(t, err)

	good, err := q.Schedule(ctx, []byte("ok"), clock.Now())
	require.NoError(t, err)
	bad := good
	bad[id.Size-1] ^= 0xff
	require.NoError(t, db.Set(TaskKey(clock.Now().UnixMilli(), bad), []byte{0xde, 0xad}))
	require.NoError(t, db.Set(DueKey(bad), []byte{0, 0, 0, 0, 0, 0, 0, 1}))

	n, err := q.processDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ok"}, rec.seen())

	_, err = db.Get(TaskKey(clock.Now().UnixMilli(), bad))
	assert.ErrorIs(t, err, pebblestore.ErrNotFound)
	_, err = db.Get(DueKey(bad))
	assert.ErrorIs(t, err, pebblestore.ErrNotFound)
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Zero(t, pending)

	// A second pass finds nothing left to drop.
	n, err = q.processDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
