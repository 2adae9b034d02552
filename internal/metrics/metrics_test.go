package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
	"github.com/eric-buaa-cn/smyte-db/internal/streaming"
	"github.com/eric-buaa-cn/smyte-db/internal/taskqueue"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

var (
	_ pebblestore.MetricsHook = (*Pipeline)(nil)
	_ streaming.Observer      = (*Pipeline)(nil)
	_ taskqueue.Observer      = (*Pipeline)(nil)
)

func TestPipelineCounters(t *testing.T) {
	r := NewRegistry()
	p := r.Pipeline

	p.Produced("events", 10, nil)
	p.Produced("events", 10, errors.New("broker down"))
	p.Consumed("counter", "events", time.Millisecond, nil)
	p.Consumed("counter", "events", time.Millisecond, errors.New("bad"))
	p.TaskProcessed("jobs", taskqueue.OutcomeRetried, time.Millisecond)
	p.ObserveWrite("default", time.Microsecond, 42)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.produced.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.produceErrors.WithLabelValues("events")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.consumed.WithLabelValues("counter", "events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.consumeErrors.WithLabelValues("counter", "events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.tasks.WithLabelValues("jobs", "retried")))
	assert.Equal(t, 42.0, testutil.ToFloat64(p.storageBytes.WithLabelValues("default", "write")))
}

func TestConnectionsAndPhase(t *testing.T) {
	p := NewRegistry().Pipeline
	p.ConnectionOpened()
	p.ConnectionOpened()
	p.ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connTotal))

	p.SetPhase("starting")
	p.SetPhase("running")
	assert.Equal(t, 0.0, testutil.ToFloat64(p.phase.WithLabelValues("starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.phase.WithLabelValues("running")))

	p.SetVersionTimestamp(1_700_000_000_000)
	assert.Equal(t, 1.7e12, testutil.ToFloat64(p.versionTS))
	p.SetOneOffApproved(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.oneOff))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "app_events_total", Help: "events"})
	require.NoError(t, r.Register("app.events", c))

	err := r.Register("app.events", c)
	assert.True(t, smerrors.IsInvalid(err))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "app_events_total", Help: "events"})
	err = r.Register("app.events2", other)
	assert.True(t, smerrors.IsInvalid(err))

	assert.True(t, r.Unregister("app.events"))
	assert.False(t, r.Unregister("app.events"))
}

func TestHandlerExposesPipeline(t *testing.T) {
	r := NewRegistry()
	r.Pipeline.Produced("events", 1, nil)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `smyte_stream_produced_total{topic="events"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
