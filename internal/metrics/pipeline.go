package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eric-buaa-cn/smyte-db/internal/taskqueue"
)

const namespace = "smyte"

// Pipeline holds the collectors every deployment exports. It satisfies the
// observer hooks of the storage, streaming and task queue packages.
type Pipeline struct {
	storageOps     *prometheus.HistogramVec
	storageBytes   *prometheus.CounterVec
	familyDisk     *prometheus.GaugeVec
	produced       *prometheus.CounterVec
	produceErrors  *prometheus.CounterVec
	consumed       *prometheus.CounterVec
	consumeErrors  *prometheus.CounterVec
	consumeLatency *prometheus.HistogramVec
	tasks          *prometheus.CounterVec
	taskLatency    *prometheus.HistogramVec
	connections    prometheus.Gauge
	connTotal      prometheus.Counter
	phase          *prometheus.GaugeVec
	versionTS      prometheus.Gauge
	oneOff         prometheus.Gauge

	mu        sync.Mutex
	lastPhase string
}

func newPipeline(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		storageOps: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "op_duration_seconds",
			Help:    "Storage operation latency by column family and operation.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"family", "op"}),
		storageBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "bytes_total",
			Help: "Bytes moved by storage operations by column family and operation.",
		}, []string{"family", "op"}),
		familyDisk: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "family_disk_bytes",
			Help: "On-disk size of each column family.",
		}, []string{"family"}),
		produced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "produced_total",
			Help: "Messages produced by topic.",
		}, []string{"topic"}),
		produceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "produce_errors_total",
			Help: "Failed produce calls by topic.",
		}, []string{"topic"}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "consumed_total",
			Help: "Messages handled by consumer and topic.",
		}, []string{"consumer", "topic"}),
		consumeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "consume_errors_total",
			Help: "Messages whose handler failed, by consumer and topic.",
		}, []string{"consumer", "topic"}),
		consumeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stream", Name: "handle_duration_seconds",
			Help:    "Message handler latency by consumer.",
			Buckets: prometheus.DefBuckets,
		}, []string{"consumer"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "processed_total",
			Help: "Task processing attempts by queue and outcome.",
		}, []string{"queue", "outcome"}),
		taskLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "process_duration_seconds",
			Help:    "Task processor latency by queue.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "connections",
			Help: "Open client connections.",
		}),
		connTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "connections_total",
			Help: "Client connections accepted since start.",
		}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "lifecycle_phase",
			Help: "1 for the current lifecycle phase, 0 otherwise.",
		}, []string{"phase"}),
		versionTS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "version_timestamp_ms",
			Help: "Persisted version timestamp of the storage engine.",
		}),
		oneOff: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "one_off_approved",
			Help: "1 when one-off creation flags were approved at startup.",
		}),
	}
}

// ObserveWrite implements pebblestore.MetricsHook.
func (p *Pipeline) ObserveWrite(family string, elapsed time.Duration, bytes int) {
	p.observeStorage(family, "write", elapsed, bytes)
}

// ObserveRead implements pebblestore.MetricsHook.
func (p *Pipeline) ObserveRead(family string, elapsed time.Duration, bytes int) {
	p.observeStorage(family, "read", elapsed, bytes)
}

// ObserveBatchCommit implements pebblestore.MetricsHook.
func (p *Pipeline) ObserveBatchCommit(family string, elapsed time.Duration, bytes int) {
	p.observeStorage(family, "commit", elapsed, bytes)
}

func (p *Pipeline) observeStorage(family, op string, elapsed time.Duration, bytes int) {
	p.storageOps.WithLabelValues(family, op).Observe(elapsed.Seconds())
	p.storageBytes.WithLabelValues(family, op).Add(float64(bytes))
}

// SetFamilyDiskUsage records the on-disk size of a family.
func (p *Pipeline) SetFamilyDiskUsage(family string, bytes uint64) {
	p.familyDisk.WithLabelValues(family).Set(float64(bytes))
}

// Produced implements streaming.Observer.
func (p *Pipeline) Produced(topic string, _ int, err error) {
	if err != nil {
		p.produceErrors.WithLabelValues(topic).Inc()
		return
	}
	p.produced.WithLabelValues(topic).Inc()
}

// Consumed implements streaming.Observer.
func (p *Pipeline) Consumed(consumer, topic string, elapsed time.Duration, err error) {
	p.consumed.WithLabelValues(consumer, topic).Inc()
	p.consumeLatency.WithLabelValues(consumer).Observe(elapsed.Seconds())
	if err != nil {
		p.consumeErrors.WithLabelValues(consumer, topic).Inc()
	}
}

// TaskProcessed implements taskqueue.Observer.
func (p *Pipeline) TaskProcessed(queue string, outcome taskqueue.Outcome, elapsed time.Duration) {
	p.tasks.WithLabelValues(queue, string(outcome)).Inc()
	p.taskLatency.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// ConnectionOpened counts an accepted client connection.
func (p *Pipeline) ConnectionOpened() {
	p.connections.Inc()
	p.connTotal.Inc()
}

// ConnectionClosed releases a counted connection.
func (p *Pipeline) ConnectionClosed() {
	p.connections.Dec()
}

// SetPhase marks phase as current and clears the previous one.
func (p *Pipeline) SetPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPhase != "" {
		p.phase.WithLabelValues(p.lastPhase).Set(0)
	}
	p.phase.WithLabelValues(phase).Set(1)
	p.lastPhase = phase
}

// SetVersionTimestamp records the engine's persisted version timestamp.
func (p *Pipeline) SetVersionTimestamp(ms int64) {
	p.versionTS.Set(float64(ms))
}

// SetOneOffApproved records the startup gate decision.
func (p *Pipeline) SetOneOffApproved(approved bool) {
	if approved {
		p.oneOff.Set(1)
		return
	}
	p.oneOff.Set(0)
}
