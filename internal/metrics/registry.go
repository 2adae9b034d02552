package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

// Registry owns the process metric registry. Application components may
// add their own collectors through Register.
type Registry struct {
	reg      *prometheus.Registry
	Pipeline *Pipeline

	mu         sync.Mutex
	registered map[string]prometheus.Collector
}

// NewRegistry builds a registry with the Go runtime, process and pipeline
// collectors installed.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:        reg,
		Pipeline:   newPipeline(reg),
		registered: make(map[string]prometheus.Collector),
	}
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Register adds c under name. Registering the same name twice, or a
// collector that conflicts with an existing one, is an invalid request.
func (r *Registry) Register(name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.registered[name]; exists {
		return smerrors.WrapInvalid(fmt.Errorf("metric %s already registered", name), "Registry", "Register", "duplicate registration")
	}
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return smerrors.WrapInvalid(err, "Registry", "Register", "prometheus conflict for "+name)
		}
		return smerrors.WrapFatal(err, "Registry", "Register", "register "+name)
	}
	r.registered[name] = c
	return nil
}

// Unregister removes the collector registered under name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.registered[name]
	if !ok {
		return false
	}
	delete(r.registered, name)
	return r.reg.Unregister(c)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
