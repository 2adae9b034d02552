package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eric-buaa-cn/smyte-db/internal/metrics"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "smyte-db"

// Checker reports whether a dependency is usable.
type Checker interface {
	CheckHealth() error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func() error

// CheckHealth implements Checker.
func (f CheckerFunc) CheckHealth() error { return f() }

// Options configures an Endpoint.
type Options struct {
	// HTTPAddr is the listen address of the HTTP endpoint, e.g. ":9050".
	HTTPAddr string
	// GRPCAddr enables the gRPC health service when non-empty.
	GRPCAddr string
	// Storage is checked by /healthz.
	Storage Checker
	// ServerAddr returns the RESP listener address, or "" while no server
	// is launched. /healthz dials it when set.
	ServerAddr func() string
	Registry   *metrics.Registry
	Logger     log.Logger
	// DialTimeout bounds the RESP port dial.
	DialTimeout time.Duration
}

// Endpoint serves liveness, readiness and metrics over HTTP and,
// optionally, the standard gRPC health protocol.
type Endpoint struct {
	opts   Options
	logger log.Logger
	ready  atomic.Bool

	srv      *http.Server
	httpLis  net.Listener
	grpcSrv  *grpc.Server
	grpcHS   *grpchealth.Server
	grpcLis  net.Listener
	errCh    chan error
	started  bool
	mu       sync.Mutex
	stopOnce sync.Once
}

// New builds an endpoint. Nothing listens until Start.
func New(opts Options) *Endpoint {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Second
	}
	e := &Endpoint{opts: opts, logger: opts.Logger.WithComponent("health"), errCh: make(chan error, 2)}
	e.srv = &http.Server{Handler: e.Router(), ReadHeaderTimeout: 5 * time.Second}
	return e
}

// Start binds the listeners and serves in the background.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return smerrors.WrapInvalid(smerrors.ErrAlreadyStarted, "health", "Start", "endpoint")
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", e.opts.HTTPAddr)
	if err != nil {
		return smerrors.WrapFatal(errors.Join(smerrors.ErrListen, err), "health", "Start", "listen http "+e.opts.HTTPAddr)
	}
	e.httpLis = l
	go func() {
		if err := e.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("health http server stopped", log.Err(err))
			e.errCh <- err
		}
	}()

	if e.opts.GRPCAddr != "" {
		gl, err := lc.Listen(ctx, "tcp", e.opts.GRPCAddr)
		if err != nil {
			_ = e.srv.Close()
			return smerrors.WrapFatal(errors.Join(smerrors.ErrListen, err), "health", "Start", "listen grpc "+e.opts.GRPCAddr)
		}
		e.grpcLis = gl
		e.grpcSrv = grpc.NewServer()
		e.grpcHS = grpchealth.NewServer()
		healthpb.RegisterHealthServer(e.grpcSrv, e.grpcHS)
		e.grpcHS.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		e.grpcHS.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		go func() {
			if err := e.grpcSrv.Serve(gl); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				e.logger.Error("health grpc server stopped", log.Err(err))
				e.errCh <- err
			}
		}()
	}
	e.started = true
	e.ready.Store(true)
	e.logger.Info("health endpoint started", log.Str("http", l.Addr().String()), log.Str("grpc", e.GRPCAddr()))
	return nil
}

// Errors reports servers that exited on their own.
func (e *Endpoint) Errors() <-chan error { return e.errCh }

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (e *Endpoint) HTTPAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.httpLis == nil {
		return ""
	}
	return e.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (e *Endpoint) GRPCAddr() string {
	if e.grpcLis == nil {
		return ""
	}
	return e.grpcLis.Addr().String()
}

// Ready reports whether the endpoint currently advertises readiness.
func (e *Endpoint) Ready() bool { return e.ready.Load() }

// Destroy marks the process not ready and shuts both servers down. Later
// calls are no-ops.
func (e *Endpoint) Destroy(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.ready.Store(false)
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if !started {
			return
		}
		if e.grpcHS != nil {
			e.grpcHS.Shutdown()
		}
		if e.grpcSrv != nil {
			e.grpcSrv.GracefulStop()
		}
		if serr := e.srv.Shutdown(ctx); serr != nil {
			err = smerrors.WrapTransient(serr, "health", "Destroy", "shutdown http")
			_ = e.srv.Close()
		}
		e.logger.Info("health endpoint stopped")
	})
	return err
}
