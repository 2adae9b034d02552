package protocol

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/redcon"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// ConnObserver is told about accepted and closed connections.
type ConnObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopConnObserver struct{}

func (nopConnObserver) ConnectionOpened() {}
func (nopConnObserver) ConnectionClosed() {}

type connState struct {
	id      string
	remote  string
	opened  time.Time
	handler Handler
}

// ConnInfo describes a live connection.
type ConnInfo struct {
	ID     string
	Remote string
	Opened time.Time
}

// Server is the RESP listener. Launch blocks; Stop may come from any
// goroutine.
type Server struct {
	builder  *Builder
	observer ConnObserver
	logger   log.Logger
	conns    *xsync.MapOf[string, *connState]

	mu      sync.Mutex
	srv     *redcon.Server
	addr    net.Addr
	stopped bool
	ready   chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer builds a listener that takes handlers from builder.
func NewServer(builder *Builder, observer ConnObserver, logger log.Logger) *Server {
	if observer == nil {
		observer = nopConnObserver{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		builder:  builder,
		observer: observer,
		logger:   logger.WithComponent("server"),
		conns:    xsync.NewMapOf[string, *connState](),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Launch binds addr and serves until Stop. A zero idle timeout keeps
// idle connections open.
func (s *Server) Launch(addr string, idleTimeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return smerrors.WrapInvalid(smerrors.ErrAlreadyStopped, "server", "Launch", addr)
	}
	if s.srv != nil {
		s.mu.Unlock()
		return smerrors.WrapInvalid(smerrors.ErrAlreadyStarted, "server", "Launch", addr)
	}
	srv := redcon.NewServerNetwork("tcp", addr, s.serve, s.accept, s.closed)
	if idleTimeout > 0 {
		srv.SetIdleClose(idleTimeout)
	}
	s.srv = srv
	s.mu.Unlock()
	defer s.finish()

	signal := make(chan error, 1)
	go func() {
		if err := <-signal; err == nil {
			s.mu.Lock()
			s.addr = srv.Addr()
			stopped := s.stopped
			s.mu.Unlock()
			close(s.ready)
			if stopped {
				// Stop raced the bind.
				_ = srv.Close()
				return
			}
			s.logger.Info("server listening", log.Str("addr", srv.Addr().String()), log.Bool("singleton_handler", s.builder.Singleton()))
		}
	}()
	if err := srv.ListenServeAndSignal(signal); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "listen" {
			return smerrors.WrapFatal(errors.Join(smerrors.ErrListen, err), "server", "Launch", "bind "+addr)
		}
		return smerrors.WrapTransient(err, "server", "Launch", "serve "+addr)
	}
	return nil
}

// LaunchPort binds every interface on port.
func (s *Server) LaunchPort(port int, idleTimeout time.Duration) error {
	return s.Launch(fmt.Sprintf(":%d", port), idleTimeout)
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Done is closed once Launch has returned, or by a Stop that came before
// any Launch.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) finish() { s.doneOnce.Do(func() { close(s.done) }) }

// Addr returns the bound address, or "" before the listener is up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Stop closes the listener and every connection. Later calls do nothing.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	already := s.stopped
	bound := s.addr != nil
	s.stopped = true
	s.mu.Unlock()
	if srv == nil {
		s.finish()
	}
	if already || srv == nil || !bound {
		return nil
	}
	if err := srv.Close(); err != nil {
		return smerrors.WrapTransient(err, "server", "Stop", "close listener")
	}
	s.logger.Info("server stopped")
	return nil
}

// Connections lists the live connections.
func (s *Server) Connections() []ConnInfo {
	var out []ConnInfo
	s.conns.Range(func(_ string, c *connState) bool {
		out = append(out, ConnInfo{ID: c.id, Remote: c.remote, Opened: c.opened})
		return true
	})
	return out
}

func (s *Server) accept(conn redcon.Conn) bool {
	st := &connState{
		id:      uuid.NewString(),
		remote:  conn.RemoteAddr(),
		opened:  time.Now(),
		handler: s.builder.NewHandler(),
	}
	conn.SetContext(st)
	s.conns.Store(st.id, st)
	s.observer.ConnectionOpened()
	s.logger.Debug("connection opened", log.Str("conn", st.id), log.Str("remote", st.remote))
	return true
}

func (s *Server) serve(conn redcon.Conn, cmd redcon.Command) {
	st, ok := conn.Context().(*connState)
	if !ok {
		conn.WriteError("ERR connection not initialized")
		return
	}
	st.handler.ServeRESP(conn, cmd)
}

func (s *Server) closed(conn redcon.Conn, err error) {
	st, ok := conn.Context().(*connState)
	if !ok {
		return
	}
	s.conns.Delete(st.id)
	s.observer.ConnectionClosed()
	st.handler.ConnectionClosed(err)
	s.logger.Debug("connection closed", log.Str("conn", st.id), log.Err(err))
}
