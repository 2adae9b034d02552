package protocol

import (
	"strings"
	"sync/atomic"

	"github.com/tidwall/redcon"
)

// Handler serves the commands of one or more RESP connections.
type Handler interface {
	// ConnectionOpened runs before the connection's first command.
	ConnectionOpened()
	ServeRESP(conn redcon.Conn, cmd redcon.Command)
	// ConnectionClosed runs once the connection is gone. err is nil on a
	// clean close.
	ConnectionClosed(err error)
}

// NewHandlerFunc constructs a handler.
type NewHandlerFunc func() Handler

// Builder hands out handlers for new connections. A singleton builder
// builds its handler once, at construction, and shares it.
type Builder struct {
	newFn     NewHandlerFunc
	singleton Handler
	built     atomic.Int64
}

// NewBuilder wraps newFn. With singleton set, newFn runs exactly once,
// here.
func NewBuilder(newFn NewHandlerFunc, singleton bool) *Builder {
	b := &Builder{newFn: newFn}
	if singleton {
		b.singleton = newFn()
		b.built.Add(1)
	}
	return b
}

// Singleton reports whether every connection shares one handler.
func (b *Builder) Singleton() bool { return b.singleton != nil }

// Built returns how many handlers have been constructed.
func (b *Builder) Built() int64 { return b.built.Load() }

// NewHandler returns the handler for a new connection after calling its
// ConnectionOpened.
func (b *Builder) NewHandler() Handler {
	h := b.singleton
	if h == nil {
		h = b.newFn()
		b.built.Add(1)
	}
	h.ConnectionOpened()
	return h
}

// CommandFunc serves one command.
type CommandFunc func(conn redcon.Conn, cmd redcon.Command)

// Mux dispatches commands by case-insensitive name. It is meant to be
// embedded in handlers.
type Mux struct {
	routes map[string]CommandFunc
}

// Handle registers fn for the command name.
func (m *Mux) Handle(name string, fn CommandFunc) {
	if m.routes == nil {
		m.routes = make(map[string]CommandFunc)
	}
	m.routes[strings.ToLower(name)] = fn
}

// ServeRESP implements the command half of Handler.
func (m *Mux) ServeRESP(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	name := strings.ToLower(string(cmd.Args[0]))
	if fn, ok := m.routes[name]; ok {
		fn(conn, cmd)
		return
	}
	switch name {
	case "ping":
		if len(cmd.Args) > 1 {
			conn.WriteBulk(cmd.Args[1])
			return
		}
		conn.WriteString("PONG")
	case "quit":
		conn.WriteString("OK")
		_ = conn.Close()
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
	}
}

// WrongArity writes the standard arity error for cmd.
func WrongArity(conn redcon.Conn, cmd redcon.Command) {
	conn.WriteError("ERR wrong number of arguments for '" + strings.ToLower(string(cmd.Args[0])) + "' command")
}

// NopLifecycle gives handlers empty connection callbacks.
type NopLifecycle struct{}

// ConnectionOpened implements Handler.
func (NopLifecycle) ConnectionOpened() {}

// ConnectionClosed implements Handler.
func (NopLifecycle) ConnectionClosed(error) {}
