package reference

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/redcon"

	"github.com/eric-buaa-cn/smyte-db/internal/bootstrap"
	"github.com/eric-buaa-cn/smyte-db/internal/protocol"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Handler serves a small Redis subset on top of Store.
type Handler struct {
	protocol.Mux
	ctx    bootstrap.Context
	store  *Store
	logger log.Logger
	conns  atomic.Int64
}

func newHandler(ctx bootstrap.Context, store *Store) *Handler {
	h := &Handler{ctx: ctx, store: store, logger: ctx.Logger().WithComponent("handler")}
	h.Handle("get", h.get)
	h.Handle("set", h.set)
	h.Handle("del", h.del)
	h.Handle("incr", h.incr)
	h.Handle("incrby", h.incrBy)
	h.Handle("expire", h.expire)
	h.Handle("publish", h.publish)
	h.Handle("info", h.info)
	return h
}

// ConnectionOpened implements protocol.Handler.
func (h *Handler) ConnectionOpened() { h.conns.Add(1) }

// ConnectionClosed implements protocol.Handler.
func (h *Handler) ConnectionClosed(error) { h.conns.Add(-1) }

// Connections returns the open connections using this handler.
func (h *Handler) Connections() int64 { return h.conns.Load() }

func (h *Handler) fail(conn redcon.Conn, cmd string, err error) {
	h.logger.Warn("command failed", log.Str("cmd", cmd), log.Err(err))
	conn.WriteError("ERR " + err.Error())
}

func (h *Handler) get(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 2 {
		protocol.WrongArity(conn, cmd)
		return
	}
	v, ok, err := h.store.Get(cmd.Args[1])
	switch {
	case err != nil:
		h.fail(conn, "get", err)
	case !ok:
		conn.WriteNull()
	default:
		conn.WriteBulk(v)
	}
}

func (h *Handler) set(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 3 {
		protocol.WrongArity(conn, cmd)
		return
	}
	if err := h.store.Set(cmd.Args[1], cmd.Args[2]); err != nil {
		h.fail(conn, "set", err)
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) del(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) < 2 {
		protocol.WrongArity(conn, cmd)
		return
	}
	var n int
	for _, k := range cmd.Args[1:] {
		ok, err := h.store.Del(k)
		if err != nil {
			h.fail(conn, "del", err)
			return
		}
		if ok {
			n++
		}
	}
	conn.WriteInt(n)
}

func (h *Handler) incr(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 2 {
		protocol.WrongArity(conn, cmd)
		return
	}
	h.incrDelta(conn, cmd.Args[1], 1)
}

func (h *Handler) incrBy(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 3 {
		protocol.WrongArity(conn, cmd)
		return
	}
	delta, err := strconv.ParseInt(string(cmd.Args[2]), 10, 64)
	if err != nil {
		conn.WriteError("ERR " + ErrNotInteger.Error())
		return
	}
	h.incrDelta(conn, cmd.Args[1], delta)
}

func (h *Handler) incrDelta(conn redcon.Conn, key []byte, delta int64) {
	n, err := h.store.Incr(key, delta)
	if err == ErrNotInteger {
		conn.WriteError("ERR " + err.Error())
		return
	}
	if err != nil {
		h.fail(conn, "incr", err)
		return
	}
	conn.WriteInt64(n)
}

// expire schedules the key's deletion on the expirations queue.
func (h *Handler) expire(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 3 {
		protocol.WrongArity(conn, cmd)
		return
	}
	secs, err := strconv.ParseInt(string(cmd.Args[2]), 10, 64)
	if err != nil {
		conn.WriteError("ERR " + ErrNotInteger.Error())
		return
	}
	_, ok, err := h.store.Get(cmd.Args[1])
	if err != nil {
		h.fail(conn, "expire", err)
		return
	}
	if !ok {
		conn.WriteInt(0)
		return
	}
	q, err := h.ctx.TaskQueue(ExpirationQueue)
	if err != nil {
		h.fail(conn, "expire", err)
		return
	}
	at := time.Now().Add(time.Duration(secs) * time.Second)
	if _, err := q.Schedule(context.Background(), cmd.Args[1], at); err != nil {
		h.fail(conn, "expire", err)
		return
	}
	conn.WriteInt(1)
}

// publish sends key/value to the topic's producer: PUBLISH topic key value.
func (h *Handler) publish(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) != 4 {
		protocol.WrongArity(conn, cmd)
		return
	}
	topic := string(cmd.Args[1])
	p := h.ctx.Producer(topic)
	if p == nil {
		conn.WriteError("ERR no producer for topic '" + topic + "'")
		return
	}
	if err := p.Send(context.Background(), cmd.Args[2], cmd.Args[3]); err != nil {
		h.fail(conn, "publish", err)
		return
	}
	conn.WriteInt(1)
}

func (h *Handler) info(conn redcon.Conn, _ redcon.Command) {
	var sb strings.Builder
	sb.WriteString("# Storage\r\n")
	sb.WriteString("families:" + strconv.Itoa(len(h.ctx.ColumnFamilies())) + "\r\n")
	sb.WriteString("groups:" + strconv.Itoa(len(h.ctx.ColumnFamilyGroups())) + "\r\n")
	sb.WriteString("version_timestamp_ms:" + strconv.FormatInt(h.ctx.Engine().VersionTimestamp(), 10) + "\r\n")
	sb.WriteString("one_off_approved:" + strconv.FormatBool(h.ctx.OneOffApproved()) + "\r\n")
	sb.WriteString("stream_backend:" + h.ctx.StreamBackend().Name() + "\r\n")
	conn.WriteBulkString(sb.String())
}
