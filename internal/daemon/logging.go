package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Console stream names forwarded in stdout_chunk frames.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// RequestContext is the per-unit logging context. Console output and
// context-aware slog records produced while a unit runs land in its buffer
// instead of the daemon logs, and console lines are forwarded live.
type RequestContext struct {
	ID  string
	ctx context.Context

	mu      sync.Mutex
	buf     bytes.Buffer
	logger  *slog.Logger
	forward func(stream string, data []byte)
}

func newRequestContext(ctx context.Context, id string, forward func(stream string, data []byte)) *RequestContext {
	rc := &RequestContext{ID: id, forward: forward}
	rc.logger = slog.New(slog.NewTextHandler(lockedWriter{mu: &rc.mu, w: &rc.buf}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rc.ctx = WithRequest(ctx, rc)
	return rc
}

// Context returns the context the unit runs under.
func (rc *RequestContext) Context() context.Context { return rc.ctx }

func (rc *RequestContext) console(stream string, level slog.Level, line string) {
	rc.mu.Lock()
	fmt.Fprintf(&rc.buf, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), level, line)
	rc.mu.Unlock()
	if rc.forward != nil {
		rc.forward(stream, []byte(line+"\n"))
	}
}

// Output returns everything logged for the unit so far.
func (rc *RequestContext) Output() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.buf.String()
}

// flush appends the unit's buffered log to w as one block.
func (rc *RequestContext) flush(w io.Writer) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.buf.Len() == 0 {
		return
	}
	var block bytes.Buffer
	fmt.Fprintf(&block, "--- request %s ---\n", rc.ID)
	block.Write(rc.buf.Bytes())
	w.Write(block.Bytes())
	rc.buf.Reset()
}

type requestKey struct{}

func WithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestKey{}, rc)
}

func RequestFrom(ctx context.Context) *RequestContext {
	if ctx == nil {
		return nil
	}
	rc, _ := ctx.Value(requestKey{}).(*RequestContext)
	return rc
}

// routingHandler sends records logged with a request context to that
// request's buffer and everything else to the daemon handler. WithAttrs
// and WithGroup calls are replayed onto the request handler in order.
type routingHandler struct {
	base slog.Handler
	ops  []func(slog.Handler) slog.Handler
}

func newRoutingHandler(base slog.Handler) *routingHandler {
	return &routingHandler{base: base}
}

func (h *routingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if RequestFrom(ctx) != nil {
		return true
	}
	return h.base.Enabled(ctx, level)
}

func (h *routingHandler) Handle(ctx context.Context, r slog.Record) error {
	rc := RequestFrom(ctx)
	if rc == nil {
		return h.base.Handle(ctx, r)
	}
	target := rc.logger.Handler()
	for _, op := range h.ops {
		target = op(target)
	}
	return target.Handle(ctx, r)
}

func (h *routingHandler) with(base slog.Handler, op func(slog.Handler) slog.Handler) *routingHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &routingHandler{base: base, ops: append(ops, op)}
}

func (h *routingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(h.base.WithAttrs(attrs), func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

func (h *routingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(h.base.WithGroup(name), func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}

// splitHandler writes warnings and errors to err and the rest to out.
type splitHandler struct {
	out, err slog.Handler
}

func (h splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.out.Enabled(ctx, level) || h.err.Enabled(ctx, level)
}

func (h splitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.err.Handle(ctx, r)
	}
	return h.out.Handle(ctx, r)
}

func (h splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return splitHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

func (h splitHandler) WithGroup(name string) slog.Handler {
	return splitHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name)}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// formatConsole renders console arguments the way a terminal would.
func formatConsole(args []string) string {
	return strings.Join(args, " ")
}
