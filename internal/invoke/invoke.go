// Package invoke runs one request or task on a pooled worker: it acquires
// the worker, sends the unit, waits for the outcome and hands back an
// http.Response whose body may still be streaming in.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/p-arndt/sandpipe/internal/pool"
	"github.com/p-arndt/sandpipe/internal/router"
	"github.com/p-arndt/sandpipe/protocol"
)

// WorkerPool is the part of *pool.Pool the invoker needs.
type WorkerPool interface {
	Acquire(ctx context.Context, key pool.Key, cfg pool.ExecConfig) (*pool.Worker, error)
	Teardown(w *pool.Worker, reason string)
}

// Target names the worker a unit runs on and how to start it.
type Target struct {
	Key    pool.Key
	Config pool.ExecConfig
}

type Options struct {
	// MaxAttempts bounds how often a unit is retried on a fresh worker
	// when the acquired one died before the unit was sent.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
	return o
}

type Invoker struct {
	pool   WorkerPool
	opts   Options
	logger *slog.Logger
}

func New(p WorkerPool, opts Options, logger *slog.Logger) *Invoker {
	return &Invoker{pool: p, opts: opts.withDefaults(), logger: logger}
}

type callOptions struct {
	id       string
	internal bool
	stdout   router.StdoutFunc
}

// Option adjusts a single call.
type Option func(*callOptions)

// WithInternal marks the unit as platform originated; the daemon skips
// authentication for it.
func WithInternal() Option {
	return func(o *callOptions) { o.internal = true }
}

// WithStdout forwards the handler's console output while the unit runs.
// fn runs on the worker's router goroutine and must not block.
func WithStdout(fn router.StdoutFunc) Option {
	return func(o *callOptions) { o.stdout = fn }
}

// WithRequestID fixes the unit id instead of generating one.
func WithRequestID(id string) Option {
	return func(o *callOptions) { o.id = id }
}

func buildOptions(opts []Option) callOptions {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return o
}

// RunRequest sends r to the target worker and returns the handler's
// response. A streaming body is read from the returned response as the
// chunks arrive; the worker counts the unit as in flight until that body
// is fully read or closed.
//
// Handler failures come back as *protocol.Error. Cancelling ctx before
// the response arrives returns ctx.Err() and leaves the worker running.
func (inv *Invoker) RunRequest(ctx context.Context, t Target, r *http.Request, opts ...Option) (*http.Response, error) {
	o := buildOptions(opts)

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	url := r.RequestURI
	if url == "" {
		url = r.URL.RequestURI()
	}
	req := &protocol.Request{
		ID:       o.id,
		Kind:     protocol.KindRequest,
		Internal: o.internal,
		HTTP: &protocol.SerializedRequest{
			Method: r.Method,
			URL:    url,
			Header: r.Header.Clone(),
			Body:   body,
		},
	}

	c, err := inv.send(ctx, t, req, o)
	if err != nil {
		return nil, err
	}
	resp, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Response == nil {
		c.release()
		return nil, protocol.NewError(protocol.CodeTransport, "response frame without payload", nil)
	}

	sr := resp.Response
	header := sr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	status := sr.Status
	if status == 0 {
		status = http.StatusOK
	}
	out := &http.Response{
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Request:    r,
	}

	if !sr.Streaming {
		c.release()
		out.Body = io.NopCloser(bytes.NewReader(sr.Body))
		out.ContentLength = int64(len(sr.Body))
		return out, nil
	}

	stream, err := c.w.Router().OpenStream(o.id)
	if err != nil {
		c.release()
		if errors.Is(err, router.ErrStreamRegistered) {
			return nil, protocol.NewError(protocol.CodeTransport, "open stream", err)
		}
		inv.pool.Teardown(c.w, "router failed")
		return nil, protocol.AsError(err, protocol.CodeTransport)
	}
	if orig := header.Get(protocol.OriginalContentTypeHeader); orig != "" {
		header.Set("Content-Type", orig)
		header.Del(protocol.OriginalContentTypeHeader)
	}
	out.ContentLength = -1
	out.Body = &streamBody{Stream: stream, release: c.release}
	go func() {
		<-stream.Done()
		c.release()
	}()
	return out, nil
}

// RunTask sends a background task and waits until the handler finished it.
func (inv *Invoker) RunTask(ctx context.Context, t Target, task protocol.Task, opts ...Option) error {
	o := buildOptions(opts)
	req := &protocol.Request{
		ID:       o.id,
		Kind:     protocol.KindTask,
		Internal: o.internal,
		Task:     &task,
	}
	c, err := inv.send(ctx, t, req, o)
	if err != nil {
		return err
	}
	_, err = c.wait(ctx)
	if err != nil {
		return err
	}
	c.release()
	return nil
}

// call is one unit that has been handed to a worker.
type call struct {
	inv     *Invoker
	w       *pool.Worker
	pending *router.Pending
	id      string
	release func()
}

// send acquires a worker and writes req to it. A worker that disappears
// between acquisition and sending is replaced up to MaxAttempts times.
func (inv *Invoker) send(ctx context.Context, t Target, req *protocol.Request, o callOptions) (*call, error) {
	var lastErr error
	for attempt := 1; attempt <= inv.opts.MaxAttempts; attempt++ {
		w, err := inv.pool.Acquire(ctx, t.Key, t.Config)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		done, err := w.Begin()
		if err != nil {
			lastErr = err
			continue
		}
		pending, err := w.Router().Expect(req.ID)
		if err != nil {
			done()
			if errors.Is(err, router.ErrDuplicateID) {
				return nil, protocol.NewError(protocol.CodeDispatch, "duplicate request id", err)
			}
			lastErr = err
			inv.pool.Teardown(w, "router failed")
			continue
		}

		c := &call{inv: inv, w: w, pending: pending, id: req.ID}
		var once sync.Once
		c.release = func() {
			once.Do(func() {
				w.Router().RemoveStdout(req.ID)
				done()
			})
		}

		if o.stdout != nil {
			if err := w.Router().OnStdout(req.ID, o.stdout); err != nil {
				pending.Cancel()
				c.release()
				lastErr = err
				continue
			}
		}

		if err := w.Writer().Send(ctx, req); err != nil {
			pending.Cancel()
			c.release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			inv.logger.Warn("send unit failed, tearing worker down", "worker", t.Key.String(), "request_id", req.ID, "error", err)
			inv.pool.Teardown(w, "request pipe broken")
			return nil, protocol.NewError(protocol.CodeTransport, "send request", err)
		}
		return c, nil
	}
	if errors.Is(lastErr, pool.ErrWorkerGone) || lastErr == nil {
		return nil, protocol.NewError(protocol.CodeTransport, "worker unavailable", lastErr)
	}
	return nil, protocol.AsError(lastErr, protocol.CodeTransport)
}

// wait blocks for the unit's response. On failure the unit is released.
// When ctx ends first the unit keeps counting as active until the worker
// answers or dies, so an idle sweep cannot kill it mid-unit.
func (c *call) wait(ctx context.Context) (*protocol.Response, error) {
	c.pending.OnAbandon(c.release)
	resp, err := c.pending.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.release()
		c.inv.pool.Teardown(c.w, "response pipe failed")
		return nil, protocol.AsError(err, protocol.CodeTransport)
	}
	if !resp.Success {
		c.release()
		if resp.Error == nil {
			return nil, protocol.NewError(protocol.CodeUnknown, "unit failed without error", nil)
		}
		return nil, resp.Error
	}
	return resp, nil
}

// streamBody releases the worker slot once the reader is done with it.
type streamBody struct {
	*router.Stream
	release func()
}

func (b *streamBody) Close() error {
	err := b.Stream.Close()
	b.release()
	return err
}
