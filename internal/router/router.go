// Package router demultiplexes the frames read from one worker's response
// pipe: responses go to the caller waiting on their id, stream chunks are
// reassembled in index order, and console output is forwarded live.
package router

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p-arndt/sandpipe/protocol"
)

// Source yields decoded frames. *pipe.Reader satisfies it.
type Source interface {
	Next(ctx context.Context) (protocol.Message, error)
}

// StdoutFunc receives console output for one request. It runs on the
// router goroutine and must neither block nor call back into the Router.
type StdoutFunc func(stream string, data []byte)

var (
	ErrDuplicateID      = errors.New("request id already pending")
	ErrStreamRegistered = errors.New("stream already registered")
)

const (
	// maxOrphanIDs bounds how many request ids may hold frames that
	// arrived before anyone registered for them. The oldest is evicted.
	maxOrphanIDs = 256
	// maxRetired bounds the set of finished ids whose late console output
	// is dropped instead of buffered.
	maxRetired = 1024
)

// Router owns all per-request delivery state for one pooled worker.
type Router struct {
	src    Source
	logger *slog.Logger

	mu           sync.Mutex
	waiters      map[string]*Pending
	streams      map[string]*streamState
	orphanChunks map[string][]*protocol.StreamChunk
	orphanEnds   map[string]*protocol.StreamEnd
	discarding   map[string]*discard
	stdout       map[string]StdoutFunc
	orphanStdout map[string][]*protocol.StdoutChunk
	orphans      *idQueue
	retired      *idQueue
	err          error
	dropped      int
}

// New creates a router over src. Call Run to start reading.
func New(src Source, logger *slog.Logger) *Router {
	return &Router{
		src:          src,
		logger:       logger,
		waiters:      make(map[string]*Pending),
		streams:      make(map[string]*streamState),
		orphanChunks: make(map[string][]*protocol.StreamChunk),
		orphanEnds:   make(map[string]*protocol.StreamEnd),
		discarding:   make(map[string]*discard),
		stdout:       make(map[string]StdoutFunc),
		orphanStdout: make(map[string][]*protocol.StdoutChunk),
		orphans:      newIDQueue(),
		retired:      newIDQueue(),
	}
}

// Run reads frames until the source fails, a shutdown frame arrives, or
// ctx is cancelled. Every outcome leaves the router in its terminal state.
func (r *Router) Run(ctx context.Context) error {
	for {
		if err := r.Err(); err != nil {
			return err
		}

		msg, err := r.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.Abort(protocol.NewError(protocol.CodeShutdown, "router stopped", ctx.Err()))
				return ctx.Err()
			}
			perr := protocol.NewError(protocol.CodeTransport, "response pipe failed", err)
			r.Abort(perr)
			return perr
		}

		if stop := r.dispatch(msg); stop {
			return nil
		}
	}
}

func (r *Router) dispatch(msg protocol.Message) (stop bool) {
	switch m := msg.(type) {
	case *protocol.Response:
		r.deliverResponse(m)
	case *protocol.StreamChunk:
		r.handleChunk(m)
	case *protocol.StreamEnd:
		r.handleEnd(m)
	case *protocol.StdoutChunk:
		r.handleStdout(m)
	case *protocol.Shutdown:
		reason := m.Reason
		if reason == "" {
			reason = "worker shut down"
		}
		r.Abort(protocol.NewError(protocol.CodeShutdown, reason, nil))
		return true
	case *protocol.Request:
		r.logger.Warn("router: unexpected request frame on response pipe", "request_id", m.ID)
	default:
		r.logger.Warn("router: unhandled frame", "type", fmt.Sprintf("%T", msg))
	}
	return false
}

// Err returns the terminal error, or nil while the router is live.
func (r *Router) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Dropped counts responses that arrived with nobody waiting for them.
func (r *Router) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Abort moves the router to its terminal state: every pending waiter is
// rejected with err, every open stream fails with err, and all state is
// discarded. Later calls are no-ops.
func (r *Router) Abort(err error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return
	}
	r.err = err
	waiters := r.waiters
	streams := r.streams
	r.waiters = make(map[string]*Pending)
	r.streams = make(map[string]*streamState)
	clear(r.orphanChunks)
	clear(r.orphanEnds)
	clear(r.discarding)
	clear(r.stdout)
	clear(r.orphanStdout)
	r.orphans = newIDQueue()
	r.retired = newIDQueue()
	r.mu.Unlock()

	for _, p := range waiters {
		if p.detached {
			p.onAbandon()
			continue
		}
		p.resolve(nil, err)
	}
	for _, st := range streams {
		st.stream.finish(err)
	}
}

// Pending is a registered interest in one response.
type Pending struct {
	id string
	r  *Router
	ch chan result

	// Guarded by r.mu.
	onAbandon func()
	detached  bool
}

type result struct {
	resp *protocol.Response
	err  error
}

// Expect registers a waiter for id. Register before sending the request so
// a fast response cannot slip past.
func (r *Router) Expect(id string) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if _, dup := r.waiters[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	p := &Pending{id: id, r: r, ch: make(chan result, 1)}
	r.waiters[id] = p
	r.retired.remove(id)
	return p, nil
}

// WaitForResponse registers a waiter for id and blocks until it resolves.
func (r *Router) WaitForResponse(ctx context.Context, id string) (*protocol.Response, error) {
	p, err := r.Expect(id)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Wait blocks until the response arrives, the router fails, or ctx ends.
// On ctx expiry the waiter is removed and a late response is dropped,
// unless OnAbandon was set.
func (p *Pending) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case res := <-p.ch:
		return res.resp, res.err
	case <-ctx.Done():
		p.r.mu.Lock()
		abandon := p.onAbandon != nil
		p.r.mu.Unlock()
		if abandon {
			p.detach()
		} else {
			p.Cancel()
		}
		return nil, ctx.Err()
	}
}

// OnAbandon arranges for fn to run once the unit is over on the worker
// side even though Wait gave up on it: the waiter stays registered after
// a ctx expiry, and fn runs when the late response arrives (which is then
// dropped) or the router fails. Call it before Wait.
func (p *Pending) OnAbandon(fn func()) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.onAbandon = fn
}

func (p *Pending) detach() {
	r := p.r
	r.mu.Lock()
	if r.waiters[p.id] == p {
		p.detached = true
		r.mu.Unlock()
		return
	}
	// Resolved while Wait was giving up; treat the result as dropped.
	// deliverResponse resolves under r.mu, so the result is already here.
	var resp *protocol.Response
	select {
	case res := <-p.ch:
		resp = res.resp
	default:
	}
	if resp != nil {
		r.dropLocked(resp)
	}
	r.mu.Unlock()
	p.onAbandon()
}

// Cancel withdraws the waiter if it is still registered.
func (p *Pending) Cancel() {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	if p.r.waiters[p.id] == p {
		delete(p.r.waiters, p.id)
	}
}

func (p *Pending) resolve(resp *protocol.Response, err error) {
	select {
	case p.ch <- result{resp: resp, err: err}:
	default:
	}
}

func isStreaming(resp *protocol.Response) bool {
	return resp.Success && resp.Response != nil && resp.Response.Streaming
}

func (r *Router) deliverResponse(resp *protocol.Response) {
	r.mu.Lock()
	p, ok := r.waiters[resp.ID]
	if ok {
		delete(r.waiters, resp.ID)
	}
	if !ok || p.detached {
		r.dropLocked(resp)
		r.mu.Unlock()
		r.logger.Warn("router: response without waiter, dropping", "request_id", resp.ID)
		if ok {
			p.onAbandon()
		}
		return
	}
	if !isStreaming(resp) {
		r.clearLocked(resp.ID)
	}
	p.resolve(resp, nil)
	r.mu.Unlock()
}

// dropLocked discards a response nobody will consume, together with
// everything already buffered for it. The body frames of a dropped
// streaming response are discarded as they arrive. Caller holds r.mu.
func (r *Router) dropLocked(resp *protocol.Response) {
	r.dropped++
	if _, open := r.streams[resp.ID]; open {
		return
	}
	if !isStreaming(resp) {
		r.clearLocked(resp.ID)
		return
	}
	d := newDiscard(-1, 0)
	if end, ok := r.orphanEnds[resp.ID]; ok {
		d.total = end.TotalChunks
	}
	for _, c := range r.orphanChunks[resp.ID] {
		d.see(c.ChunkIndex)
	}
	r.clearLocked(resp.ID)
	r.discardLocked(resp.ID, d)
}

// OnStdout registers fn for console output of request id and replays any
// output that arrived before registration.
func (r *Router) OnStdout(id string, fn StdoutFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.stdout[id] = fn
	r.retired.remove(id)
	for _, c := range r.orphanStdout[id] {
		fn(c.Stream, []byte(c.Data))
	}
	delete(r.orphanStdout, id)
	if _, ok := r.orphanChunks[id]; !ok {
		if _, ok := r.orphanEnds[id]; !ok {
			r.orphans.remove(id)
		}
	}
	return nil
}

// RemoveStdout drops the console callback and buffered output for id.
// Console output arriving for id afterwards is discarded.
func (r *Router) RemoveStdout(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stdout, id)
	delete(r.orphanStdout, id)
	r.retireLocked(id)
}

func (r *Router) handleStdout(c *protocol.StdoutChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.stdout[c.RequestID]
	if !ok {
		if r.retired.has(c.RequestID) {
			return
		}
		r.orphanStdout[c.RequestID] = append(r.orphanStdout[c.RequestID], c)
		r.noteOrphanLocked(c.RequestID)
		return
	}
	fn(c.Stream, []byte(c.Data))
}

// clearLocked discards all per-request state for id and retires it.
// Caller holds r.mu.
func (r *Router) clearLocked(id string) {
	delete(r.streams, id)
	delete(r.orphanChunks, id)
	delete(r.orphanEnds, id)
	delete(r.stdout, id)
	delete(r.orphanStdout, id)
	r.orphans.remove(id)
	r.retireLocked(id)
}

func (r *Router) retireLocked(id string) {
	if _, waiting := r.waiters[id]; waiting {
		return
	}
	r.retired.push(id)
	for r.retired.len() > maxRetired {
		r.retired.pop()
	}
}

// noteOrphanLocked records that id holds unclaimed frames and evicts the
// oldest unclaimed id once there are too many.
func (r *Router) noteOrphanLocked(id string) {
	if r.orphans.has(id) {
		return
	}
	r.orphans.push(id)
	for r.orphans.len() > maxOrphanIDs {
		old := r.orphans.pop()
		r.logger.Warn("router: evicting unclaimed frames", "request_id", old,
			"chunks", len(r.orphanChunks[old]), "stdout", len(r.orphanStdout[old]))
		delete(r.orphanChunks, old)
		delete(r.orphanEnds, old)
		delete(r.orphanStdout, old)
	}
}

func decodeChunk(c *protocol.StreamChunk) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %d of %s: %w", c.ChunkIndex, c.RequestID, err)
	}
	return data, nil
}
