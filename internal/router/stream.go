package router

import (
	"errors"
	"io"
	"sync"

	"github.com/p-arndt/sandpipe/protocol"
)

// ErrStreamClosed is returned by Read after the consumer closed the stream.
var ErrStreamClosed = errors.New("stream closed")

// streamState reassembles one request's chunks. Guarded by Router.mu.
type streamState struct {
	chunks map[int][]byte
	next   int
	total  int // -1 until stream_end arrives
	stream *Stream
}

func newStreamState(s *Stream) *streamState {
	return &streamState{chunks: make(map[int][]byte), total: -1, stream: s}
}

// accept stores a chunk and pushes every chunk that is now in order.
func (st *streamState) accept(index int, data []byte) {
	if index < st.next {
		return
	}
	if _, dup := st.chunks[index]; dup {
		return
	}
	st.chunks[index] = data
	st.drain()
}

func (st *streamState) drain() {
	for {
		data, ok := st.chunks[st.next]
		if !ok {
			return
		}
		st.stream.push(data)
		delete(st.chunks, st.next)
		st.next++
	}
}

func (st *streamState) complete() bool {
	return st.total >= 0 && st.next >= st.total
}

// discard tracks a stream nobody reads any more, so its remaining frames
// can be dropped and the entry forgotten once they have all been seen.
type discard struct {
	total int // -1 until stream_end arrives
	below int // every index below this was seen
	seen  map[int]struct{}
}

func newDiscard(total, below int) *discard {
	return &discard{total: total, below: below, seen: make(map[int]struct{})}
}

func (d *discard) see(index int) {
	if index >= d.below {
		d.seen[index] = struct{}{}
	}
}

func (d *discard) done() bool {
	return d.total >= 0 && d.below+len(d.seen) >= d.total
}

// discardOf captures what st already received.
func discardOf(st *streamState) *discard {
	d := newDiscard(st.total, st.next)
	for index := range st.chunks {
		d.see(index)
	}
	return d
}

// discardLocked drops the remaining frames of id from now on. Caller
// holds r.mu.
func (r *Router) discardLocked(id string, d *discard) {
	if d.done() {
		delete(r.discarding, id)
		return
	}
	r.discarding[id] = d
}

// OpenStream registers a streaming handler for id and replays chunks and
// the end marker that arrived before registration.
func (r *Router) OpenStream(id string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if _, ok := r.streams[id]; ok {
		return nil, ErrStreamRegistered
	}

	s := newStream(id, r)
	st := newStreamState(s)
	r.streams[id] = st

	if end, ok := r.orphanEnds[id]; ok {
		delete(r.orphanEnds, id)
		st.total = end.TotalChunks
	}
	orphans := r.orphanChunks[id]
	delete(r.orphanChunks, id)
	if _, ok := r.orphanStdout[id]; !ok {
		r.orphans.remove(id)
	}
	for _, c := range orphans {
		r.acceptLocked(st, c)
	}
	if st.complete() && r.streams[id] == st {
		r.clearLocked(id)
		s.finish(nil)
	}
	return s, nil
}

func (r *Router) acceptLocked(st *streamState, c *protocol.StreamChunk) {
	if r.streams[c.RequestID] != st {
		return
	}
	data, err := decodeChunk(c)
	if err != nil {
		r.logger.Error("router: bad stream chunk", "request_id", c.RequestID, "error", err)
		d := discardOf(st)
		d.see(c.ChunkIndex)
		r.clearLocked(c.RequestID)
		r.discardLocked(c.RequestID, d)
		st.stream.finish(protocol.NewError(protocol.CodeTransport, "corrupt stream chunk", err))
		return
	}
	st.accept(c.ChunkIndex, data)
}

func (r *Router) handleChunk(c *protocol.StreamChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.discarding[c.RequestID]; ok {
		d.see(c.ChunkIndex)
		r.discardLocked(c.RequestID, d)
		return
	}
	st, ok := r.streams[c.RequestID]
	if !ok {
		r.orphanChunks[c.RequestID] = append(r.orphanChunks[c.RequestID], c)
		r.noteOrphanLocked(c.RequestID)
		return
	}
	r.acceptLocked(st, c)
	if st.complete() && r.streams[c.RequestID] == st {
		r.clearLocked(c.RequestID)
		st.stream.finish(nil)
	}
}

func (r *Router) handleEnd(e *protocol.StreamEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.discarding[e.RequestID]; ok {
		d.total = e.TotalChunks
		r.discardLocked(e.RequestID, d)
		return
	}
	st, ok := r.streams[e.RequestID]
	if !ok {
		r.orphanEnds[e.RequestID] = e
		r.noteOrphanLocked(e.RequestID)
		return
	}
	st.total = e.TotalChunks
	st.drain()
	if st.complete() {
		r.clearLocked(e.RequestID)
		st.stream.finish(nil)
	}
}

// abandon is called when the consumer closes a stream early. Frames still
// in flight for it are discarded until every chunk and the stream_end
// have been seen.
func (r *Router) abandon(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[s.id]
	if !ok || st.stream != s {
		return
	}
	d := discardOf(st)
	r.clearLocked(s.id)
	r.discardLocked(s.id, d)
}

// Stream is the consumer side of a reassembled body. Pushes from the
// router never block; data is buffered until read.
type Stream struct {
	id string
	r  *Router

	mu       sync.Mutex
	cond     *sync.Cond
	bufs     [][]byte
	err      error
	finished bool
	closed   bool

	done     chan struct{}
	doneOnce sync.Once
}

func newStream(id string, r *Router) *Stream {
	s := &Stream{id: id, r: r, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Stream) push(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed || len(data) == 0 {
		return
	}
	s.bufs = append(s.bufs, data)
	s.cond.Signal()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	s.cond.Broadcast()
	s.mu.Unlock()
	s.markDone()
}

func (s *Stream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Read returns reassembled bytes in index order, then io.EOF once every
// chunk was delivered, or the error that ended the stream.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.bufs) == 0 && !s.finished && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(s.bufs) > 0 {
		n := copy(p, s.bufs[0])
		if n == len(s.bufs[0]) {
			s.bufs = s.bufs[1:]
		} else {
			s.bufs[0] = s.bufs[0][n:]
		}
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	return 0, io.EOF
}

// Close releases the stream. Closing before the end abandons the rest.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	finished := s.finished
	s.bufs = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if !finished {
		s.r.abandon(s)
	}
	s.markDone()
	return nil
}

// Done is closed once the stream completed, failed, or was closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended; nil for a complete stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// idQueue is an insertion-ordered set of request ids.
type idQueue struct {
	seq   uint64
	live  map[string]uint64
	order []queuedID
}

type queuedID struct {
	id  string
	seq uint64
}

func newIDQueue() *idQueue {
	return &idQueue{live: make(map[string]uint64)}
}

func (q *idQueue) len() int { return len(q.live) }

func (q *idQueue) has(id string) bool {
	_, ok := q.live[id]
	return ok
}

func (q *idQueue) push(id string) {
	q.seq++
	q.live[id] = q.seq
	q.order = append(q.order, queuedID{id: id, seq: q.seq})
	if len(q.order) > 2*len(q.live)+64 {
		q.compact()
	}
}

func (q *idQueue) remove(id string) { delete(q.live, id) }

// pop removes and returns the oldest id, or "" when empty.
func (q *idQueue) pop() string {
	for len(q.order) > 0 {
		e := q.order[0]
		q.order = q.order[1:]
		if seq, ok := q.live[e.id]; ok && seq == e.seq {
			delete(q.live, e.id)
			return e.id
		}
	}
	return ""
}

func (q *idQueue) compact() {
	order := make([]queuedID, 0, len(q.live))
	for _, e := range q.order {
		if seq, ok := q.live[e.id]; ok && seq == e.seq {
			order = append(order, e)
		}
	}
	q.order = order
}
