package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/p-arndt/sandpipe/protocol"
)

const readBufSize = 64 * 1024

// Reader decodes newline-delimited frames from a FIFO. It outlives any
// single writer: when the writer closes its end, the reader reopens the
// pipe and blocks for the next one.
type Reader struct {
	path   string
	logger *slog.Logger

	msgs      chan protocol.Message
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	file *os.File
	err  error
}

// NewReader starts reading path in the background.
func NewReader(path string, logger *slog.Logger) *Reader {
	r := &Reader{
		path:   path,
		logger: logger,
		msgs:   make(chan protocol.Message, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Next returns the next decoded frame. After the reader fails or is
// closed, Next returns the terminal error.
func (r *Reader) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-r.msgs:
		if !ok {
			return nil, r.terminalErr()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the reader and releases the pipe.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mu.Lock()
		f := r.file
		r.file = nil
		r.mu.Unlock()
		if f != nil {
			f.Close()
		}
		go r.wakeUntilDone()
	})
	return nil
}

// Done is closed once the background loop has exited.
func (r *Reader) Done() <-chan struct{} { return r.done }

// wakeUntilDone keeps nudging the loop until it exits; a single wake can
// race with the loop entering open(2).
func (r *Reader) wakeUntilDone() {
	for i := 0; i < 100; i++ {
		wakeReader(r.path)
		select {
		case <-r.done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (r *Reader) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Reader) terminalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return ErrClosed
}

func (r *Reader) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *Reader) loop() {
	defer close(r.done)
	defer close(r.msgs)

	var pending []byte
	buf := make([]byte, readBufSize)
	for {
		f, err := r.open()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				r.fail(err)
			}
			return
		}

		for {
			n, err := f.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				var ok bool
				if pending, ok = r.emitLines(pending); !ok {
					return
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				if !r.isClosed() {
					r.fail(fmt.Errorf("read %s: %w", r.path, err))
				}
				return
			}
		}

		r.mu.Lock()
		if r.file == f {
			r.file = nil
		}
		r.mu.Unlock()
		f.Close()
		if r.isClosed() {
			return
		}
		r.logger.Debug("pipe writer closed, reopening", "path", r.path)
	}
}

func (r *Reader) open() (*os.File, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	f, err := os.OpenFile(r.path, os.O_RDONLY, 0)
	if err != nil {
		if r.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("open %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		f.Close()
		return nil, ErrClosed
	}
	r.file = f
	return f, nil
}

// emitLines decodes every complete line in buf and returns the unconsumed
// tail. It reports false when the reader was closed while delivering.
func (r *Reader) emitLines(buf []byte) ([]byte, bool) {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			r.logger.Warn("dropping malformed frame", "path", r.path, "error", err, "bytes", len(line))
			continue
		}
		select {
		case r.msgs <- msg:
		case <-r.closed:
			return nil, false
		}
	}
	// Keep the partial line in a fresh slice so buf's array can be reused.
	return append([]byte(nil), buf...), true
}
