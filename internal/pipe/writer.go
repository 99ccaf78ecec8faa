package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/sandpipe/protocol"
)

// Sender is anything that can put a frame on the wire.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// WriterOptions tunes open and write retry behaviour.
type WriterOptions struct {
	// OpenTimeout bounds how long OpenWriter waits for a reader.
	OpenTimeout time.Duration
	// MaxRetries is the number of consecutive would-block attempts
	// tolerated before a write fails.
	MaxRetries int
	// BaseBackoff is the first retry delay; it doubles up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	return o
}

// Writer serializes frames onto a FIFO. All writes go through a single
// goroutine so frames from concurrent senders never interleave.
type Writer struct {
	path string
	fd   int
	opts WriterOptions

	ops       chan *writeOp
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type writeOp struct {
	data   []byte
	result chan error
}

// OpenWriter opens path for writing without blocking, retrying while no
// reader has the other end open.
func OpenWriter(ctx context.Context, path string, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.OpenTimeout)
	backoff := opts.BaseBackoff

	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			w := &Writer{
				path:   path,
				fd:     fd,
				opts:   opts,
				ops:    make(chan *writeOp),
				closed: make(chan struct{}),
				done:   make(chan struct{}),
			}
			go w.loop()
			return w, nil
		}
		if !errors.Is(err, unix.ENXIO) && !errors.Is(err, unix.EINTR) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("open %s: %w", path, ErrNoReader)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 100*time.Millisecond)
	}
}

// Send encodes msg and queues it behind any frames already being written.
func (w *Writer) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	op := &writeOp{data: data, result: make(chan error, 1)}

	select {
	case w.ops <- op:
	case <-w.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-w.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer and closes its end of the pipe. The reader on the
// other side sees end-of-stream.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		<-w.done
		err = unix.Close(w.fd)
	})
	return err
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case op := <-w.ops:
			op.result <- w.writeAll(op.data)
		case <-w.closed:
			return
		}
	}
}

// writeAll writes data completely. The retry budget applies to consecutive
// would-block results and resets whenever the pipe accepts bytes.
func (w *Writer) writeAll(data []byte) error {
	attempts := 0
	backoff := w.opts.BaseBackoff

	for len(data) > 0 {
		n, err := unix.Write(w.fd, data)
		if n > 0 {
			data = data[n:]
			attempts = 0
			backoff = w.opts.BaseBackoff
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			attempts++
			if attempts > w.opts.MaxRetries {
				return fmt.Errorf("write %s: %w", w.path, ErrWriteRetriesExhausted)
			}
			select {
			case <-time.After(backoff):
			case <-w.closed:
				return ErrClosed
			}
			backoff = min(backoff*2, w.opts.MaxBackoff)
		default:
			return fmt.Errorf("write %s: %w", w.path, err)
		}
	}
	return nil
}
