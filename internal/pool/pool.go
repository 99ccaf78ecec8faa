// Package pool keeps one long-lived sandboxed worker per (app, install,
// worker) key, created on first use and reaped when idle.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/internal/runtime"
	"github.com/p-arndt/sandpipe/internal/sandbox"
	"github.com/p-arndt/sandpipe/protocol"
)

var ErrClosed = errors.New("pool is closed")

type Options struct {
	// WorkRoot holds one private directory per worker.
	WorkRoot string
	// LauncherPath is the sandbox launcher binary.
	LauncherPath string
	// RunnerName is the daemon binary's name inside the dependency mirror.
	RunnerName string
	// SystemPaths are bound read-only into every sandbox. Nil means
	// sandbox.DetectSystemPaths.
	SystemPaths []sandbox.Mount
	// UID and GID of the unprivileged sandbox user; negative keeps the
	// launcher default.
	UID, GID       int
	ShareNet       bool
	SideChannelURL string
	StartupDelay   time.Duration
	IdleTimeout    time.Duration
	// KeepWorkDirs leaves a worker's directory (and its logs) in place
	// after teardown.
	KeepWorkDirs bool
	Writer       pipe.WriterOptions
	// Result is handed to each daemon for splitting handler results.
	Result pipe.ResultOptions
}

func (o Options) withDefaults() Options {
	if o.LauncherPath == "" {
		o.LauncherPath = sandbox.DefaultLauncher
	}
	if o.RunnerName == "" {
		o.RunnerName = "runner"
	}
	if o.SystemPaths == nil {
		o.SystemPaths = sandbox.DetectSystemPaths()
	}
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	} else if o.StartupDelay == 0 {
		o.StartupDelay = 200 * time.Millisecond
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	return o
}

// Deps are the pool's collaborators. Store and Tokens are optional.
type Deps struct {
	Driver  runtime.Driver
	Bundles BundlePreparer
	Mirror  DepMirror
	Store   WorkerStore
	Tokens  TokenRegistry
	Logger  *slog.Logger
}

type Pool struct {
	opts   Options
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	workers  map[Key]*Worker
	creating map[Key]*creation
	closed   bool
}

type creation struct {
	done chan struct{}
	w    *Worker
	err  error
}

func New(opts Options, deps Deps) *Pool {
	return &Pool{
		opts:     opts.withDefaults(),
		deps:     deps,
		logger:   deps.Logger,
		workers:  make(map[Key]*Worker),
		creating: make(map[Key]*creation),
	}
}

// IdleTimeout is how long a worker may sit unused before ReapIdle takes it.
func (p *Pool) IdleTimeout() time.Duration { return p.opts.IdleTimeout }

// Acquire returns the live worker for key, starting one if needed.
// Concurrent first use of a key starts exactly one process. Creation is
// not cancelled by ctx; ctx only bounds how long this caller waits.
func (p *Pool) Acquire(ctx context.Context, key Key, cfg ExecConfig) (*Worker, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := p.workers[key]; ok && !w.Killed() {
		p.mu.Unlock()
		w.touch()
		return w, nil
	}
	c, inFlight := p.creating[key]
	if !inFlight {
		c = &creation{done: make(chan struct{})}
		p.creating[key] = c
		go p.runCreation(context.WithoutCancel(ctx), key, cfg, c)
	}
	p.mu.Unlock()

	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		c.w.touch()
		return c.w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) runCreation(ctx context.Context, key Key, cfg ExecConfig, c *creation) {
	w, err := p.create(ctx, key, cfg)

	p.mu.Lock()
	delete(p.creating, key)
	switch {
	case err != nil:
	case p.closed:
		err = ErrClosed
	case w.Killed():
		err = protocol.NewError(protocol.CodeTransport, "worker exited during startup", nil)
	default:
		p.workers[key] = w
	}
	c.w, c.err = w, err
	p.mu.Unlock()

	if err != nil && w != nil {
		w.teardown("startup aborted")
		c.w = nil
	}
	if err != nil {
		p.logger.Error("create worker", "worker", key.String(), "error", err)
	}
	close(c.done)
}

// Get returns the live worker for key without creating one.
func (p *Pool) Get(key Key) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[key]
	if !ok || w.Killed() {
		return nil, false
	}
	return w, true
}

// Owns reports whether a live worker with the given record id is pooled.
func (p *Pool) Owns(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.id == id {
			return true
		}
	}
	return false
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Teardown stops w and removes it from the pool.
func (p *Pool) Teardown(w *Worker, reason string) {
	w.teardown(reason)
}

// ReapIdle tears down every worker idle for at least IdleTimeout with no
// unit in flight. It returns how many were reaped.
func (p *Pool) ReapIdle(now time.Time) int {
	p.mu.Lock()
	var idle []*Worker
	for _, w := range p.workers {
		if w.claimIdle(now, p.opts.IdleTimeout) {
			idle = append(idle, w)
		}
	}
	p.mu.Unlock()

	for _, w := range idle {
		p.logger.Info("reaping idle worker", "worker", w.key.String(), "idle", now.Sub(w.LastUsed()))
		w.teardown("idle")
	}
	return len(idle)
}

// Close asks every daemon to shut down, waits for them until ctx ends,
// then tears down whatever is left.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.writer.Send(ctx, &protocol.Shutdown{Reason: "platform shutdown"}); err != nil {
			p.logger.Warn("send shutdown", "worker", w.key.String(), "error", err)
			w.teardown("shutdown")
		}
	}
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			w.teardown("shutdown timeout")
		}
	}
	return ctx.Err()
}
