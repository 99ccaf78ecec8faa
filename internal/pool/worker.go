package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/internal/router"
	"github.com/p-arndt/sandpipe/internal/runtime"
)

// ErrWorkerGone is returned by Begin when the worker was torn down
// between Acquire and Begin. Acquire again to get a fresh one.
var ErrWorkerGone = errors.New("worker is shutting down")

// Key identifies one pooled worker.
type Key struct {
	AppID     string
	InstallID string
	WorkerID  string
}

func (k Key) String() string {
	return k.AppID + "/" + k.InstallID + "/" + k.WorkerID
}

func (k Key) validate() error {
	for _, p := range []string{k.AppID, k.InstallID, k.WorkerID} {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return fmt.Errorf("invalid worker key %q", k.String())
		}
	}
	return nil
}

// ExecConfig is what the pool needs to start a worker for a key.
type ExecConfig struct {
	PayloadURL string
	BundleHash string
	// Env is exposed to the handler as WORKER_ENV_<NAME>.
	Env            map[string]string
	MaxConcurrency int
	// AuthToken authenticates the daemon to the side channel. Generated
	// when empty.
	AuthToken   string
	ExecutionID string
	// Script is the handler module path relative to the code dir.
	Script string
}

// Paths are the host-side locations of a worker's private files.
type Paths struct {
	WorkDir      string
	TmpDir       string
	LogDir       string
	CodeDir      string
	RequestPipe  string
	ResponsePipe string
	OutLog       string
	ErrLog       string
}

// Worker is one running sandboxed process and its transport.
type Worker struct {
	id     string
	key    Key
	pool   *Pool
	proc   runtime.Process
	writer *pipe.Writer
	reader *pipe.Reader
	router *router.Router
	paths  Paths
	token  string

	mu         sync.Mutex
	lastUsedAt time.Time
	active     int
	killed     bool

	teardownOnce sync.Once
	done         chan struct{}
}

func (w *Worker) ID() string             { return w.id }
func (w *Worker) Key() Key               { return w.key }
func (w *Worker) Writer() *pipe.Writer   { return w.writer }
func (w *Worker) Router() *router.Router { return w.router }
func (w *Worker) Paths() Paths           { return w.paths }
func (w *Worker) PID() int               { return w.proc.PID() }
func (w *Worker) Done() <-chan struct{}  { return w.done }

// Active returns the number of units currently running on the worker.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsedAt
}

func (w *Worker) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastUsedAt = time.Now()
	w.mu.Unlock()
}

// Begin marks one unit of work as in flight. The returned release must be
// called when the unit finishes; extra calls are no-ops.
func (w *Worker) Begin() (release func(), err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killed {
		return nil, ErrWorkerGone
	}
	w.active++
	w.lastUsedAt = time.Now()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.active--
			w.lastUsedAt = time.Now()
			w.mu.Unlock()
		})
	}, nil
}

// claimIdle marks the worker killed if it has been idle for at least
// idleAfter with nothing in flight.
func (w *Worker) claimIdle(now time.Time, idleAfter time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killed || w.active > 0 || now.Sub(w.lastUsedAt) < idleAfter {
		return false
	}
	w.killed = true
	return true
}
