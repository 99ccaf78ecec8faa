package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/p-arndt/sandpipe/internal/daemon"
	"github.com/p-arndt/sandpipe/internal/runtime"
	"github.com/p-arndt/sandpipe/internal/sandbox"
)

// DaemonDriver runs the runner daemon in-process instead of behind the
// sandbox launcher. Paths in the startup context are mapped back to the
// host through the launch mounts.
type DaemonDriver struct {
	// Platform is handed to every daemon; nil leaves platform calls
	// unavailable unless the startup context names a side channel.
	Platform daemon.Platform

	starts atomic.Int32
	mu     sync.Mutex
	procs  []*DaemonProc
}

func (d *DaemonDriver) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	n := d.starts.Add(1)

	sc := spec.Startup
	for _, p := range []*string{&sc.OutputLogPath, &sc.ErrorLogPath, &sc.ScriptPath, &sc.RequestPipe, &sc.ResponsePipe} {
		host, ok := sandbox.HostPath(spec.Mounts, *p)
		if !ok {
			return nil, fmt.Errorf("%s is not mounted", *p)
		}
		*p = host
	}

	environ := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		environ = append(environ, k+"="+v)
	}
	getenv := func(k string) string { return spec.Env[k] }
	opts := daemon.Options{
		Platform:       d.Platform,
		MaxConcurrency: daemon.MaxConcurrency(getenv),
		Env:            daemon.WorkerEnv(environ),
		Result:         daemon.ResultOptions(getenv),
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	proc := &DaemonProc{pid: 20000 + int(n), done: make(chan struct{}), cancel: cancel}
	d.mu.Lock()
	d.procs = append(d.procs, proc)
	d.mu.Unlock()

	dm, err := daemon.New(sc, opts)
	if err != nil {
		// The real runner exits non-zero right after reporting the error.
		cancel()
		proc.exit(err)
		return proc, nil
	}
	go func() {
		err := dm.Serve(serveCtx)
		dm.Close()
		proc.exit(err)
	}()
	return proc, nil
}

// Starts returns how many processes were started.
func (d *DaemonDriver) Starts() int { return int(d.starts.Load()) }

// Procs returns every process started so far.
func (d *DaemonDriver) Procs() []*DaemonProc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DaemonProc(nil), d.procs...)
}

// DaemonProc is the runtime.Process of an in-process daemon.
type DaemonProc struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (p *DaemonProc) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *DaemonProc) PID() int              { return p.pid }
func (p *DaemonProc) Done() <-chan struct{} { return p.done }
func (p *DaemonProc) ExitErr() error        { return p.err }

// Signal asks the daemon to drain and exit.
func (p *DaemonProc) Signal(os.Signal) error {
	p.cancel()
	return nil
}

// Kill reports the process dead at once; the daemon goroutine winds down
// on its own.
func (p *DaemonProc) Kill() error {
	p.cancel()
	p.exit(errors.New("killed"))
	return nil
}

// StaticBundles serves every app from the same directory.
type StaticBundles struct {
	Dir string
	Err error
}

func (b *StaticBundles) Prepare(ctx context.Context, appID, payloadURL, bundleHash string) (string, error) {
	return b.Dir, b.Err
}

// StaticMirror is a dependency mirror that is already built.
type StaticMirror struct{ Dir string }

func (m *StaticMirror) Ensure() (string, error) { return m.Dir, nil }

// WriteApp writes files (name to contents) into a fresh code directory.
func WriteApp(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}
