package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/internal/runtime"
	"github.com/p-arndt/sandpipe/internal/sandbox"
	"github.com/p-arndt/sandpipe/internal/store"
	"github.com/p-arndt/sandpipe/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProc is a process whose lifetime the test controls.
type fakeProc struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error
}

func (f *fakeProc) exit(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *fakeProc) PID() int               { return f.pid }
func (f *fakeProc) Done() <-chan struct{}  { return f.done }
func (f *fakeProc) ExitErr() error         { return f.err }
func (f *fakeProc) Signal(os.Signal) error { f.exit(nil); return nil }
func (f *fakeProc) Kill() error            { f.exit(errors.New("killed")); return nil }

// fakeDriver answers every request with an empty success response and
// exits on a shutdown frame.
type fakeDriver struct {
	starts atomic.Int32
	delay  time.Duration

	mu    sync.Mutex
	specs []runtime.Spec
	procs []*fakeProc
}

func (d *fakeDriver) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	n := d.starts.Add(1)
	time.Sleep(d.delay)

	reqPath, ok := sandbox.HostPath(spec.Mounts, spec.Startup.RequestPipe)
	if !ok {
		return nil, errors.New("request pipe not mounted")
	}
	respPath, ok := sandbox.HostPath(spec.Mounts, spec.Startup.ResponsePipe)
	if !ok {
		return nil, errors.New("response pipe not mounted")
	}

	proc := &fakeProc{pid: 10000 + int(n), done: make(chan struct{})}
	d.mu.Lock()
	d.specs = append(d.specs, spec)
	d.procs = append(d.procs, proc)
	d.mu.Unlock()

	go serveFake(proc, reqPath, respPath)
	return proc, nil
}

func (d *fakeDriver) lastProc() *fakeProc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.procs[len(d.procs)-1]
}

func (d *fakeDriver) lastSpec() runtime.Spec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.specs[len(d.specs)-1]
}

func serveFake(proc *fakeProc, reqPath, respPath string) {
	reader := pipe.NewReader(reqPath, testLogger())
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-proc.done
		cancel()
	}()

	writer, err := pipe.OpenWriter(ctx, respPath, pipe.WriterOptions{})
	if err != nil {
		proc.exit(err)
		return
	}
	defer writer.Close()

	for {
		msg, err := reader.Next(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.Request:
			writer.Send(ctx, &protocol.Response{ID: m.ID, Success: true})
		case *protocol.Shutdown:
			writer.Send(ctx, &protocol.Shutdown{Reason: "bye"})
			proc.exit(nil)
			return
		}
	}
}

type fakeBundles struct {
	dir string
	err error
}

func (f *fakeBundles) Prepare(ctx context.Context, appID, payloadURL, bundleHash string) (string, error) {
	return f.dir, f.err
}

type fakeMirror struct{ dir string }

func (f fakeMirror) Ensure() (string, error) { return f.dir, nil }

type fixture struct {
	pool    *Pool
	driver  *fakeDriver
	bundles *fakeBundles
	tokens  *fakeTokens
}

func newFixture(t *testing.T, st WorkerStore) *fixture {
	t.Helper()
	f := &fixture{
		driver:  &fakeDriver{},
		bundles: &fakeBundles{dir: t.TempDir()},
		tokens:  newFakeTokens(),
	}
	f.pool = New(Options{
		WorkRoot:     t.TempDir(),
		SystemPaths:  []sandbox.Mount{},
		UID:          -1,
		GID:          -1,
		StartupDelay: -1,
		Writer:       pipe.WriterOptions{OpenTimeout: 5 * time.Second},
	}, Deps{
		Driver:  f.driver,
		Bundles: f.bundles,
		Mirror:  fakeMirror{dir: t.TempDir()},
		Store:   st,
		Tokens:  f.tokens,
		Logger:  testLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.pool.Close(ctx)
	})
	return f
}

var testKey = Key{AppID: "app", InstallID: "inst", WorkerID: "default"}

func testConfig() ExecConfig {
	return ExecConfig{
		PayloadURL:     "http://bundles/app.zip",
		BundleHash:     "h1",
		Env:            map[string]string{"API_KEY": "secret"},
		MaxConcurrency: 3,
		ExecutionID:    "exec-1",
	}
}

func roundTrip(t *testing.T, w *Worker, id string) {
	t.Helper()
	release, err := w.Begin()
	require.NoError(t, err)
	defer release()

	p, err := w.Router().Expect(id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Writer().Send(ctx, &protocol.Request{ID: id, Kind: protocol.KindTask, Task: &protocol.Task{Name: "noop"}}))
	resp, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestAcquireSpawnsOncePerKey(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	workers := make([]*Worker, 10)
	errs := make([]error, 10)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workers[i], errs[i] = f.pool.Acquire(context.Background(), testKey, testConfig())
		}(i)
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Same(t, workers[0], workers[i])
	}
	assert.Equal(t, int32(1), f.driver.starts.Load())
	assert.Equal(t, 1, f.pool.Len())

	roundTrip(t, workers[0], "r1")
}

func TestAcquireDistinctKeys(t *testing.T) {
	f := newFixture(t, nil)

	a, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	require.NoError(t, err)
	other := testKey
	other.WorkerID = "second"
	b, err := f.pool.Acquire(context.Background(), other, testConfig())
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, int32(2), f.driver.starts.Load())
	assert.Equal(t, 2, f.tokens.Len())
}

func TestAcquireRejectsBadKey(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pool.Acquire(context.Background(), Key{AppID: "../x", InstallID: "i", WorkerID: "w"}, testConfig())
	assert.Error(t, err)
	assert.Equal(t, int32(0), f.driver.starts.Load())
}

func TestLaunchInvocation(t *testing.T) {
	f := newFixture(t, nil)
	w, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	require.NoError(t, err)

	spec := f.driver.lastSpec()
	args := strings.Join(spec.Args, " ")
	assert.Contains(t, args, "--ro-bind "+f.bundles.dir+" /app")
	assert.Contains(t, args, "--bind "+w.Paths().TmpDir+" /tmp")
	assert.Contains(t, args, "--setenv WORKER_ENV_API_KEY secret")
	assert.Contains(t, args, "--setenv MAX_CONCURRENCY 3")
	assert.Equal(t, "/deps/runner", spec.Args[len(spec.Args)-3])
	assert.Equal(t, "serve", spec.Args[len(spec.Args)-2])

	assert.Equal(t, "/app/index.js", spec.Startup.ScriptPath)
	assert.Equal(t, "exec-1", spec.Startup.ExecutionID)
	assert.NotEmpty(t, spec.Startup.AuthToken)

	info, err := os.Stat(w.Paths().LogDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
	assert.True(t, pipe.IsFIFO(w.Paths().RequestPipe))
}

func TestReapIdleRespectsActive(t *testing.T) {
	f := newFixture(t, nil)
	w, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	require.NoError(t, err)

	release, err := w.Begin()
	require.NoError(t, err)
	later := time.Now().Add(f.pool.IdleTimeout() + time.Minute)

	assert.Equal(t, 0, f.pool.ReapIdle(later), "busy workers are never reaped")
	release()
	release()
	assert.Equal(t, 0, w.Active())

	assert.Equal(t, 0, f.pool.ReapIdle(time.Now()), "recently used workers stay")
	assert.Equal(t, 1, f.pool.ReapIdle(later))
	assert.Equal(t, 0, f.pool.Len())
	<-w.Done()
	assert.False(t, pipe.IsFIFO(w.Paths().RequestPipe))
	assert.Equal(t, 0, f.tokens.Len())

	_, err = w.Begin()
	assert.ErrorIs(t, err, ErrWorkerGone)

	w2, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	require.NoError(t, err)
	assert.NotSame(t, w, w2)
	assert.Equal(t, int32(2), f.driver.starts.Load())
}

func TestProcessExitTearsDown(t *testing.T) {
	st := new(MockWorkerStore)
	st.On("CreateWorker", mock.AnythingOfType("*store.Worker")).Return(nil)
	st.On("FinishWorker", mock.Anything, store.WorkerCrashed, "segfault").Return(nil)

	f := newFixture(t, st)
	w, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	require.NoError(t, err)

	pending, err := w.Router().Expect("r1")
	require.NoError(t, err)

	f.driver.lastProc().exit(errors.New("segfault"))

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker not torn down after exit")
	}
	assert.Equal(t, 0, f.pool.Len())

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, protocol.ErrShutdown)

	assert.Eventually(t, func() bool {
		return len(st.Calls) == 2
	}, 2*time.Second, 10*time.Millisecond)
	st.AssertExpectations(t)
}

func TestBundleFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.bundles.err = errors.New("download failed")

	_, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeBundle, pe.Code)
	assert.Equal(t, int32(0), f.driver.starts.Load())
	assert.Equal(t, 0, f.tokens.Len())
}

func TestAcquireContextOnlyBoundsWait(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.delay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.pool.Acquire(ctx, testKey, testConfig())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The creation kept going and the next caller gets its worker.
	w, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	require.NoError(t, err)
	assert.NotNil(t, w)
	assert.Equal(t, int32(1), f.driver.starts.Load())
}

func TestCloseShutsDownWorkers(t *testing.T) {
	f := newFixture(t, nil)
	w, err := f.pool.Acquire(context.Background(), testKey, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.pool.Close(ctx))

	<-w.Done()
	assert.Equal(t, 0, f.pool.Len())
	_, err = f.pool.Acquire(context.Background(), testKey, testConfig())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerEnv(t *testing.T) {
	env := workerEnv(ExecConfig{Env: map[string]string{"A": "1"}}, pipe.ResultOptions{})
	assert.Equal(t, "1", env["WORKER_ENV_A"])
	assert.Equal(t, "/tmp", env["HOME"])
	_, ok := env["MAX_CONCURRENCY"]
	assert.False(t, ok)
	_, ok = env[protocol.EnvChunkSize]
	assert.False(t, ok)

	env = workerEnv(ExecConfig{MaxConcurrency: 4}, pipe.ResultOptions{ChunkSize: 1024, StaticMaxBytes: 4096})
	assert.Equal(t, "4", env["MAX_CONCURRENCY"])
	assert.Equal(t, "1024", env[protocol.EnvChunkSize])
	assert.Equal(t, "4096", env[protocol.EnvStaticMaxBytes])
}
