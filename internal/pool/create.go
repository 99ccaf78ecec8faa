package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/internal/router"
	"github.com/p-arndt/sandpipe/internal/runtime"
	"github.com/p-arndt/sandpipe/internal/sandbox"
	"github.com/p-arndt/sandpipe/internal/store"
	"github.com/p-arndt/sandpipe/protocol"
)

// create starts one worker. Every step that leaves something behind is
// undone if a later step fails.
func (p *Pool) create(ctx context.Context, key Key, cfg ExecConfig) (*Worker, error) {
	start := time.Now()
	id := uuid.NewString()
	p.logger.Debug("create worker", "worker", key.String(), "id", id)

	paths := Paths{WorkDir: filepath.Join(p.opts.WorkRoot, key.AppID, key.InstallID, key.WorkerID+"-"+id[:8])}
	paths.TmpDir = filepath.Join(paths.WorkDir, "tmp")
	paths.LogDir = filepath.Join(paths.WorkDir, "logs")
	paths.RequestPipe = filepath.Join(paths.TmpDir, protocol.RequestPipeName)
	paths.ResponsePipe = filepath.Join(paths.TmpDir, protocol.ResponsePipeName)
	paths.OutLog = filepath.Join(paths.LogDir, protocol.OutputLogName)
	paths.ErrLog = filepath.Join(paths.LogDir, protocol.ErrorLogName)

	cleanupDir := func() {
		if !p.opts.KeepWorkDirs {
			os.RemoveAll(paths.WorkDir)
		}
	}

	if err := prepareDirs(paths); err != nil {
		cleanupDir()
		return nil, err
	}

	mirrorDir, err := p.deps.Mirror.Ensure()
	if err != nil {
		cleanupDir()
		return nil, fmt.Errorf("dependency mirror: %w", err)
	}

	codeDir, err := p.deps.Bundles.Prepare(ctx, key.AppID, cfg.PayloadURL, cfg.BundleHash)
	if err != nil {
		cleanupDir()
		return nil, protocol.NewError(protocol.CodeBundle, "prepare bundle", err)
	}
	paths.CodeDir = codeDir

	token := cfg.AuthToken
	if token == "" {
		token = uuid.NewString()
	}
	if p.deps.Tokens != nil {
		p.deps.Tokens.Grant(token, protocol.WorkerGrant{
			AppID:       key.AppID,
			InstallID:   key.InstallID,
			WorkerID:    key.WorkerID,
			ExecutionID: cfg.ExecutionID,
		})
	}
	revoke := func() {
		if p.deps.Tokens != nil {
			p.deps.Tokens.Revoke(token)
		}
	}

	script := cfg.Script
	if script == "" {
		script = protocol.DefaultScript
	}
	startup := protocol.StartupContext{
		OutputLogPath:  filepath.Join(protocol.SandboxLogDir, protocol.OutputLogName),
		ErrorLogPath:   filepath.Join(protocol.SandboxLogDir, protocol.ErrorLogName),
		ScriptPath:     filepath.Join(protocol.SandboxAppDir, script),
		AuthToken:      token,
		ExecutionID:    cfg.ExecutionID,
		WorkerID:       key.String(),
		SideChannelURL: p.opts.SideChannelURL,
		RequestPipe:    filepath.Join(protocol.SandboxTmpDir, protocol.RequestPipeName),
		ResponsePipe:   filepath.Join(protocol.SandboxTmpDir, protocol.ResponsePipeName),
	}
	startupJSON, err := json.Marshal(startup)
	if err != nil {
		revoke()
		cleanupDir()
		return nil, fmt.Errorf("encode startup context: %w", err)
	}

	mounts := append([]sandbox.Mount(nil), p.opts.SystemPaths...)
	mounts = append(mounts,
		sandbox.Mount{Source: codeDir, Dest: protocol.SandboxAppDir, ReadOnly: true},
		sandbox.Mount{Source: mirrorDir, Dest: protocol.SandboxDepsDir, ReadOnly: true},
		sandbox.Mount{Source: paths.TmpDir, Dest: protocol.SandboxTmpDir},
		sandbox.Mount{Source: paths.LogDir, Dest: protocol.SandboxLogDir},
	)
	env := workerEnv(cfg, p.opts.Result)
	launch := &sandbox.LaunchSpec{
		Mounts:   mounts,
		Env:      env,
		UID:      p.opts.UID,
		GID:      p.opts.GID,
		ShareNet: p.opts.ShareNet || p.opts.SideChannelURL != "",
		Chdir:    protocol.SandboxAppDir,
		Command:  []string{filepath.Join(protocol.SandboxDepsDir, p.opts.RunnerName), "serve", string(startupJSON)},
	}
	args, err := sandbox.NewBuilder().Build(launch)
	if err != nil {
		revoke()
		cleanupDir()
		return nil, fmt.Errorf("build launch args: %w", err)
	}

	proc, err := p.deps.Driver.Start(ctx, runtime.Spec{
		Name:    key.String(),
		Path:    p.opts.LauncherPath,
		Args:    args,
		Dir:     paths.WorkDir,
		Mounts:  mounts,
		Startup: startup,
		Env:     env,
	})
	if err != nil {
		revoke()
		cleanupDir()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	reader := pipe.NewReader(paths.ResponsePipe, p.logger.With("worker", key.String()))
	w := &Worker{
		id:         id,
		key:        key,
		pool:       p,
		proc:       proc,
		reader:     reader,
		router:     router.New(reader, p.logger.With("worker", key.String())),
		paths:      paths,
		token:      token,
		lastUsedAt: time.Now(),
		done:       make(chan struct{}),
	}
	go w.router.Run(context.Background())

	p.recordStart(w)
	go p.watchExit(w)

	if p.opts.StartupDelay > 0 {
		select {
		case <-time.After(p.opts.StartupDelay):
		case <-proc.Done():
		}
	}

	openCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-openCtx.Done():
		}
	}()
	writer, err := pipe.OpenWriter(openCtx, paths.RequestPipe, p.opts.Writer)
	cancel()
	if err != nil {
		w.teardown("request pipe unavailable")
		return nil, protocol.NewError(protocol.CodeTransport, "open request pipe", err)
	}
	w.mu.Lock()
	w.writer = writer
	w.mu.Unlock()

	p.logger.Info("worker started", "worker", key.String(), "pid", proc.PID(), "duration", time.Since(start))
	return w, nil
}

func prepareDirs(paths Paths) error {
	// The sandbox user is not the platform user, so the shared dirs and
	// files are world-writable.
	for _, dir := range []string{paths.TmpDir, paths.LogDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		if err := os.Chmod(dir, 0o777); err != nil {
			return fmt.Errorf("chmod %s: %w", dir, err)
		}
	}
	for _, f := range []string{paths.OutLog, paths.ErrLog} {
		fh, err := os.OpenFile(f, os.O_CREATE|os.O_WRONLY, 0o666)
		if err != nil {
			return fmt.Errorf("create %s: %w", f, err)
		}
		fh.Close()
		if err := os.Chmod(f, 0o666); err != nil {
			return fmt.Errorf("chmod %s: %w", f, err)
		}
	}
	for _, f := range []string{paths.RequestPipe, paths.ResponsePipe} {
		if err := pipe.Create(f); err != nil {
			return err
		}
	}
	return nil
}

func workerEnv(cfg ExecConfig, result pipe.ResultOptions) map[string]string {
	env := map[string]string{
		"HOME": protocol.SandboxTmpDir,
		"PATH": protocol.SandboxDepsDir + ":/usr/local/bin:/usr/bin:/bin",
	}
	for k, v := range cfg.Env {
		env[protocol.EnvWorkerPrefix+k] = v
	}
	if cfg.MaxConcurrency > 0 {
		env[protocol.EnvMaxConcurrency] = strconv.Itoa(cfg.MaxConcurrency)
	}
	if result.ChunkSize > 0 {
		env[protocol.EnvChunkSize] = strconv.Itoa(result.ChunkSize)
	}
	if result.StaticMaxBytes > 0 {
		env[protocol.EnvStaticMaxBytes] = strconv.Itoa(result.StaticMaxBytes)
	}
	return env
}

func (p *Pool) recordStart(w *Worker) {
	if p.deps.Store == nil {
		return
	}
	err := p.deps.Store.CreateWorker(&store.Worker{
		ID:        w.id,
		AppID:     w.key.AppID,
		InstallID: w.key.InstallID,
		WorkerID:  w.key.WorkerID,
		PID:       w.proc.PID(),
		WorkDir:   w.paths.WorkDir,
		Status:    store.WorkerRunning,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("record worker start", "worker", w.key.String(), "error", err)
	}
}

// watchExit tears the worker down as soon as its process exits, whatever
// the exit status.
func (p *Pool) watchExit(w *Worker) {
	<-w.proc.Done()
	exitErr := w.proc.ExitErr()

	w.mu.Lock()
	reaped := w.killed
	w.mu.Unlock()
	w.teardown("process exited")

	if p.deps.Store == nil {
		return
	}
	status, msg := store.WorkerExited, ""
	switch {
	case exitErr != nil && !reaped:
		status, msg = store.WorkerCrashed, exitErr.Error()
	case reaped:
		status = store.WorkerReaped
	}
	if err := p.deps.Store.FinishWorker(w.id, status, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("record worker exit", "worker", w.key.String(), "error", err)
	}
}

// teardown removes the worker from the pool, fails everything still
// routed to it, and releases its pipes and process. Safe to call more than
// once and from any goroutine.
func (w *Worker) teardown(reason string) {
	w.teardownOnce.Do(func() {
		w.mu.Lock()
		w.killed = true
		writer := w.writer
		w.mu.Unlock()

		p := w.pool
		p.mu.Lock()
		if p.workers[w.key] == w {
			delete(p.workers, w.key)
		}
		p.mu.Unlock()

		w.router.Abort(protocol.NewError(protocol.CodeShutdown, "worker stopped: "+reason, nil))
		if writer != nil {
			writer.Close()
		}
		w.reader.Close()
		select {
		case <-w.reader.Done():
		case <-time.After(time.Second):
		}
		if err := w.proc.Kill(); err != nil {
			p.logger.Warn("kill worker", "worker", w.key.String(), "error", err)
		}
		if err := pipe.Remove(w.paths.RequestPipe, w.paths.ResponsePipe); err != nil {
			p.logger.Warn("remove worker pipes", "worker", w.key.String(), "error", err)
		}
		if p.deps.Tokens != nil {
			p.deps.Tokens.Revoke(w.token)
		}
		if !p.opts.KeepWorkDirs {
			os.RemoveAll(w.paths.WorkDir)
		}
		close(w.done)
		p.logger.Info("worker torn down", "worker", w.key.String(), "reason", reason)
	})
}
