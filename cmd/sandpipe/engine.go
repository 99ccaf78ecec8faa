package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/sandpipe/internal/api"
	"github.com/p-arndt/sandpipe/internal/bundle"
	"github.com/p-arndt/sandpipe/internal/config"
	"github.com/p-arndt/sandpipe/internal/invoke"
	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/internal/pool"
	"github.com/p-arndt/sandpipe/internal/reaper"
	"github.com/p-arndt/sandpipe/internal/runtime"
	"github.com/p-arndt/sandpipe/internal/sandbox"
	"github.com/p-arndt/sandpipe/internal/store"
)

// engine is everything a unit needs on the platform side: the worker
// pool, the side channel the daemons call back into, and the reaper.
type engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	pool    *pool.Pool
	invoker *invoke.Invoker
	server  *http.Server

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newBundleCache(cfg *config.Config, logger *slog.Logger) *bundle.Cache {
	return bundle.New(bundle.Options{
		Root:           cfg.BundleRoot,
		ReadyTimeout:   cfg.Bundles.ReadyTimeout,
		PollInterval:   cfg.Bundles.PollInterval,
		VerifyHash:     cfg.Bundles.VerifyHash,
		InProcessUnzip: cfg.Bundles.InProcessUnzip,
	}, logger)
}

func systemMounts(paths []string) []sandbox.Mount {
	if len(paths) == 0 {
		return nil
	}
	mounts := make([]sandbox.Mount, 0, len(paths))
	for _, p := range paths {
		mounts = append(mounts, sandbox.Mount{Source: p, Dest: p, ReadOnly: true})
	}
	return mounts
}

func startEngine(cfg *config.Config, logger *slog.Logger) (*engine, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	bundles := newBundleCache(cfg, logger)
	if err := bundles.Purge(); err != nil {
		st.Close()
		return nil, fmt.Errorf("purge bundle cache: %w", err)
	}

	entries := map[string]string{"runner": cfg.Deps.Runner}
	maps.Copy(entries, cfg.Deps.Extra)
	mirror := sandbox.NewMirror(filepath.Join(cfg.DataDir, "deps"), entries)

	tokens := api.NewTokens()
	p := pool.New(pool.Options{
		WorkRoot:       cfg.WorkRoot,
		LauncherPath:   cfg.Launcher.Path,
		SystemPaths:    systemMounts(cfg.Launcher.SystemPaths),
		UID:            cfg.Launcher.UID,
		GID:            cfg.Launcher.GID,
		ShareNet:       cfg.Launcher.ShareNet,
		SideChannelURL: cfg.SideChannelURL,
		StartupDelay:   cfg.Pool.StartupDelay,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		KeepWorkDirs:   cfg.Pool.KeepWorkDirs,
		Writer: pipe.WriterOptions{
			OpenTimeout: cfg.Pipe.OpenTimeout,
			MaxRetries:  cfg.Pipe.MaxRetries,
			BaseBackoff: cfg.Pipe.BaseBackoff,
		},
		Result: pipe.ResultOptions{
			ChunkSize:      cfg.Pipe.ChunkBytes,
			StaticMaxBytes: cfg.Pipe.StaticBytes,
		},
	}, pool.Deps{
		Driver:  runtime.NewExecDriver(logger),
		Bundles: bundles,
		Mirror:  mirror,
		Store:   st,
		Tokens:  tokens,
		Logger:  logger,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("side channel listen: %w", err)
	}
	srv := api.NewServer(cfg, tokens, st, logger)
	server := &http.Server{
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("side channel server", "error", err)
		}
	}()
	logger.Debug("side channel listening", "addr", ln.Addr().String())

	rpr := reaper.New(st, p, cfg.Pool.ReapInterval, logger)
	rpr.SetRetention(cfg.Pool.Retention)
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		rpr.Run(reaperCtx)
	}()

	return &engine{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		pool:       p,
		invoker:    invoke.New(p, invoke.Options{}, logger),
		server:     server,
		stopReaper: stopReaper,
		reaperDone: reaperDone,
	}, nil
}

// target resolves the stored execution config for (app, install).
func (e *engine) target(appID, installID, workerID string) (invoke.Target, error) {
	ec, err := e.store.GetExecConfig(appID, installID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invoke.Target{}, fmt.Errorf("%s/%s is not installed", appID, installID)
		}
		return invoke.Target{}, err
	}
	return invoke.Target{
		Key: pool.Key{AppID: appID, InstallID: installID, WorkerID: workerID},
		Config: pool.ExecConfig{
			PayloadURL:     ec.PayloadURL,
			BundleHash:     ec.BundleHash,
			Env:            ec.Env,
			MaxConcurrency: ec.MaxConcurrency,
			ExecutionID:    uuid.NewString(),
			Script:         ec.Script,
		},
	}, nil
}

// close asks every daemon to drain, then stops the side channel. The
// side channel stays up until the daemons are gone since they may still
// call it while draining.
func (e *engine) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.pool.Close(ctx); err != nil {
		e.logger.Warn("pool close", "error", err)
	}
	e.stopReaper()
	<-e.reaperDone
	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Warn("side channel shutdown", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close", "error", err)
	}
}
