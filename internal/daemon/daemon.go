// Package daemon is the process that runs inside each sandbox. It loads
// the application's handler module once, reads work units from the request
// pipe and answers each on the response pipe.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/internal/sidechannel"
	"github.com/p-arndt/sandpipe/protocol"
)

type Options struct {
	// Platform overrides the side-channel client built from the startup
	// context.
	Platform Platform
	// MaxConcurrency of zero reads MAX_CONCURRENCY.
	MaxConcurrency int
	// Env of nil reads WORKER_ENV_* from the process environment.
	Env    map[string]string
	Result pipe.ResultOptions
	Writer pipe.WriterOptions
}

// readyWaiter is implemented by platforms that can be probed before
// traffic is served.
type readyWaiter interface {
	WaitReady(ctx context.Context, attempts int, backoff time.Duration) error
}

type Daemon struct {
	sc       protocol.StartupContext
	opts     Options
	logger   *slog.Logger
	module   *Module
	platform Platform
	sem      *semaphore.Weighted
	limit    int

	logFiles []*os.File
	out      io.Writer

	writer *pipe.Writer
	wg     sync.WaitGroup
}

// New opens the daemon logs and loads the handler module. A module load
// failure is returned as a MODULE_LOAD_ERROR *protocol.Error.
func New(sc protocol.StartupContext, opts Options) (*Daemon, error) {
	outFile, err := openLog(sc.OutputLogPath)
	if err != nil {
		return nil, err
	}
	errFile, err := openLog(sc.ErrorLogPath)
	if err != nil {
		outFile.Close()
		return nil, err
	}

	out := lockedWriter{mu: new(sync.Mutex), w: outFile}
	errw := lockedWriter{mu: new(sync.Mutex), w: errFile}
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(newRoutingHandler(splitHandler{
		out: slog.NewTextHandler(out, handlerOpts),
		err: slog.NewTextHandler(errw, handlerOpts),
	})).With("worker", sc.WorkerID)

	platform := opts.Platform
	if platform == nil && sc.SideChannelURL != "" {
		platform = sidechannel.New(sc.SideChannelURL, sc.AuthToken, nil)
	}
	env := opts.Env
	if env == nil {
		env = WorkerEnv(os.Environ())
	}
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = MaxConcurrency(os.Getenv)
	}

	module, err := LoadModule(sc.ScriptPath, ModuleOptions{
		Platform: platform,
		Env:      env,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("handler module failed to load", "error", err)
		outFile.Close()
		errFile.Close()
		return nil, err
	}

	return &Daemon{
		sc:       sc,
		opts:     opts,
		logger:   logger,
		module:   module,
		platform: platform,
		sem:      semaphore.NewWeighted(int64(limit)),
		limit:    limit,
		logFiles: []*os.File{outFile, errFile},
		out:      out,
	}, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}

func (d *Daemon) Logger() *slog.Logger { return d.logger }

// Serve reads units until the platform sends shutdown or ctx is cancelled,
// waits for in-flight units, then writes a shutdown frame of its own.
func (d *Daemon) Serve(ctx context.Context) error {
	if w, ok := d.platform.(readyWaiter); ok {
		if err := w.WaitReady(ctx, 5, 100*time.Millisecond); err != nil {
			return fmt.Errorf("connect side channel: %w", err)
		}
	}

	reader := pipe.NewReader(d.sc.RequestPipe, d.logger)
	defer reader.Close()

	writer, err := pipe.OpenWriter(ctx, d.sc.ResponsePipe, d.opts.Writer)
	if err != nil {
		return fmt.Errorf("open response pipe: %w", err)
	}
	defer writer.Close()
	d.writer = writer

	d.logger.Info("daemon serving", "max_concurrency", d.limit,
		"handle_request", d.module.HasRequestHandler(), "handle_task", d.module.HasTaskHandler())

	// units outlive ctx so that cancellation drains rather than aborts
	units := context.WithoutCancel(ctx)
	reason := "daemon exiting"
	var serveErr error

read:
	for {
		msg, err := reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				reason = "terminated"
			} else {
				serveErr = fmt.Errorf("read request pipe: %w", err)
			}
			break read
		}
		switch m := msg.(type) {
		case *protocol.Request:
			d.wg.Add(1)
			go d.dispatch(units, m)
		case *protocol.Shutdown:
			if m.Reason != "" {
				reason = m.Reason
			}
			break read
		default:
			d.logger.Warn("unexpected frame on request pipe", "type", msg.MessageType())
		}
	}

	d.logger.Info("daemon draining", "reason", reason)
	d.wg.Wait()
	if err := writer.Send(units, &protocol.Shutdown{Reason: reason}); err != nil {
		d.logger.Warn("send shutdown frame", "error", err)
	}
	return serveErr
}

// Close releases the module runtime and log files.
func (d *Daemon) Close() error {
	d.module.Close()
	var errs []error
	for _, f := range d.logFiles {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

func (d *Daemon) dispatch(ctx context.Context, req *protocol.Request) {
	defer d.wg.Done()
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.sendError(ctx, req.ID, protocol.NewError(protocol.CodeShutdown, "daemon is stopping", err))
		return
	}
	defer d.sem.Release(1)

	rc := newRequestContext(ctx, req.ID, d.forwarder(ctx, req.ID))
	defer rc.flush(d.out)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("unit panicked", "request_id", req.ID, "panic", fmt.Sprint(r))
			d.sendError(ctx, req.ID, protocol.NewError(protocol.CodeDispatch, fmt.Sprintf("panic: %v", r), nil))
		}
	}()

	res, perr := d.run(rc, req)
	if perr != nil {
		d.logger.Warn("unit failed", "request_id", req.ID, "kind", req.Kind, "code", perr.Code, "error", perr.Message)
		d.sendError(ctx, req.ID, perr)
		return
	}

	var err error
	if req.Kind == protocol.KindTask {
		err = d.writer.Send(ctx, &protocol.Response{ID: req.ID, Success: true})
	} else {
		err = pipe.SendResult(ctx, d.writer, req.ID, res, d.opts.Result)
	}
	if err != nil {
		d.logger.Error("send result", "request_id", req.ID, "error", err)
		return
	}
	d.logger.Info("unit finished", "request_id", req.ID, "kind", req.Kind, "duration", time.Since(start))
}

func (d *Daemon) run(rc *RequestContext, req *protocol.Request) (*protocol.HandlerResult, *protocol.Error) {
	switch req.Kind {
	case protocol.KindRequest:
		if req.HTTP == nil {
			return nil, protocol.NewError(protocol.CodeDispatch, "request unit without http payload", nil)
		}
		httpReq, err := rebuildRequest(rc.Context(), req.HTTP)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeDispatch, "rebuild request", err)
		}
		var ident *protocol.Identity
		if !req.Internal {
			var perr *protocol.Error
			if ident, perr = d.authenticate(rc.Context(), httpReq); perr != nil {
				return nil, perr
			}
		}
		return d.module.HandleRequest(rc, Incoming{
			Request:  httpReq,
			Body:     req.HTTP.Body,
			Identity: ident,
			Internal: req.Internal,
		})

	case protocol.KindTask:
		if req.Task == nil || req.Task.Name == "" {
			return nil, protocol.NewError(protocol.CodeDispatch, "task unit without a task name", nil)
		}
		return nil, d.module.HandleTask(rc, *req.Task)

	default:
		return nil, protocol.NewError(protocol.CodeDispatch, fmt.Sprintf("unknown unit kind %q", req.Kind), nil)
	}
}

func (d *Daemon) authenticate(ctx context.Context, r *http.Request) (*protocol.Identity, *protocol.Error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, protocol.NewError(protocol.CodeAuth, "missing bearer token", nil)
	}
	if d.platform == nil {
		return nil, protocol.NewError(protocol.CodeAuth, "cannot authenticate", errNoPlatform)
	}
	ident, err := d.platform.Authenticate(ctx, token)
	if errors.Is(err, sidechannel.ErrUnauthorized) {
		return nil, protocol.NewError(protocol.CodeAuth, "invalid credentials", nil)
	}
	if err != nil {
		return nil, protocol.NewError(protocol.CodeAuth, "authentication failed", err)
	}
	return ident, nil
}

// forwarder sends console output for a unit as stdout_chunk frames.
func (d *Daemon) forwarder(ctx context.Context, id string) func(stream string, data []byte) {
	return func(stream string, data []byte) {
		err := d.writer.Send(ctx, &protocol.StdoutChunk{RequestID: id, Stream: stream, Data: string(data)})
		if err != nil {
			d.logger.Debug("forward console output", "request_id", id, "error", err)
		}
	}
}

func (d *Daemon) sendError(ctx context.Context, id string, perr *protocol.Error) {
	if err := pipe.SendError(ctx, d.writer, id, perr); err != nil {
		d.logger.Error("send error response", "request_id", id, "error", err)
	}
}

func rebuildRequest(ctx context.Context, sr *protocol.SerializedRequest) (*http.Request, error) {
	method := sr.Method
	if method == "" {
		method = http.MethodGet
	}
	r, err := http.NewRequestWithContext(ctx, method, sr.URL, bytes.NewReader(sr.Body))
	if err != nil {
		return nil, err
	}
	if sr.Header != nil {
		r.Header = sr.Header.Clone()
	}
	return r, nil
}
