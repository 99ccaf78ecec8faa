package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecDriver runs the launcher as a child process and forwards its
// stdout and stderr to the logger line by line.
type ExecDriver struct {
	logger *slog.Logger
}

func NewExecDriver(logger *slog.Logger) *ExecDriver {
	return &ExecDriver{logger: logger}
}

func (d *ExecDriver) Start(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	logger := d.logger.With("worker", spec.Name, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); passThrough(logger, "stdout", stdout) }()
	go func() { defer wg.Done(); passThrough(logger, "stderr", stderr) }()
	go func() {
		// Wait closes the pipes, so drain them first.
		wg.Wait()
		p.err = cmd.Wait()
		close(p.done)
		logger.Debug("worker process exited", "error", p.err)
	}()

	logger.Debug("worker process started", "path", spec.Path)
	return p, nil
}

func passThrough(logger *slog.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info("worker output", "stream", stream, "line", scanner.Text())
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) PID() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{}    { return p.done }
func (p *execProcess) ExitErr() error           { return p.err }
func (p *execProcess) Signal(s os.Signal) error { return ignoreDone(p.cmd.Process.Signal(s)) }
func (p *execProcess) Kill() error              { return ignoreDone(p.cmd.Process.Kill()) }

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Alive reports whether pid names a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM to pid. A missing process is not an error.
func Terminate(pid int) error {
	return signalPID(pid, unix.SIGTERM)
}

// ForceKill sends SIGKILL to pid. A missing process is not an error.
func ForceKill(pid int) error {
	return signalPID(pid, unix.SIGKILL)
}

func signalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}
