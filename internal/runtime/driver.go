// Package runtime starts sandboxed worker processes. The pool talks to a
// Driver so tests can substitute an in-process daemon for the launcher.
package runtime

import (
	"context"
	"os"

	"github.com/p-arndt/sandpipe/internal/sandbox"
	"github.com/p-arndt/sandpipe/protocol"
)

// Spec is everything needed to start one worker.
type Spec struct {
	// Name labels the process in logs.
	Name string
	// Path and Args form the launcher invocation.
	Path string
	Args []string
	Dir  string
	// Mounts and Startup describe what the launcher was told, for drivers
	// that do not go through a real launcher.
	Mounts  []sandbox.Mount
	Startup protocol.StartupContext
	Env     map[string]string
}

// Process is a started worker.
type Process interface {
	PID() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr is nil for a zero exit status. Only valid after Done.
	ExitErr() error
	Signal(sig os.Signal) error
	Kill() error
}

type Driver interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}
