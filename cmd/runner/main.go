// runner is the daemon launched inside every worker sandbox. It loads the
// application's handler module once and serves units read from the
// request pipe until the platform asks it to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/p-arndt/sandpipe/internal/daemon"
	"github.com/p-arndt/sandpipe/protocol"
)

const (
	exitOK         = 0
	exitError      = 1
	exitModuleLoad = 2
)

func main() {
	if len(os.Args) != 3 || os.Args[1] != "serve" {
		fmt.Fprintf(os.Stderr, "usage: runner serve '<startup-context-json>'\n")
		os.Exit(exitError)
	}
	os.Exit(run(os.Args[2]))
}

func run(arg string) int {
	sc, err := daemon.ParseStartup(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runner: %v\n", err)
		return exitError
	}

	d, err := daemon.New(sc, daemon.Options{
		MaxConcurrency: daemon.MaxConcurrency(os.Getenv),
		Result:         daemon.ResultOptions(os.Getenv),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "runner: %v\n", err)
		if errors.Is(err, &protocol.Error{Code: protocol.CodeModuleLoad}) {
			return exitModuleLoad
		}
		return exitError
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.Serve(ctx); err != nil {
		d.Logger().Error("daemon stopped", "error", err)
		return exitError
	}
	d.Logger().Info("daemon exited")
	return exitOK
}
