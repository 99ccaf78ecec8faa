// Package pipe implements the framed transport over a worker's pair of
// named pipes: one platform → sandbox for requests, one back for responses.
package pipe

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FIFOMode lets both the host process and the unprivileged sandbox user
// open either end.
const FIFOMode = 0o666

var (
	// ErrClosed is returned by Reader and Writer operations after Close.
	ErrClosed = errors.New("pipe closed")

	// ErrNoReader is returned by OpenWriter when nobody opened the read end
	// within the open timeout.
	ErrNoReader = errors.New("no reader on pipe")

	// ErrWriteRetriesExhausted is returned when the pipe stayed full for
	// more consecutive attempts than the writer allows.
	ErrWriteRetriesExhausted = errors.New("pipe write retries exhausted")
)

// Create makes a FIFO at path, replacing whatever was there.
func Create(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale %s: %w", path, err)
	}
	if err := unix.Mkfifo(path, FIFOMode); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	// The process umask strips group/other bits from mkfifo.
	if err := os.Chmod(path, FIFOMode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// Remove deletes the given FIFOs, ignoring ones that are already gone.
func Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsFIFO reports whether path exists and is a named pipe.
func IsFIFO(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeNamedPipe != 0
}

// wakeReader unblocks a reader stuck in open(2) by briefly appearing as a
// writer. ENXIO just means nobody is waiting.
func wakeReader(path string) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err == nil {
		unix.Close(fd)
	}
}
