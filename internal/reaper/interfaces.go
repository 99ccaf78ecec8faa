package reaper

import (
	"time"

	"github.com/p-arndt/sandpipe/internal/runtime"
	"github.com/p-arndt/sandpipe/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListRunningWorkers() ([]*store.Worker, error)
	FinishWorker(id, status, exitError string) error
	PruneWorkers(cutoff time.Time) (int64, error)
}

// ReaperPool abstracts the worker pool.
type ReaperPool interface {
	ReapIdle(now time.Time) int
	Owns(id string) bool
}

// ReaperProcesses probes and signals host processes.
type ReaperProcesses interface {
	Alive(pid int) bool
	Terminate(pid int) error
}

type hostProcesses struct{}

func (hostProcesses) Alive(pid int) bool      { return runtime.Alive(pid) }
func (hostProcesses) Terminate(pid int) error { return runtime.Terminate(pid) }
