// Package reaper periodically reaps idle workers and, once at startup,
// reconciles worker records left behind by a previous platform process.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/sandpipe/internal/store"
)

type Reaper struct {
	store     ReaperStore
	pool      ReaperPool
	procs     ReaperProcesses
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

func New(st ReaperStore, pl ReaperPool, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		pool:     pl,
		procs:    hostProcesses{},
		interval: interval,
		logger:   logger,
	}
}

// SetRetention makes every sweep delete finished worker records older
// than d. Zero keeps them forever.
func (r *Reaper) SetRetention(d time.Duration) {
	r.retention = d
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.reconcile()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Reaper) sweep(now time.Time) {
	if n := r.pool.ReapIdle(now); n > 0 {
		r.logger.Info("reaper: reaped idle workers", "count", n)
	}

	if r.retention <= 0 {
		return
	}
	n, err := r.store.PruneWorkers(now.Add(-r.retention))
	if err != nil {
		r.logger.Error("reaper: prune worker records", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("reaper: pruned worker records", "count", n)
	}
}

// reconcile marks worker records that no live pool entry owns as crashed,
// signalling their process if it somehow survived.
func (r *Reaper) reconcile() {
	r.logger.Info("reconciliation starting")

	running, err := r.store.ListRunningWorkers()
	if err != nil {
		r.logger.Error("reconcile: list running workers", "error", err)
		return
	}

	for _, w := range running {
		if r.pool.Owns(w.ID) {
			continue
		}
		if r.procs.Alive(w.PID) {
			r.logger.Warn("reconcile: terminating orphaned worker process", "worker_id", w.ID, "pid", w.PID)
			if err := r.procs.Terminate(w.PID); err != nil {
				r.logger.Warn("reconcile: terminate", "worker_id", w.ID, "pid", w.PID, "error", err)
			}
		}
		r.logger.Warn("reconcile: stale worker record, marking crashed", "worker_id", w.ID)
		if err := r.store.FinishWorker(w.ID, store.WorkerCrashed, "platform restarted"); err != nil {
			r.logger.Error("reconcile: update status", "worker_id", w.ID, "error", err)
		}
	}

	r.logger.Info("reconciliation complete")
}
