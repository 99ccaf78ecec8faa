package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandpipe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestReaper(st *MockReaperStore, pl *MockReaperPool, procs *MockReaperProcesses) *Reaper {
	r := New(st, pl, time.Minute, testLogger())
	r.procs = procs
	return r
}

func TestSweep_ReapsIdle(t *testing.T) {
	st := &MockReaperStore{}
	pl := &MockReaperPool{}
	r := newTestReaper(st, pl, &MockReaperProcesses{})

	now := time.Now()
	pl.On("ReapIdle", now).Return(2)

	r.sweep(now)

	pl.AssertExpectations(t)
	st.AssertNotCalled(t, "PruneWorkers", mock.Anything)
}

func TestSweep_PrunesWithRetention(t *testing.T) {
	st := &MockReaperStore{}
	pl := &MockReaperPool{}
	r := newTestReaper(st, pl, &MockReaperProcesses{})
	r.SetRetention(time.Hour)

	now := time.Now()
	pl.On("ReapIdle", now).Return(0)
	st.On("PruneWorkers", now.Add(-time.Hour)).Return(int64(3), nil)

	r.sweep(now)

	st.AssertExpectations(t)
}

func TestSweep_PruneError(t *testing.T) {
	st := &MockReaperStore{}
	pl := &MockReaperPool{}
	r := newTestReaper(st, pl, &MockReaperProcesses{})
	r.SetRetention(time.Hour)

	pl.On("ReapIdle", mock.Anything).Return(0)
	st.On("PruneWorkers", mock.Anything).Return(int64(0), errors.New("db locked"))

	require.NotPanics(t, func() { r.sweep(time.Now()) })
}

func TestReconcile_StaleRecords(t *testing.T) {
	st := &MockReaperStore{}
	pl := &MockReaperPool{}
	procs := &MockReaperProcesses{}
	r := newTestReaper(st, pl, procs)

	st.On("ListRunningWorkers").Return([]*store.Worker{
		{ID: "dead", PID: 100},
		{ID: "orphan", PID: 200},
		{ID: "live", PID: 300},
	}, nil)
	pl.On("Owns", "dead").Return(false)
	pl.On("Owns", "orphan").Return(false)
	pl.On("Owns", "live").Return(true)
	procs.On("Alive", 100).Return(false)
	procs.On("Alive", 200).Return(true)
	procs.On("Terminate", 200).Return(nil)
	st.On("FinishWorker", "dead", store.WorkerCrashed, mock.Anything).Return(nil)
	st.On("FinishWorker", "orphan", store.WorkerCrashed, mock.Anything).Return(nil)

	r.reconcile()

	st.AssertExpectations(t)
	procs.AssertExpectations(t)
	procs.AssertNotCalled(t, "Alive", 300)
	st.AssertNotCalled(t, "FinishWorker", "live", mock.Anything, mock.Anything)
}

func TestReconcile_ListError(t *testing.T) {
	st := &MockReaperStore{}
	pl := &MockReaperPool{}
	r := newTestReaper(st, pl, &MockReaperProcesses{})

	st.On("ListRunningWorkers").Return(nil, errors.New("db error"))

	r.reconcile()

	pl.AssertNotCalled(t, "Owns", mock.Anything)
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := &MockReaperStore{}
	pl := &MockReaperPool{}
	r := New(st, pl, 10*time.Millisecond, testLogger())

	st.On("ListRunningWorkers").Return([]*store.Worker{}, nil)
	pl.On("ReapIdle", mock.Anything).Return(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
	st.AssertCalled(t, "ListRunningWorkers")
	pl.AssertCalled(t, "ReapIdle", mock.Anything)
}
