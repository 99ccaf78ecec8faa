package reaper

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandpipe/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListRunningWorkers() ([]*store.Worker, error) {
	args := m.Called()
	if workers := args.Get(0); workers != nil {
		return workers.([]*store.Worker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) FinishWorker(id, status, exitError string) error {
	args := m.Called(id, status, exitError)
	return args.Error(0)
}

func (m *MockReaperStore) PruneWorkers(cutoff time.Time) (int64, error) {
	args := m.Called(cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockReaperPool mocks the ReaperPool interface.
type MockReaperPool struct {
	mock.Mock
}

func (m *MockReaperPool) ReapIdle(now time.Time) int {
	args := m.Called(now)
	return args.Int(0)
}

func (m *MockReaperPool) Owns(id string) bool {
	args := m.Called(id)
	return args.Bool(0)
}

// MockReaperProcesses mocks the ReaperProcesses interface.
type MockReaperProcesses struct {
	mock.Mock
}

func (m *MockReaperProcesses) Alive(pid int) bool {
	args := m.Called(pid)
	return args.Bool(0)
}

func (m *MockReaperProcesses) Terminate(pid int) error {
	args := m.Called(pid)
	return args.Error(0)
}
