package pool

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandpipe/internal/store"
	"github.com/p-arndt/sandpipe/protocol"
)

// MockWorkerStore mocks the WorkerStore interface.
type MockWorkerStore struct {
	mock.Mock
}

func (m *MockWorkerStore) CreateWorker(w *store.Worker) error {
	args := m.Called(w)
	return args.Error(0)
}

func (m *MockWorkerStore) FinishWorker(id, status, exitError string) error {
	args := m.Called(id, status, exitError)
	return args.Error(0)
}

// fakeTokens is an in-memory TokenRegistry.
type fakeTokens struct {
	mu     sync.Mutex
	grants map[string]protocol.WorkerGrant
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{grants: make(map[string]protocol.WorkerGrant)}
}

func (f *fakeTokens) Grant(token string, g protocol.WorkerGrant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[token] = g
}

func (f *fakeTokens) Revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants, token)
}

func (f *fakeTokens) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grants)
}
