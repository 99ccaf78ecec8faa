package api

import (
	"sync"

	"github.com/p-arndt/sandpipe/protocol"
)

// Tokens maps worker auth tokens to the worker they were issued for. The
// pool grants a token when it spawns a worker and revokes it on teardown.
type Tokens struct {
	mu     sync.RWMutex
	grants map[string]protocol.WorkerGrant
}

func NewTokens() *Tokens {
	return &Tokens{grants: make(map[string]protocol.WorkerGrant)}
}

func (t *Tokens) Grant(token string, grant protocol.WorkerGrant) {
	t.mu.Lock()
	t.grants[token] = grant
	t.mu.Unlock()
}

func (t *Tokens) Revoke(token string) {
	t.mu.Lock()
	delete(t.grants, token)
	t.mu.Unlock()
}

func (t *Tokens) Lookup(token string) (protocol.WorkerGrant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.grants[token]
	return g, ok
}

func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.grants)
}
