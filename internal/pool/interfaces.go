package pool

import (
	"context"

	"github.com/p-arndt/sandpipe/internal/store"
	"github.com/p-arndt/sandpipe/protocol"
)

// BundlePreparer returns the host directory holding an app's unpacked code.
// *bundle.Cache satisfies it.
type BundlePreparer interface {
	Prepare(ctx context.Context, appID, payloadURL, bundleHash string) (string, error)
}

// DepMirror returns the dependency mirror directory, building it once.
// *sandbox.Mirror satisfies it.
type DepMirror interface {
	Ensure() (string, error)
}

// WorkerStore records worker lifecycles. *store.Store satisfies it.
type WorkerStore interface {
	CreateWorker(w *store.Worker) error
	FinishWorker(id, status, exitError string) error
}

// TokenRegistry learns which worker owns which side-channel token.
type TokenRegistry interface {
	Grant(token string, grant protocol.WorkerGrant)
	Revoke(token string)
}
