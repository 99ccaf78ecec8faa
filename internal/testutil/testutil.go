package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/sandpipe/internal/config"
	"github.com/p-arndt/sandpipe/internal/store"
)

// TestConfig returns a Config with sensible test defaults rooted in a
// temporary directory.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Listen:     "127.0.0.1:0",
		DataDir:    dir,
		WorkRoot:   filepath.Join(dir, "workers"),
		BundleRoot: filepath.Join(dir, "bundles"),
		DBPath:     filepath.Join(dir, "sandpipe.db"),
		LogLevel:   "debug",
		UserTokens: map[string]string{"user-token": "user-1"},
		Pool: config.PoolConfig{
			IdleTimeout:  time.Minute,
			StartupDelay: -1,
			ReapInterval: time.Second,
			Retention:    time.Hour,
		},
		Pipe: config.PipeConfig{
			ChunkBytes:  64 * 1024,
			StaticBytes: 256 * 1024,
		},
	}
}

// NewTestStore creates a SQLite store in a temporary directory.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
