package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Listen)
	assert.Equal(t, "bwrap", cfg.Launcher.Path)
	assert.Equal(t, -1, cfg.Launcher.UID)
	assert.True(t, cfg.Launcher.ShareNet)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Bundles.ReadyTimeout)
	assert.Equal(t, 64*1024, cfg.Pipe.ChunkBytes)
	assert.Equal(t, 256*1024, cfg.Pipe.StaticBytes)
	assert.Equal(t, filepath.Join("./sandpipe-data", "workers"), cfg.WorkRoot)
	assert.Equal(t, filepath.Join("./sandpipe-data", "sandpipe.db"), cfg.DBPath)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
data_dir: /var/lib/sandpipe
user_tokens:
  tok-1: alice
launcher:
  uid: 1000
  gid: 1000
  share_net: false
pool:
  idle_timeout: 90s
pipe:
  chunk_size: 1MiB
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "alice", cfg.UserTokens["tok-1"])
	assert.Equal(t, 1000, cfg.Launcher.UID)
	assert.False(t, cfg.Launcher.ShareNet)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 1024*1024, cfg.Pipe.ChunkBytes)
	assert.Equal(t, "/var/lib/sandpipe/bundles", cfg.BundleRoot)
	// untouched sections keep their defaults
	assert.Equal(t, 250*time.Millisecond, cfg.Bundles.PollInterval)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", cfg.Listen)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestLoadBadSize(t *testing.T) {
	t.Setenv("SANDPIPE_CHUNK_SIZE", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "pipe.chunk_size")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDPIPE_LISTEN", "0.0.0.0:7777")
	t.Setenv("SANDPIPE_DATA_DIR", "/srv/sp")
	t.Setenv("SANDPIPE_DB_PATH", "/tmp/test.db")
	t.Setenv("SANDPIPE_SHARE_NET", "false")
	t.Setenv("SANDPIPE_SYSTEM_PATHS", "/usr,/lib")
	t.Setenv("SANDPIPE_IDLE_TIMEOUT", "1m")
	t.Setenv("SANDPIPE_VERIFY_HASH", "true")
	t.Setenv("SANDPIPE_USER_TOKENS", "a:alice,b:bob,broken")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7777", cfg.Listen)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "/srv/sp/workers", cfg.WorkRoot)
	assert.False(t, cfg.Launcher.ShareNet)
	assert.Equal(t, []string{"/usr", "/lib"}, cfg.Launcher.SystemPaths)
	assert.Equal(t, time.Minute, cfg.Pool.IdleTimeout)
	assert.True(t, cfg.Bundles.VerifyHash)
	assert.Equal(t, map[string]string{"a": "alice", "b": "bob"}, cfg.UserTokens)
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	t.Setenv("SANDPIPE_SHARE_NET", "maybe")
	t.Setenv("SANDPIPE_IDLE_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Launcher.ShareNet)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
}
