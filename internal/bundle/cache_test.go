package bundle

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// payloadServer serves archive after delay and counts downloads.
func payloadServer(t *testing.T, archive []byte, delay time.Duration) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(delay)
		w.Write(archive)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestCache(t *testing.T, root string, opts Options) *Cache {
	t.Helper()
	opts.Root = root
	opts.InProcessUnzip = true
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return New(opts, testLogger())
}

func TestPrepareDownloadsAndUnpacks(t *testing.T) {
	archive := buildZip(t, map[string]string{"index.js": "export {}", "lib/util.js": "// util"})
	srv, hits := payloadServer(t, archive, 0)
	c := newTestCache(t, t.TempDir(), Options{})

	dir, err := c.Prepare(context.Background(), "app1", srv.URL, "h1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root(), "app1", "h1", "code"), dir)

	data, err := os.ReadFile(filepath.Join(dir, "lib", "util.js"))
	require.NoError(t, err)
	assert.Equal(t, "// util", string(data))
	assert.FileExists(t, filepath.Join(c.Root(), "app1", "h1", readyFileName))
	assert.NoFileExists(t, filepath.Join(c.Root(), "app1", "h1", lockFileName))

	// Ready entries are served without another download.
	_, err = c.Prepare(context.Background(), "app1", srv.URL, "h1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestConcurrentPrepareDownloadsOnce(t *testing.T) {
	archive := buildZip(t, map[string]string{"index.js": "x"})
	srv, hits := payloadServer(t, archive, 100*time.Millisecond)
	root := t.TempDir()

	// Two caches on one root stand in for two platform processes.
	caches := []*Cache{newTestCache(t, root, Options{}), newTestCache(t, root, Options{})}

	var wg sync.WaitGroup
	dirs := make([]string, 8)
	errs := make([]error, 8)
	for i := range dirs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dirs[i], errs[i] = caches[i%2].Prepare(context.Background(), "app", srv.URL, "h")
		}(i)
	}
	wg.Wait()

	for i := range dirs {
		require.NoError(t, errs[i])
		assert.Equal(t, dirs[0], dirs[i])
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.FileExists(t, filepath.Join(dirs[0], "index.js"))
}

func TestPrepareTimesOutWhileLockHeld(t *testing.T) {
	root := t.TempDir()
	c := newTestCache(t, root, Options{ReadyTimeout: 100 * time.Millisecond})

	entry := filepath.Join(root, "app", "h")
	require.NoError(t, os.MkdirAll(entry, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(entry, lockFileName), nil, 0o644))

	_, err := c.Prepare(context.Background(), "app", "http://127.0.0.1:1/unused", "h")
	assert.ErrorIs(t, err, ErrReadyTimeout)
}

func TestPrepareTakesOverAbandonedLock(t *testing.T) {
	archive := buildZip(t, map[string]string{"index.js": "x"})
	srv, hits := payloadServer(t, archive, 0)
	root := t.TempDir()
	c := newTestCache(t, root, Options{ReadyTimeout: 5 * time.Second})

	entry := filepath.Join(root, "app", "h")
	lock := filepath.Join(entry, lockFileName)
	require.NoError(t, os.MkdirAll(entry, 0o755))
	require.NoError(t, os.WriteFile(lock, nil, 0o644))
	time.AfterFunc(50*time.Millisecond, func() { os.Remove(lock) })

	dir, err := c.Prepare(context.Background(), "app", srv.URL, "h")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "index.js"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestPrepareVerifiesHash(t *testing.T) {
	archive := buildZip(t, map[string]string{"index.js": "x"})
	srv, _ := payloadServer(t, archive, 0)
	c := newTestCache(t, t.TempDir(), Options{VerifyHash: true})

	_, err := c.Prepare(context.Background(), "app", srv.URL, "deadbeef")
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.NoFileExists(t, filepath.Join(c.Root(), "app", "deadbeef", lockFileName))
	assert.NoFileExists(t, filepath.Join(c.Root(), "app", "deadbeef", readyFileName))

	digest, err := Digest(bytes.NewReader(archive))
	require.NoError(t, err)
	dir, err := c.Prepare(context.Background(), "app", srv.URL, "blake3:"+digest)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "index.js"))
}

func TestPrepareDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newTestCache(t, t.TempDir(), Options{})

	_, err := c.Prepare(context.Background(), "app", srv.URL, "h")
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(c.Root(), "app", "h", lockFileName))
}

func TestPrepareRejectsInvalidKey(t *testing.T) {
	c := newTestCache(t, t.TempDir(), Options{})
	for _, key := range [][2]string{{"", "h"}, {"app", ""}, {"..", "h"}, {"app", "a/b"}} {
		_, err := c.Prepare(context.Background(), key[0], "http://unused", key[1])
		assert.ErrorIs(t, err, ErrInvalidKey, "key %v", key)
	}
}

func TestExtractRejectsZipSlip(t *testing.T) {
	archive := buildZip(t, map[string]string{"../evil.js": "x"})
	path := filepath.Join(t.TempDir(), "a.zip")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	assert.Error(t, extract(path, dest))
}

func TestPurge(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	c := newTestCache(t, root, Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "h", "code"), 0o755))

	require.NoError(t, c.Purge())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
