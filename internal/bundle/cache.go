// Package bundle maintains the on-disk cache of unpacked application code,
// one directory per (app, bundle hash), shared by every worker and by every
// platform process on the host.
package bundle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

const (
	codeDirName   = "code"
	readyFileName = ".ready"
	lockFileName  = ".lock"
	hashPrefix    = "blake3:"
)

var (
	ErrInvalidKey   = errors.New("invalid bundle key")
	ErrReadyTimeout = errors.New("timed out waiting for bundle to become ready")
	ErrHashMismatch = errors.New("bundle hash mismatch")
)

type Options struct {
	Root         string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// UnzipBinary is looked up on PATH; when missing the archive is
	// extracted in process.
	UnzipBinary    string
	InProcessUnzip bool
	// VerifyHash requires the archive's BLAKE3 digest to equal the bundle hash.
	VerifyHash bool
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.UnzipBinary == "" {
		o.UnzipBinary = "unzip"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return o
}

type Cache struct {
	opts   Options
	logger *slog.Logger
	group  singleflight.Group
}

func New(opts Options, logger *slog.Logger) *Cache {
	return &Cache{opts: opts.withDefaults(), logger: logger}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.opts.Root }

// Purge removes everything under the root. Call it once at startup,
// before any worker is created.
func (c *Cache) Purge() error {
	if err := os.RemoveAll(c.opts.Root); err != nil {
		return fmt.Errorf("purge bundle cache: %w", err)
	}
	if err := os.MkdirAll(c.opts.Root, 0o755); err != nil {
		return fmt.Errorf("create bundle cache root: %w", err)
	}
	return nil
}

// Prepare returns the directory holding the unpacked bundle, downloading
// and unpacking it first if no process on this host has done so yet.
func (c *Cache) Prepare(ctx context.Context, appID, payloadURL, bundleHash string) (string, error) {
	if err := validKey(appID, bundleHash); err != nil {
		return "", err
	}

	key := appID + "/" + bundleHash
	ch := c.group.DoChan(key, func() (any, error) {
		return c.prepare(context.WithoutCancel(ctx), appID, payloadURL, bundleHash)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func validKey(parts ...string) error {
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, p)
		}
	}
	return nil
}

func (c *Cache) entryDir(appID, bundleHash string) string {
	return filepath.Join(c.opts.Root, appID, bundleHash)
}

func (c *Cache) prepare(ctx context.Context, appID, payloadURL, bundleHash string) (string, error) {
	dir := c.entryDir(appID, bundleHash)
	codeDir := filepath.Join(dir, codeDirName)
	if isReady(dir) {
		return codeDir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}

	deadline := time.Now().Add(c.opts.ReadyTimeout)
	for {
		unlock, err := tryLock(dir)
		if err != nil {
			return "", err
		}
		if unlock != nil {
			err := c.populate(ctx, dir, codeDir, payloadURL, bundleHash)
			unlock()
			if err != nil {
				return "", err
			}
			return codeDir, nil
		}

		ready, err := c.waitReady(ctx, dir, deadline)
		if err != nil {
			return "", err
		}
		if ready {
			return codeDir, nil
		}
		// The lock went away without a marker; the holder failed.
		c.logger.Warn("bundle lock released without ready marker, retrying", "app_id", appID, "hash", bundleHash)
	}
}

func isReady(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, readyFileName))
	return err == nil
}

// tryLock creates the lock file exclusively. It returns a nil unlock func
// when another process holds the lock.
func tryLock(dir string) (func(), error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("create bundle lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}

func (c *Cache) waitReady(ctx context.Context, dir string, deadline time.Time) (bool, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	lockPath := filepath.Join(dir, lockFileName)
	for {
		if isReady(dir) {
			return true, nil
		}
		if _, err := os.Stat(lockPath); errors.Is(err, os.ErrNotExist) {
			return isReady(dir), nil
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("%w: %s", ErrReadyTimeout, dir)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cache) populate(ctx context.Context, dir, codeDir, payloadURL, bundleHash string) error {
	// Another process may have finished between our marker check and the lock.
	if isReady(dir) {
		return nil
	}
	start := time.Now()

	archive, digest, err := c.download(ctx, dir, payloadURL)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	if c.opts.VerifyHash && !strings.EqualFold(strings.TrimPrefix(bundleHash, hashPrefix), digest) {
		return fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, bundleHash, digest)
	}

	staging, err := os.MkdirTemp(dir, ".staging-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := c.unpack(ctx, archive, staging); err != nil {
		return err
	}
	if err := os.RemoveAll(codeDir); err != nil {
		return fmt.Errorf("clear code dir: %w", err)
	}
	if err := os.Rename(staging, codeDir); err != nil {
		return fmt.Errorf("install code dir: %w", err)
	}
	if err := writeMarker(dir); err != nil {
		return err
	}

	c.logger.Info("bundle prepared", "dir", codeDir, "duration", time.Since(start))
	return nil
}

// download streams the payload to a temp file in dir and returns its path
// together with the hex BLAKE3 digest of its contents.
func (c *Cache) download(ctx context.Context, dir, payloadURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payloadURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("download bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("download bundle: unexpected status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, ".payload-*.zip")
	if err != nil {
		return "", "", fmt.Errorf("create payload file: %w", err)
	}
	hasher := blake3.New()
	_, copyErr := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(f.Name())
		return "", "", fmt.Errorf("write payload: %w", err)
	}
	return f.Name(), hex.EncodeToString(hasher.Sum(nil)), nil
}

func writeMarker(dir string) error {
	tmp, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("create ready marker: %w", err)
	}
	fmt.Fprintf(tmp, "%s\n", time.Now().UTC().Format(time.RFC3339))
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write ready marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, readyFileName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish ready marker: %w", err)
	}
	return nil
}

// Digest returns the hex BLAKE3 digest of r, in the form Prepare compares
// against when VerifyHash is set.
func Digest(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
