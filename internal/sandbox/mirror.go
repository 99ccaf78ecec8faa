package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Mirror is a directory of symlinks to the runtime files a sandboxed
// process needs, bound read-only into every sandbox. It is built once and
// reused by all workers.
type Mirror struct {
	dir     string
	entries map[string]string

	once sync.Once
	err  error
}

// NewMirror creates a mirror at dir. entries maps link names to sources;
// a source that is not absolute is looked up on PATH.
func NewMirror(dir string, entries map[string]string) *Mirror {
	return &Mirror{dir: dir, entries: entries}
}

func (m *Mirror) Dir() string { return m.dir }

// Ensure builds the mirror on first use and returns its directory.
func (m *Mirror) Ensure() (string, error) {
	m.once.Do(func() { m.err = m.build() })
	if m.err != nil {
		return "", m.err
	}
	return m.dir, nil
}

func (m *Mirror) build() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create dependency mirror: %w", err)
	}
	for name, source := range m.entries {
		target, err := resolve(source)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		link := filepath.Join(m.dir, name)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(link), err)
		}
		if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("replace %s: %w", link, err)
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("link %s: %w", name, err)
		}
	}
	return nil
}

func resolve(source string) (string, error) {
	path := source
	if !filepath.IsAbs(path) {
		found, err := exec.LookPath(source)
		if err != nil {
			return "", err
		}
		path, err = filepath.Abs(found)
		if err != nil {
			return "", err
		}
	}
	return filepath.EvalSymlinks(path)
}
