package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	args, err := NewBuilder().Build(&LaunchSpec{
		Mounts: []Mount{
			{Source: "/host/cache/app/h/code", Dest: "/app", ReadOnly: true},
			{Source: "/host/w/tmp", Dest: "/tmp"},
		},
		Env:     map[string]string{"B": "2", "A": "1"},
		UID:     65534,
		GID:     65534,
		Command: []string{"/deps/runner", "serve", "{}"},
	})
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--ro-bind /host/cache/app/h/code /app")
	assert.Contains(t, joined, "--bind /host/w/tmp /tmp")
	assert.Contains(t, joined, "--uid 65534 --gid 65534")
	assert.Contains(t, joined, "--unshare-net")
	assert.Contains(t, joined, "--clearenv --setenv A 1 --setenv B 2 --")
	assert.Equal(t, []string{"--", "/deps/runner", "serve", "{}"}, args[len(args)-4:])
}

func TestBuildOrdersParentsFirst(t *testing.T) {
	args, err := NewBuilder().Build(&LaunchSpec{
		Mounts: []Mount{
			{Source: "/a", Dest: "/app/lib"},
			{Source: "/b", Dest: "/app"},
		},
		UID: -1, GID: -1,
		Command: []string{"x"},
	})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Less(t, strings.Index(joined, "/b /app"), strings.Index(joined, "/a /app/lib"))
	assert.NotContains(t, joined, "--uid")
}

func TestBuildBindsRootBeforeNested(t *testing.T) {
	args, err := NewBuilder().Build(&LaunchSpec{
		Mounts: []Mount{
			{Source: "/w/tmp", Dest: "/tmp"},
			{Source: "/w/root", Dest: "/"},
		},
		UID: -1, GID: -1,
		Command: []string{"x"},
	})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Less(t, strings.Index(joined, "/w/root /"), strings.Index(joined, "/w/tmp /tmp"))
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, depth("/"))
	assert.Equal(t, 1, depth("/tmp"))
	assert.Equal(t, 1, depth("/tmp/"))
	assert.Equal(t, 2, depth("/tmp/logs"))
}

func TestBuildValidation(t *testing.T) {
	_, err := NewBuilder().Build(&LaunchSpec{})
	assert.Error(t, err)

	_, err = NewBuilder().Build(&LaunchSpec{Mounts: []Mount{{Source: "/a", Dest: "rel"}}, Command: []string{"x"}})
	assert.Error(t, err)
}

func TestHostPath(t *testing.T) {
	mounts := []Mount{
		{Source: "/w/root", Dest: "/"},
		{Source: "/w/tmp", Dest: "/tmp"},
		{Source: "/w/logs", Dest: "/tmp/logs"},
	}
	p, ok := HostPath(mounts, "/tmp/logs/out.log")
	require.True(t, ok)
	assert.Equal(t, "/w/logs/out.log", p)

	p, ok = HostPath(mounts, "/tmp/request.pipe")
	require.True(t, ok)
	assert.Equal(t, "/w/tmp/request.pipe", p)

	_, ok = HostPath(mounts[1:], "/etc/passwd")
	assert.False(t, ok)
}

func TestDetectSystemPaths(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "usr")
	require.NoError(t, os.Mkdir(present, 0o755))

	mounts := detectSystemPaths([]string{present, filepath.Join(dir, "missing")})
	require.Len(t, mounts, 1)
	assert.Equal(t, Mount{Source: present, Dest: present, ReadOnly: true}, mounts[0])
}

func TestMirrorBuiltOnce(t *testing.T) {
	src := filepath.Join(t.TempDir(), "libfoo.so")
	require.NoError(t, os.WriteFile(src, []byte("elf"), 0o644))

	dir := filepath.Join(t.TempDir(), "deps")
	m := NewMirror(dir, map[string]string{"lib/libfoo.so": src})

	got, err := m.Ensure()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	target, err := os.Readlink(filepath.Join(dir, "lib", "libfoo.so"))
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(src)
	assert.Equal(t, resolved, target)

	// A second call does not rebuild.
	require.NoError(t, os.Remove(filepath.Join(dir, "lib", "libfoo.so")))
	_, err = m.Ensure()
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "lib", "libfoo.so"))
}

func TestMirrorMissingSource(t *testing.T) {
	m := NewMirror(t.TempDir(), map[string]string{"x": "/definitely/not/here"})
	_, err := m.Ensure()
	assert.Error(t, err)
}
