// Package sandbox builds the command line for the external sandbox
// launcher. The launcher is bubblewrap-compatible; this package does not
// implement any isolation itself.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultLauncher is the launcher binary looked up on PATH.
const DefaultLauncher = "bwrap"

// Mount binds Source on the host to Dest inside the sandbox.
type Mount struct {
	Source   string
	Dest     string
	ReadOnly bool
}

// LaunchSpec describes one sandboxed process.
type LaunchSpec struct {
	Mounts []Mount
	// TmpfsDirs are mounted as empty tmpfs inside the sandbox.
	TmpfsDirs []string
	Env       map[string]string
	// UID and GID drop privileges inside the user namespace. Negative
	// values keep the launcher's defaults.
	UID, GID int
	// ShareNet keeps the host network namespace. The daemon needs it to
	// reach the side channel over loopback.
	ShareNet bool
	Chdir    string
	Command  []string
}

// Builder assembles launcher arguments.
type Builder struct {
	args []string
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Build returns the launcher arguments for spec, not including the
// launcher binary itself.
func (b *Builder) Build(spec *LaunchSpec) ([]string, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	b.args = []string{
		"--unshare-user",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-cgroup-try",
	}
	if !spec.ShareNet {
		b.args = append(b.args, "--unshare-net")
	}
	b.args = append(b.args, "--die-with-parent", "--new-session")
	if spec.UID >= 0 {
		b.args = append(b.args, "--uid", strconv.Itoa(spec.UID))
	}
	if spec.GID >= 0 {
		b.args = append(b.args, "--gid", strconv.Itoa(spec.GID))
	}

	b.args = append(b.args, "--proc", "/proc", "--dev", "/dev")

	mounts := append([]Mount(nil), spec.Mounts...)
	// Parents before children so nested binds are not shadowed.
	sort.SliceStable(mounts, func(i, j int) bool {
		return depth(mounts[i].Dest) < depth(mounts[j].Dest)
	})
	for _, m := range mounts {
		if err := b.addMount(m); err != nil {
			return nil, err
		}
	}
	for _, dir := range spec.TmpfsDirs {
		b.args = append(b.args, "--tmpfs", dir)
	}
	if spec.Chdir != "" {
		b.args = append(b.args, "--chdir", spec.Chdir)
	}

	b.args = append(b.args, "--clearenv")
	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.args = append(b.args, "--setenv", key, spec.Env[key])
	}

	b.args = append(b.args, "--")
	b.args = append(b.args, spec.Command...)
	return b.args, nil
}

func (b *Builder) addMount(m Mount) error {
	if m.Source == "" || m.Dest == "" {
		return fmt.Errorf("mount requires source and destination: %+v", m)
	}
	if !filepath.IsAbs(m.Dest) {
		return fmt.Errorf("mount destination must be absolute: %q", m.Dest)
	}
	flag := "--bind"
	if m.ReadOnly {
		flag = "--ro-bind"
	}
	b.args = append(b.args, flag, m.Source, m.Dest)
	return nil
}

// depth counts the components of p: 0 for the root, 1 for /tmp.
func depth(p string) int {
	p = filepath.Clean(p)
	if p == string(os.PathSeparator) {
		return 0
	}
	return strings.Count(p, string(os.PathSeparator))
}

// candidateSystemPaths are bound read-only when present on the host.
var candidateSystemPaths = []string{
	"/usr",
	"/bin",
	"/sbin",
	"/lib",
	"/lib32",
	"/lib64",
	"/etc/ssl",
	"/etc/ca-certificates",
	"/etc/pki",
	"/etc/resolv.conf",
	"/etc/hosts",
	"/etc/nsswitch.conf",
	"/etc/localtime",
}

// DetectSystemPaths returns read-only mounts for the system directories
// present on this host. Symlinked entries such as /lib -> usr/lib on
// merged-usr systems are kept so paths resolve the same inside.
func DetectSystemPaths() []Mount {
	return detectSystemPaths(candidateSystemPaths)
}

func detectSystemPaths(candidates []string) []Mount {
	var mounts []Mount
	for _, p := range candidates {
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		mounts = append(mounts, Mount{Source: p, Dest: p, ReadOnly: true})
	}
	return mounts
}

// HostPath maps a path as seen inside the sandbox back to the host using
// the most specific mount that covers it.
func HostPath(mounts []Mount, sandboxPath string) (string, bool) {
	clean := filepath.Clean(sandboxPath)
	best := -1
	var out string
	for _, m := range mounts {
		dest := filepath.Clean(m.Dest)
		rel, err := filepath.Rel(dest, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			continue
		}
		if d := depth(dest); d > best {
			best = d
			out = filepath.Join(m.Source, rel)
		}
	}
	return out, best >= 0
}
