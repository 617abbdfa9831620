package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// HostUsr manages the host binary redirection shim of one target: a
// per-target directory of small executables and the shared symlink
// <base>/host_usr/bin pointing at it.
type HostUsr struct {
	BaseDir string
	Target  string
	// Shims maps binary names onto the content written for each of them.
	Shims  map[string]string
	Logger *slog.Logger
	// Now is used for the suffix of renamed files. Defaults to time.Now.
	Now func() time.Time
}

// Enabled reports whether any binaries are redirected.
func (h *HostUsr) Enabled() bool {
	return h != nil && len(h.Shims) > 0
}

// Names returns the redirected binary names in order.
func (h *HostUsr) Names() []string {
	if h == nil {
		return nil
	}
	names := make([]string, 0, len(h.Shims))
	for name := range h.Shims {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LinkPath is the shared symlink.
func (h *HostUsr) LinkPath() string {
	return filepath.Join(h.BaseDir, "host_usr", "bin")
}

// LinkTarget is the relative symlink target for this target's shim directory.
func (h *HostUsr) LinkTarget() string {
	return "bin." + h.Target
}

// ShimDir is the per-target shim directory.
func (h *HostUsr) ShimDir() string {
	return filepath.Join(h.BaseDir, "host_usr", h.LinkTarget())
}

// Setup writes one executable per redirected binary into the shim directory.
func (h *HostUsr) Setup() error {
	if !h.Enabled() {
		return nil
	}
	dir := h.ShimDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shim directory: %w", err)
	}
	for _, name := range h.Names() {
		path := filepath.Join(dir, name)
		h.logger().Debug("writing host_usr shim", "path", path)
		if err := os.WriteFile(path, []byte(h.Shims[name]), 0o755); err != nil {
			return fmt.Errorf("write shim %s: %w", name, err)
		}
		// WriteFile leaves the mode of an existing file alone.
		if err := os.Chmod(path, 0o755); err != nil {
			return fmt.Errorf("chmod shim %s: %w", name, err)
		}
	}
	return nil
}

// ReconcileLink points the shared symlink at this target's shim directory.
// A link to another target is replaced; a regular file or directory in the
// way is renamed aside with a timestamp suffix, never deleted. Targets
// without redirection leave the link alone.
func (h *HostUsr) ReconcileLink() error {
	if !h.Enabled() {
		return nil
	}
	link := h.LinkPath()
	want := h.LinkTarget()

	info, err := os.Lstat(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("inspect %s: %w", link, err)
	case info.Mode()&fs.ModeSymlink != 0:
		current, err := os.Readlink(link)
		if err != nil {
			return fmt.Errorf("read link %s: %w", link, err)
		}
		if current == want {
			return nil
		}
		h.logger().Debug("replacing host_usr link", "path", link, "previous", current)
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("remove stale link %s: %w", link, err)
		}
	default:
		aside, err := h.renameAside(link)
		if err != nil {
			return err
		}
		h.logger().Warn("moved unrelated host_usr entry aside", "path", link, "renamed", aside)
	}

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(link), err)
	}
	if err := os.Symlink(want, link); err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	return nil
}

// Clean removes the shim directory and, when it still points here, the link.
func (h *HostUsr) Clean() error {
	if err := os.RemoveAll(h.ShimDir()); err != nil {
		return fmt.Errorf("remove shim directory: %w", err)
	}
	link := h.LinkPath()
	current, err := os.Readlink(link)
	if err != nil {
		// missing, or not a link: not ours
		return nil
	}
	if current != h.LinkTarget() {
		return nil
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove link %s: %w", link, err)
	}
	return nil
}

func (h *HostUsr) renameAside(path string) (string, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	base := path + "." + now().Format("20060102150405")
	aside := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(aside); errors.Is(err, fs.ErrNotExist) {
			break
		}
		aside = fmt.Sprintf("%s.%d", base, i)
	}
	if err := os.Rename(path, aside); err != nil {
		return "", fmt.Errorf("rename %s aside: %w", path, err)
	}
	return aside, nil
}

func (h *HostUsr) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
