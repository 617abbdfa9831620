package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Reserved exit codes produced by the marker protocol rather than by the
// sandboxed command. They share the code space with real statuses.
const (
	// ExitMarkersMissing is returned when buffered output lacks the markers.
	ExitMarkersMissing = 200
	// ExitBadStatus is returned when the status marker carries a non-integer.
	ExitBadStatus = 210
	// ExitNoStatus is returned when a streamed command ended without a status
	// marker, typically because it was killed.
	ExitNoStatus = -1
)

// CommandResult pairs the real exit status of a sandboxed command with its output.
type CommandResult struct {
	ExitCode int
	Output   string
}

// OK reports whether the command exited with status 0.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// Target identifies an isolated build root managed by the sandbox launcher.
type Target struct {
	// Name is the effective target name, including any unique suffix.
	Name string
	// BaseDir is the host path of the sandbox namespace root.
	BaseDir string
}

// Dir returns the host path of the target's filesystem tree.
func (t Target) Dir() string {
	return filepath.Join(t.BaseDir, "targets", t.Name)
}

// HostPath maps a path inside the sandbox namespace onto the host.
func (t Target) HostPath(inside string) string {
	return filepath.Join(t.BaseDir, filepath.FromSlash(inside))
}

// InsidePath maps a host path under BaseDir into the sandbox namespace.
func (t Target) InsidePath(host string) (string, error) {
	base := filepath.Clean(t.BaseDir)
	host = filepath.Clean(host)
	if base == "/" || base == "." {
		return filepath.ToSlash(host), nil
	}
	rel, err := filepath.Rel(base, host)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the sandbox base %s", host, base)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}
