package setup

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"
)

// ConfigDir holds the system wide build configurations.
var ConfigDir = "/etc/sbdmock"

// SandboxGroup is the group allowed to drive the sandbox launcher.
var SandboxGroup = "sbox"

// UserConfigDir returns the per-user configuration directory, ~/.sbdmock.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".sbdmock"), nil
}

// Host describes the calling process for Verify.
type Host struct {
	UID    int
	Groups []int
	// LookupGroup resolves a group name to its id.
	LookupGroup func(name string) (int, error)
}

// CurrentHost returns the Host of the running process.
func CurrentHost() (Host, error) {
	groups, err := unix.Getgroups()
	if err != nil {
		return Host{}, fmt.Errorf("read supplementary groups: %w", err)
	}
	return Host{
		UID:    unix.Getuid(),
		Groups: append(groups, unix.Getgid()),
		LookupGroup: func(name string) (int, error) {
			g, err := user.LookupGroup(name)
			if err != nil {
				return 0, err
			}
			return strconv.Atoi(g.Gid)
		},
	}, nil
}

// Verify checks that builds may run on this host: the caller is not root,
// belongs to the sandbox group and the launcher exists.
func Verify(host Host, launcher string) error {
	if host.UID == 0 {
		return errors.New("do not run sbdmock as root")
	}

	getLogger().Debug("checking sandbox group membership", "group", SandboxGroup)
	gid, err := host.LookupGroup(SandboxGroup)
	if err != nil {
		return fmt.Errorf("group %s does not exist: %w", SandboxGroup, err)
	}
	if !slices.Contains(host.Groups, gid) {
		return fmt.Errorf("you need to be a member of the %s group", SandboxGroup)
	}

	info, err := os.Stat(launcher)
	if err != nil {
		return fmt.Errorf("sandbox launcher %s does not exist", launcher)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("sandbox launcher %s is not executable", launcher)
	}
	return nil
}
