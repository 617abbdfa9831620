// Package config holds the resolved configuration of a build session and
// the loader that produces it from layered YAML files.
package config

import (
	"maps"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cochaviz/sbdmock/internal/failure"
)

// Defaults shared by the loader and tests.
const (
	DefaultLauncher     = "/usr/bin/scratchbox"
	DefaultEnvFile      = "/targets/links/scratchbox.config"
	DefaultBuildCommand = "dpkg-buildpackage -rfakeroot -uc -us -sa -D"
	DefaultInstaller    = "fakeroot apt-get -y -q"
	DefaultChecker      = "dpkg-checkbuilddeps"
	DefaultTarget       = "default"
)

// BuildConfiguration is the resolved, read-only configuration of one session.
// Values are produced by a Loader and finalised by a Builder; sessions never
// modify them.
type BuildConfiguration struct {
	// Root names the per-configuration directory under the sandbox home.
	Root string
	// SBTarget is the base name of the sandbox target.
	SBTarget string
	// UniqueExt, when set, makes the target ephemeral: "<SBTarget>-<UniqueExt>".
	UniqueExt string
	// UniqueExtAuto reports that UniqueExt was generated by sbdmock and the
	// target must be removed when the session ends.
	UniqueExtAuto bool

	// BaseDir is the sandbox namespace root as seen from the host.
	BaseDir string
	// SandboxHome is the user's home directory inside the sandbox.
	SandboxHome string
	ResultDir   string
	StateDir    string

	Clean bool
	Debug bool

	Launcher         string
	EnvFile          string
	BuildCommand     string
	InstallerCommand string
	CheckerCommand   string

	CompilerName    string
	Devkits         string
	CPUTransparency string
	Rootstrap       string

	SourcesList string
	// Files maps absolute paths inside the target onto their content.
	Files map[string]string
	// HostUsr maps binary names onto the content of their redirection shim.
	HostUsr map[string]string
	// Env holds variables exported before every sandboxed command.
	Env map[string]string
}

// TargetName returns the effective sandbox target name.
func (c BuildConfiguration) TargetName() string {
	if c.UniqueExt != "" {
		return c.SBTarget + "-" + c.UniqueExt
	}
	return c.SBTarget
}

// Ephemeral reports whether the target is created and destroyed per session.
func (c BuildConfiguration) Ephemeral() bool {
	return c.UniqueExt != ""
}

// SortedEnv returns the configured environment variable names in order.
func (c BuildConfiguration) SortedEnv() []string {
	return sortedKeys(c.Env)
}

// SortedHostUsr returns the redirected binary names in order.
func (c BuildConfiguration) SortedHostUsr() []string {
	return sortedKeys(c.HostUsr)
}

// SortedFiles returns the extra target file paths in order.
func (c BuildConfiguration) SortedFiles() []string {
	return sortedKeys(c.Files)
}

func (c BuildConfiguration) clone() BuildConfiguration {
	c.Files = maps.Clone(c.Files)
	c.HostUsr = maps.Clone(c.HostUsr)
	c.Env = maps.Clone(c.Env)
	return c
}

var (
	envNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	shimNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// Validate checks the open-ended tables and required settings.
func (c BuildConfiguration) Validate() error {
	if strings.TrimSpace(c.SBTarget) == "" {
		return failure.New(failure.Generic, "no sandbox target (sbtarget) configured")
	}
	if strings.TrimSpace(c.Root) == "" {
		return failure.New(failure.Generic, "no root configured")
	}
	if c.Launcher == "" {
		return failure.New(failure.Generic, "no sandbox launcher configured")
	}
	if c.BaseDir == "" || !filepath.IsAbs(c.BaseDir) {
		return failure.New(failure.Generic, "basedir %q must be an absolute path", c.BaseDir)
	}
	if c.SandboxHome == "" || !path.IsAbs(c.SandboxHome) {
		return failure.New(failure.Generic, "sb_homedir %q must be an absolute path", c.SandboxHome)
	}
	for _, name := range c.SortedEnv() {
		if !envNamePattern.MatchString(name) {
			return failure.New(failure.Generic, "invalid environment variable name %q", name)
		}
	}
	for _, name := range c.SortedHostUsr() {
		if !shimNamePattern.MatchString(name) || name == "." || name == ".." {
			return failure.New(failure.Generic, "invalid host_usr binary name %q", name)
		}
	}
	for _, name := range c.SortedFiles() {
		if !path.IsAbs(name) || path.Clean(name) != name {
			return failure.New(failure.Generic, "extra file %q must be a clean absolute path", name)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
