package config

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/sbdmock/internal/failure"
)

// fileConfig is the on-disk representation. Pointer fields distinguish
// "absent" from "zero" so later files override earlier ones selectively.
type fileConfig struct {
	Root            *string            `yaml:"root"`
	SBTarget        *string            `yaml:"sbtarget"`
	UniqueExt       *string            `yaml:"uniqueext"`
	BaseDir         *string            `yaml:"basedir"`
	SandboxHome     *string            `yaml:"sb_homedir"`
	ResultDir       *string            `yaml:"resultdir"`
	StateDir        *string            `yaml:"statedir"`
	Clean           *bool              `yaml:"clean"`
	Debug           *bool              `yaml:"debug"`
	Launcher        *string            `yaml:"scratchbox"`
	EnvFile         *string            `yaml:"env_file"`
	BuildCommand    *string            `yaml:"dpkg-buildpackage"`
	Installer       *string            `yaml:"apt-get"`
	Checker         *string            `yaml:"dpkg-checkbuilddeps"`
	CompilerName    *string            `yaml:"compiler-name"`
	Devkits         *string            `yaml:"devkits"`
	CPUTransparency *string            `yaml:"cputransparency-method"`
	Rootstrap       *string            `yaml:"rootstrap"`
	SourcesList     *string            `yaml:"sources.list"`
	Files           map[string]string  `yaml:"files"`
	HostUsr         map[string]string  `yaml:"host_usr"`
	Env             map[string]*string `yaml:"env"`
}

// Loader resolves a configuration name into a BuildConfiguration by merging
// the system file and then the user file.
type Loader struct {
	SystemDir string
	UserDir   string
	// User is the invoking user's login name, used for default directories.
	User string
	// ResolvConf is copied into the target as /etc/resolv.conf when readable.
	// Empty disables the copy.
	ResolvConf string
}

// Defaults returns the built-in configuration for user.
func Defaults(user string) BuildConfiguration {
	return BuildConfiguration{
		Clean:            true,
		BaseDir:          filepath.Join("/scratchbox/users", user),
		SandboxHome:      "/home/" + user,
		Launcher:         DefaultLauncher,
		EnvFile:          DefaultEnvFile,
		BuildCommand:     DefaultBuildCommand,
		InstallerCommand: DefaultInstaller,
		CheckerCommand:   DefaultChecker,
		Files:            map[string]string{},
		HostUsr:          map[string]string{},
		Env:              map[string]string{},
	}
}

// Paths returns the candidate configuration files for name, in merge order.
func (l Loader) Paths(name string) []string {
	file := name
	if !strings.HasSuffix(file, ".yaml") {
		file += ".yaml"
	}
	var paths []string
	if l.SystemDir != "" {
		paths = append(paths, filepath.Join(l.SystemDir, file))
	}
	if l.UserDir != "" {
		paths = append(paths, filepath.Join(l.UserDir, file))
	}
	return paths
}

// Load reads and merges the configuration files for name. At least one of
// them must exist.
func (l Loader) Load(name string) (BuildConfiguration, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultTarget
	}

	cfg := Defaults(l.User)
	if l.ResolvConf != "" {
		if data, err := os.ReadFile(l.ResolvConf); err == nil {
			cfg.Files["/etc/resolv.conf"] = string(data)
		}
	}

	paths := l.Paths(name)
	configured := false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return BuildConfiguration{}, failure.Wrap(failure.Generic, err, "read config %s", path)
		}
		if err := merge(&cfg, data); err != nil {
			return BuildConfiguration{}, failure.Wrap(failure.Generic, err, "parse config %s", path)
		}
		configured = true
	}
	if !configured {
		return BuildConfiguration{}, failure.New(failure.Generic,
			"could not find config file (%s) for target %s", strings.Join(paths, " or "), name)
	}

	if cfg.Root == "" {
		cfg.Root = strings.TrimSuffix(name, ".yaml")
	}

	if err := cfg.Validate(); err != nil {
		return BuildConfiguration{}, err
	}
	return cfg, nil
}

func merge(cfg *BuildConfiguration, data []byte) error {
	var file fileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			// empty file
			return nil
		}
		return err
	}

	setString(&cfg.Root, file.Root)
	setString(&cfg.SBTarget, file.SBTarget)
	setString(&cfg.UniqueExt, file.UniqueExt)
	setString(&cfg.BaseDir, file.BaseDir)
	setString(&cfg.SandboxHome, file.SandboxHome)
	setString(&cfg.ResultDir, file.ResultDir)
	setString(&cfg.StateDir, file.StateDir)
	setString(&cfg.Launcher, file.Launcher)
	setString(&cfg.EnvFile, file.EnvFile)
	setString(&cfg.BuildCommand, file.BuildCommand)
	setString(&cfg.InstallerCommand, file.Installer)
	setString(&cfg.CheckerCommand, file.Checker)
	setString(&cfg.CompilerName, file.CompilerName)
	setString(&cfg.Devkits, file.Devkits)
	setString(&cfg.CPUTransparency, file.CPUTransparency)
	setString(&cfg.Rootstrap, file.Rootstrap)
	setString(&cfg.SourcesList, file.SourcesList)
	if file.Clean != nil {
		cfg.Clean = *file.Clean
	}
	if file.Debug != nil {
		cfg.Debug = *file.Debug
	}

	for k, v := range file.Files {
		cfg.Files[k] = v
	}
	for k, v := range file.HostUsr {
		cfg.HostUsr[k] = v
	}
	for k, v := range file.Env {
		if v == nil {
			// A null value removes a variable set by an earlier file.
			delete(cfg.Env, k)
			continue
		}
		cfg.Env[k] = *v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
