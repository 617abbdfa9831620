package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"syscall"

	"github.com/cochaviz/sbdmock/internal/failure"
)

// Runner executes commands inside a target.
type Runner interface {
	Run(ctx context.Context, command string, opts RunOptions) (CommandResult, error)
	Stream(ctx context.Context, command string, opts RunOptions) (CommandResult, error)
}

var _ Runner = (*Executor)(nil)

// EventRecorder receives human readable progress for the session log.
type EventRecorder interface {
	Event(msg string) error
	Output(output string) error
}

// rootstrapRestartMarker appears in the output of a rootstrap extraction
// that actually succeeded although the launcher reported an error.
const rootstrapRestartMarker = "_SBOX_RESTART_FILE"

var activeTargetPattern = regexp.MustCompile(`(?m)^SBOX_TARGET_NAME=(.+?)\r?$`)

// Lifecycle creates, selects, resets and removes a target through the
// launcher's own sb-conf control commands.
type Lifecycle struct {
	Exec   Runner
	Target Target

	CompilerName    string
	Devkits         string
	CPUTransparency string

	HostUsr *HostUsr
	// DownloadDir receives remote rootstraps. It must lie below Target.BaseDir.
	DownloadDir string
	Fetcher     *RootstrapFetcher

	Events EventRecorder
	Logger *slog.Logger
}

// Create sets up the target from its compiler and device kits.
func (l *Lifecycle) Create(ctx context.Context) error {
	if l.CompilerName == "" {
		return failure.New(failure.Sandbox, "no compilers specified for target %s", l.Target.Name)
	}
	if l.Devkits == "" {
		return failure.New(failure.Sandbox, "no devkits specified for target %s", l.Target.Name)
	}
	command := fmt.Sprintf("sb-conf setup %s -f -c %s -d %s", l.Target.Name, l.CompilerName, l.Devkits)
	if l.CPUTransparency != "" {
		command += " -t " + l.CPUTransparency
	}
	_, err := l.control(ctx, command)
	return err
}

// Reset stops sessions of other targets with sig, selects the target and
// reinstalls its baseline configuration and device kits.
func (l *Lifecycle) Reset(ctx context.Context, sig syscall.Signal) error {
	if err := l.KillAll(ctx, sig); err != nil {
		return err
	}
	if _, err := l.control(ctx, "sb-conf se "+l.Target.Name); err != nil {
		return err
	}
	active, err := l.EnsureActive(ctx, l.Target.Name)
	if err != nil {
		return err
	}
	if !active {
		return failure.New(failure.Sandbox, "failed to select target %s", l.Target.Name)
	}
	_, err = l.control(ctx, "sb-conf re -f && sb-conf in --etc --devkits")
	return err
}

// Remove force-removes the target.
func (l *Lifecycle) Remove(ctx context.Context) error {
	_, err := l.control(ctx, "sb-conf remove --force "+l.Target.Name)
	return err
}

// KillAll signals every process in other sandbox sessions.
func (l *Lifecycle) KillAll(ctx context.Context, sig syscall.Signal) error {
	_, err := l.control(ctx, fmt.Sprintf("sb-conf killall --signal=%d", int(sig)))
	return err
}

// EnsureActive reports whether name is the active target. A missing
// variable in the output is reported as false, not as an error.
func (l *Lifecycle) EnsureActive(ctx context.Context, name string) (bool, error) {
	result, err := l.Exec.Run(ctx, `echo "SBOX_TARGET_NAME=$SBOX_TARGET_NAME"`, RunOptions{})
	if err != nil {
		return false, err
	}
	l.logger().Debug("active target query", "status", result.ExitCode)
	match := activeTargetPattern.FindStringSubmatch(result.Output)
	if match == nil {
		l.logger().Debug("can't find target in output", "output", result.Output)
		return false, nil
	}
	return match[1] == name, nil
}

// InstallFakeroot copies the fakeroot library into the target.
func (l *Lifecycle) InstallFakeroot(ctx context.Context) error {
	_, err := l.control(ctx, "sb-conf in --fakeroot")
	return err
}

// InstallCLibrary copies the toolchain C library into the target.
func (l *Lifecycle) InstallCLibrary(ctx context.Context) error {
	_, err := l.control(ctx, "sb-conf in --clibrary")
	return err
}

// ExtractRootstrap unpacks source into the target, downloading it first
// when it is a URL.
func (l *Lifecycle) ExtractRootstrap(ctx context.Context, source string) error {
	if IsRemoteRootstrap(source) {
		l.event("Retrieving remote rootstrap: " + source)
		fetcher := l.Fetcher
		if fetcher == nil {
			fetcher = &RootstrapFetcher{Logger: l.Logger}
		}
		host, err := fetcher.Fetch(ctx, source, l.DownloadDir)
		if err != nil {
			l.event(fmt.Sprintf("Failed to fetch %s: %v", source, err))
			return failure.Wrap(failure.Root, err, "failed to fetch %s", source)
		}
		inside, err := l.Target.InsidePath(host)
		if err != nil {
			return failure.Wrap(failure.Root, err, "locate rootstrap")
		}
		source = inside
	}

	l.event("Extracting rootstrap " + source)
	result, err := l.Exec.Run(ctx, fmt.Sprintf("sb-conf rs %s && sb-conf in --etc --devkits", source), RunOptions{})
	if err != nil {
		return err
	}
	if strings.Contains(result.Output, rootstrapRestartMarker) {
		result.ExitCode = 0
	}
	if !result.OK() {
		l.logger().Debug("rootstrap extraction failed", "output", result.Output)
		return failure.New(failure.Sandbox, "failed to extract rootstrap")
	}
	l.output(result.Output)
	return nil
}

// WriteTargetFiles writes the package source list and extra files into the
// target's tree. Files in a bin or sbin directory are made executable.
func (l *Lifecycle) WriteTargetFiles(sourcesList string, files map[string]string) error {
	root := l.Target.Dir()
	aptConf := filepath.Join(root, "etc", "apt", "sources.list")
	l.logger().Debug("writing sources.list", "path", aptConf)
	if err := writeTargetFile(aptConf, sourcesList, 0o644); err != nil {
		return failure.Wrap(failure.Root, err, "write sources.list")
	}

	for _, inside := range slices.Sorted(maps.Keys(files)) {
		path := filepath.Join(root, filepath.FromSlash(inside))
		mode := os.FileMode(0o644)
		switch filepath.Base(filepath.Dir(path)) {
		case "bin", "sbin":
			mode = 0o755
		}
		l.logger().Debug("writing target file", "path", path)
		if err := writeTargetFile(path, files[inside], mode); err != nil {
			return failure.Wrap(failure.Root, err, "write %s", inside)
		}
	}
	return nil
}

// SetupHostUsr writes the redirection shims of the target.
func (l *Lifecycle) SetupHostUsr() error {
	if err := l.HostUsr.Setup(); err != nil {
		return failure.Wrap(failure.Root, err, "set up host_usr")
	}
	return nil
}

// CleanHostUsr removes the shims of the target.
func (l *Lifecycle) CleanHostUsr() error {
	if l.HostUsr == nil {
		return nil
	}
	if err := l.HostUsr.Clean(); err != nil {
		return failure.Wrap(failure.Root, err, "clean host_usr")
	}
	return nil
}

// control runs an sb-conf command. A non-zero status is logged but not
// returned as an error; callers that care inspect the result.
func (l *Lifecycle) control(ctx context.Context, command string) (CommandResult, error) {
	result, err := l.Exec.Run(ctx, command, RunOptions{})
	if err != nil {
		return result, err
	}
	if !result.OK() {
		l.logger().Warn("sandbox control command failed", "command", command, "status", result.ExitCode, "output", result.Output)
	}
	return result, nil
}

func (l *Lifecycle) event(msg string) {
	if l.Events == nil {
		return
	}
	if err := l.Events.Event(msg); err != nil {
		l.logger().Warn("write session log", "error", err)
	}
}

func (l *Lifecycle) output(output string) {
	if l.Events == nil {
		return
	}
	if err := l.Events.Output(output); err != nil {
		l.logger().Warn("write session log", "error", err)
	}
}

func (l *Lifecycle) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func writeTargetFile(path, content string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}
