package deps

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/cochaviz/sbdmock/internal/failure"
	"github.com/cochaviz/sbdmock/internal/sandbox"
)

const (
	DefaultChecker   = "dpkg-checkbuilddeps"
	DefaultInstaller = "fakeroot apt-get -y -q"
)

var unmetPattern = regexp.MustCompile(`(?m)dpkg-checkbuilddeps: Unmet build dependencies: (.+?)\r?$`)

// Resolver installs the build dependencies of an unpacked source package.
type Resolver struct {
	Exec sandbox.Runner
	// WorkDir is the sandbox path source packages are unpacked in.
	WorkDir   string
	Checker   string
	Installer string

	Events sandbox.EventRecorder
	Logger *slog.Logger
}

// InstallBuildDeps satisfies the build dependencies of the package unpacked
// in subdir. Static requirements are installed first, then each variant of
// the alternatives is tried in order until the checker is satisfied.
func (r *Resolver) InstallBuildDeps(ctx context.Context, subdir string) error {
	r.logger().Debug("checking build-deps first time")
	unmet, err := r.Check(ctx, subdir)
	if err != nil {
		return err
	}
	if unmet == "" {
		r.logger().Debug("all build-deps already installed")
		return nil
	}

	r.event("Trying to install build-deps")
	satisfied, err := r.satisfy(ctx, subdir, Parse(unmet))
	if err != nil || satisfied {
		return err
	}

	r.event("Checking build environment...")
	unmet, err = r.Check(ctx, subdir)
	if err != nil {
		return err
	}
	if unmet != "" {
		r.event("Unable to satisfy build-deps: " + unmet)
		return failure.New(failure.Pkg, "unable to satisfy build-deps: %s", unmet)
	}
	r.event("Seems ok")
	return nil
}

func (r *Resolver) satisfy(ctx context.Context, subdir string, expr Expression) (bool, error) {
	r.logger().Debug("parsed build-deps", "static", expr.Static, "groups", len(expr.Groups))
	if expr.Static != "" {
		r.event("Try to install static depends: " + expr.Static)
		if err := r.Apt(ctx, "install --no-remove "+expr.Static); err != nil {
			return false, err
		}
	}

	for _, variant := range Variants(expr.Groups) {
		r.event("Try to install alt dependencies: " + variant)
		if err := r.Apt(ctx, "install --no-remove "+variant); err != nil {
			if !failure.Is(err, failure.Apt) {
				return false, err
			}
			r.logger().Info("alternative not installable, trying next", "variant", variant)
			continue
		}

		r.event("Checking dependencies...")
		unmet, err := r.Check(ctx, subdir)
		if err != nil {
			return false, err
		}
		if unmet == "" {
			r.event("Build-deps satisfied")
			return true, nil
		}
		r.event(fmt.Sprintf("Unmet build-dep: %s Trying next variant", unmet))
	}
	return false, nil
}

// Check runs the dependency checker in subdir and returns the unmet
// dependency text, empty when everything is installed.
func (r *Resolver) Check(ctx context.Context, subdir string) (string, error) {
	command := fmt.Sprintf("cd %s && %s", path.Join(r.WorkDir, subdir), r.checker())
	r.event(command)
	result, err := r.Exec.Run(ctx, command, sandbox.RunOptions{})
	if err != nil {
		return "", err
	}
	if result.OK() {
		return "", nil
	}
	match := unmetPattern.FindStringSubmatch(result.Output)
	if match == nil {
		r.logger().Debug("unexpected checker output", "status", result.ExitCode, "output", result.Output)
		return "", failure.New(failure.Pkg, "can't parse output of dpkg-checkbuilddeps")
	}
	unmet := strings.TrimSpace(match[1])
	r.logger().Debug("unmet build dependencies", "deps", unmet)
	return unmet, nil
}

// Apt runs the installer with args, streaming its output into the session
// log. A non-zero status is a failure.Apt.
func (r *Resolver) Apt(ctx context.Context, args string) error {
	command := fmt.Sprintf("%s %s </dev/null", r.installer(), args)
	r.event(command)
	result, err := r.Exec.Stream(ctx, command, sandbox.RunOptions{})
	if err != nil {
		return err
	}
	if !result.OK() {
		return failure.New(failure.Apt, "error performing apt-get command: %s", command)
	}
	return nil
}

func (r *Resolver) checker() string {
	if r.Checker != "" {
		return r.Checker
	}
	return DefaultChecker
}

func (r *Resolver) installer() string {
	if r.Installer != "" {
		return r.Installer
	}
	return DefaultInstaller
}

func (r *Resolver) event(msg string) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Event(msg); err != nil {
		r.logger().Warn("write session log", "error", err)
	}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
