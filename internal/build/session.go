package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/cochaviz/sbdmock/internal/artifacts"
	"github.com/cochaviz/sbdmock/internal/config"
	"github.com/cochaviz/sbdmock/internal/debsrc"
	"github.com/cochaviz/sbdmock/internal/deps"
	"github.com/cochaviz/sbdmock/internal/failure"
	"github.com/cochaviz/sbdmock/internal/lock"
	"github.com/cochaviz/sbdmock/internal/logging"
	"github.com/cochaviz/sbdmock/internal/sandbox"
)

// Signals used to stop stale sandbox sessions.
const (
	resetSignal = syscall.SIGTERM
	closeSignal = syscall.SIGHUP
)

// Session drives one build through its phases. It owns the session logs,
// the status file and the directories derived from its configuration.
type Session struct {
	Config config.BuildConfiguration
	Paths  Paths

	Exec    sandbox.Runner
	Targets TargetManager
	Deps    DependencyInstaller
	Store   artifacts.ArtifactStore

	// LockPath, when set, is locked for the lifetime of the session.
	LockPath string
	// Out receives the timestamped phase transitions. Defaults to os.Stdout.
	Out    io.Writer
	Now    func() time.Time
	Logger *slog.Logger

	phase    Phase
	rootLog  *logging.EventLog
	buildLog *os.File
	lock     *lock.Lock
	cleaned  bool
	closed   bool
}

// NewSession wires a session for cfg onto the real sandbox launcher.
func NewSession(cfg config.BuildConfiguration, logger *slog.Logger) *Session {
	logger = logging.Ensure(logger)
	s := &Session{
		Config: cfg,
		Paths:  ResolvePaths(cfg),
		Logger: logger,
		phase:  PhaseUnstarted,
	}
	s.rootLog = &logging.EventLog{Now: s.now}

	target := sandbox.Target{Name: cfg.TargetName(), BaseDir: cfg.BaseDir}
	hostUsr := &sandbox.HostUsr{
		BaseDir: cfg.BaseDir,
		Target:  target.Name,
		Shims:   cfg.HostUsr,
		Logger:  logger.With("component", "host_usr"),
	}
	executor := &sandbox.Executor{
		Launcher:  cfg.Launcher,
		EnvFile:   cfg.EnvFile,
		Env:       cfg.Env,
		HostUsr:   hostUsr,
		Target:    target,
		ScriptDir: s.Paths.BuildDir,
		Verbose:   cfg.Debug,
		Logs:      s,
		Logger:    logger.With("component", "executor"),
	}
	s.Exec = executor
	s.Targets = &sandbox.Lifecycle{
		Exec:            executor,
		Target:          target,
		CompilerName:    cfg.CompilerName,
		Devkits:         cfg.Devkits,
		CPUTransparency: cfg.CPUTransparency,
		HostUsr:         hostUsr,
		DownloadDir:     s.Paths.BuildDir,
		Events:          s.rootLog,
		Logger:          logger.With("component", "lifecycle"),
	}
	s.Deps = &deps.Resolver{
		Exec:      executor,
		WorkDir:   s.Paths.SandboxWorkDir,
		Checker:   cfg.CheckerCommand,
		Installer: cfg.InstallerCommand,
		Events:    s.rootLog,
		Logger:    logger.With("component", "deps"),
	}
	s.Store = &artifacts.LocalStore{BaseDir: s.Paths.ResultDir}
	s.LockPath = lock.Path(cfg.BaseDir, target.Name)
	return s
}

// Phase returns the last phase the session entered.
func (s *Session) Phase() Phase {
	if s.phase == "" {
		return PhaseUnstarted
	}
	return s.phase
}

// ActiveLog returns the log streamed command output belongs in: the build
// log while building, the root log otherwise.
func (s *Session) ActiveLog() io.Writer {
	if s.Phase() == PhaseBuild && s.buildLog != nil {
		return s.buildLog
	}
	return s.events()
}

// Open enters init: it creates the session directories, cleans the target
// when configured to and opens the session logs.
func (s *Session) Open(ctx context.Context) error {
	if s.Phase() != PhaseUnstarted {
		return failure.New(failure.Generic, "session already opened")
	}
	if s.LockPath != "" {
		held, err := lock.Acquire(ctx, s.LockPath, s.logger())
		if err != nil {
			return failure.Wrap(failure.Generic, err, "lock target %s", s.Config.TargetName())
		}
		s.lock = held
	}

	if err := s.ensureDir(s.Paths.StateDir); err != nil {
		return err
	}
	if err := s.enter(PhaseInit); err != nil {
		return err
	}
	if s.Config.Clean {
		if err := s.Clean(ctx); err != nil {
			return err
		}
	}
	for _, dir := range []string{s.Paths.BuildDir, s.Paths.WorkDir, s.Paths.StateDir, s.Paths.ResultDir} {
		if err := s.ensureDir(dir); err != nil {
			return err
		}
	}

	rootLog, err := os.Create(filepath.Join(s.Paths.ResultDir, "root.log"))
	if err != nil {
		return failure.Wrap(failure.Generic, err, "open root log")
	}
	if err := s.events().Attach(rootLog); err != nil {
		rootLog.Close()
		return failure.Wrap(failure.Generic, err, "open root log")
	}
	s.buildLog, err = os.Create(filepath.Join(s.Paths.ResultDir, "build.log"))
	if err != nil {
		return failure.Wrap(failure.Generic, err, "open build log")
	}

	snapshot := fmt.Sprintf("builddir=%s\nresultdir=%s\nstatedir=%s\n", s.Paths.BuildDir, s.Paths.ResultDir, s.Paths.StateDir)
	if err := os.WriteFile(filepath.Join(s.Paths.ResultDir, "sbdmockconfig.log"), []byte(snapshot), 0o644); err != nil {
		return failure.Wrap(failure.Generic, err, "write config snapshot")
	}
	return nil
}

// Clean enters clean: an ephemeral target is removed, a persistent one
// reset, and the build directory deleted.
func (s *Session) Clean(ctx context.Context) error {
	if err := s.enter(PhaseClean); err != nil {
		return err
	}
	s.event("Cleaning Root")

	// wrapper scripts live in the build directory
	if err := s.ensureDir(s.Paths.BuildDir); err != nil {
		return err
	}
	if s.Config.Ephemeral() {
		if err := s.Targets.Remove(ctx); err != nil {
			return err
		}
	} else if err := s.Targets.Reset(ctx, resetSignal); err != nil {
		return err
	}
	if err := s.Targets.CleanHostUsr(); err != nil {
		return err
	}

	s.logger().Debug("removing build directory", "path", s.Paths.BuildDir)
	if err := os.RemoveAll(s.Paths.BuildDir); err != nil {
		s.logger().Error("errors cleaning out build directory", "error", err)
		if _, statErr := os.Stat(s.Paths.BuildDir); statErr == nil {
			return failure.Wrap(failure.Root, err, "failed to clean basedir")
		}
	}
	s.cleaned = true

	// the state directory may have lived below the build directory
	if err := s.ensureDir(s.Paths.StateDir); err != nil {
		return err
	}
	return s.persist(PhaseClean)
}

// Prep enters prep and readies the target for a build.
func (s *Session) Prep(ctx context.Context) error {
	if err := s.enter(PhasePrep); err != nil {
		return err
	}
	if s.Config.Ephemeral() {
		if err := s.Targets.Remove(ctx); err != nil {
			return err
		}
		if err := s.Targets.Create(ctx); err != nil {
			return err
		}
	}
	if !s.cleaned || s.Config.Ephemeral() {
		if err := s.Targets.Reset(ctx, resetSignal); err != nil {
			return err
		}
		if err := s.Targets.InstallFakeroot(ctx); err != nil {
			return err
		}
	}

	if s.Config.Rootstrap != "" {
		if err := s.Targets.ExtractRootstrap(ctx, s.Config.Rootstrap); err != nil {
			return err
		}
	} else if err := s.Targets.InstallCLibrary(ctx); err != nil {
		return err
	}
	if err := s.Targets.InstallFakeroot(ctx); err != nil {
		return err
	}

	s.logger().Debug("writing target files", "count", len(s.Config.Files))
	if err := s.Targets.WriteTargetFiles(s.Config.SourcesList, s.Config.Files); err != nil {
		return err
	}
	if err := s.Targets.SetupHostUsr(); err != nil {
		return err
	}
	return s.Deps.Apt(ctx, "update")
}

// Build enters setup and build: it unpacks the source package described by
// dsc, installs its build dependencies, builds it and collects the results.
func (s *Session) Build(ctx context.Context, dsc string) error {
	if err := s.enter(PhaseSetup); err != nil {
		return err
	}

	source, err := debsrc.Load(dsc)
	if err != nil {
		return failure.Wrap(failure.Pkg, err, "load source package")
	}
	origin := filepath.Dir(dsc)
	if err := source.Verify(origin); err != nil {
		return failure.Wrap(failure.Pkg, err, "source package verification failed")
	}

	s.event("Copying source files to work dir")
	staging := &artifacts.LocalStore{BaseDir: s.Paths.WorkDir}
	names := []string{filepath.Base(dsc)}
	for _, f := range source.Files() {
		names = append(names, f.Name)
	}
	for _, name := range names {
		s.logger().Debug("copying file", "name", name)
		if _, err := staging.StoreArtifact(filepath.Join(origin, name), artifacts.SourceArtifact); err != nil {
			return failure.Wrap(failure.Generic, err, "copy %s to work dir", name)
		}
	}

	s.event("Extracting sources to work dir")
	command := fmt.Sprintf("cd %s && dpkg-source -x %s", s.Paths.SandboxWorkDir, filepath.Base(dsc))
	s.event(command)
	result, err := s.Exec.Run(ctx, command, sandbox.RunOptions{})
	if err != nil {
		return err
	}
	s.output(result.Output)

	logger := s.logger().With("source", source.Source(), "version", source.Version())
	logger.Info("starting package build")

	subdir, err := debsrc.SourceDir(source.Source(), source.Version())
	if err != nil {
		return failure.Wrap(failure.Pkg, err, "source package version")
	}
	if info, err := os.Stat(filepath.Join(s.Paths.WorkDir, subdir)); err != nil || !info.IsDir() {
		s.logger().Debug("dpkg-source produced no source directory", "expected", subdir, "output", result.Output)
		return failure.New(failure.Pkg, "can't find package source directory %s after unpacking sources", subdir)
	}

	if err := s.Deps.InstallBuildDeps(ctx, subdir); err != nil {
		return err
	}
	logger.Info("build dependencies installed")

	command = fmt.Sprintf("cd %s && %s", path.Join(s.Paths.SandboxWorkDir, subdir), s.Config.BuildCommand)
	if err := s.enter(PhaseBuild); err != nil {
		return err
	}
	result, err = s.Exec.Stream(ctx, command, sandbox.RunOptions{})
	if err != nil {
		return err
	}
	if !result.OK() {
		logger.Error("build command failed", "status", result.ExitCode)
		return failure.New(failure.Build, "error building package %s, see build log", dsc)
	}
	logger.Info("build command completed")
	return s.collect()
}

func (s *Session) collect() error {
	changes, err := s.changesFile()
	if err != nil {
		return err
	}
	report, err := debsrc.Load(changes)
	if err != nil {
		return failure.Wrap(failure.Build, err, "load build report")
	}
	if err := report.Verify(s.Paths.WorkDir); err != nil {
		return failure.Wrap(failure.Build, err, "built packages verification failed")
	}

	s.event("Copying packages to result dir")
	if _, err := s.Store.StoreArtifact(changes, artifacts.ChangesArtifact); err != nil {
		return failure.Wrap(failure.Generic, err, "copy %s to result dir", filepath.Base(changes))
	}
	for _, f := range report.Files() {
		if _, err := s.Store.StoreArtifact(filepath.Join(s.Paths.WorkDir, f.Name), artifacts.KindOf(f.Name)); err != nil {
			return failure.Wrap(failure.Generic, err, "copy %s to result dir", f.Name)
		}
	}
	if err := s.Store.WriteManifest(); err != nil {
		return failure.Wrap(failure.Generic, err, "write artifact manifest")
	}
	s.logger().Info("stored build artifacts", "count", len(report.Files())+1, "resultdir", s.Paths.ResultDir)
	return nil
}

// changesFile locates the build report in the work directory. When stale
// reports from earlier builds are present the newest one wins.
func (s *Session) changesFile() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.Paths.WorkDir, "*.changes"))
	if err != nil {
		return "", failure.Wrap(failure.Build, err, "search build report")
	}
	if len(matches) == 0 {
		return "", failure.New(failure.Build, "build produced no .changes file")
	}
	if len(matches) > 1 {
		s.logger().Warn("several build reports found, using the newest", "count", len(matches))
		sort.Slice(matches, func(i, j int) bool {
			return modTime(matches[i]).After(modTime(matches[j]))
		})
	}
	return matches[0], nil
}

// Close ends the session. It runs on every exit path and is idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.Phase() == PhaseUnstarted {
		// the target lock was never taken, another session may own the target
		return errors.Join(s.events().Close(), s.lock.Release())
	}
	// teardown must run even after an interrupt
	ctx = context.WithoutCancel(ctx)

	var errs []error
	s.event("Cleaning up...")
	errs = append(errs, s.enter(PhaseEnding))
	if s.buildLog != nil {
		errs = append(errs, s.buildLog.Close())
	}

	// a failed clean can leave the script directory missing
	if err := s.ensureDir(s.Paths.BuildDir); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.Targets.KillAll(ctx, closeSignal))
	if s.Config.UniqueExtAuto {
		s.event("Removing temporary target...")
		errs = append(errs, s.Targets.Remove(ctx))
	}

	errs = append(errs, s.enter(PhaseDone))
	s.event("Done.")
	errs = append(errs, s.events().Close())
	errs = append(errs, s.lock.Release())
	return errors.Join(errs...)
}

// enter advances the session to phase, persisting and echoing it.
func (s *Session) enter(phase Phase) error {
	if phase.Before(s.Phase()) {
		return failure.New(failure.Generic, "cannot enter phase %s after %s", phase, s.Phase())
	}
	if err := s.persist(phase); err != nil {
		return err
	}
	s.phase = phase
	fmt.Fprintf(s.out(), "%s %s\n", logging.Stamp(s.now()), phase)
	return nil
}

func (s *Session) persist(phase Phase) error {
	if err := os.MkdirAll(s.Paths.StateDir, 0o755); err != nil {
		return failure.Wrap(failure.Generic, err, "could not create dir %s", s.Paths.StateDir)
	}
	status := filepath.Join(s.Paths.StateDir, "status")
	if err := os.WriteFile(status, []byte(string(phase)+"\n"), 0o644); err != nil {
		return failure.Wrap(failure.Generic, err, "write status file")
	}
	return nil
}

func (s *Session) ensureDir(dir string) error {
	msg := "ensuring dir " + dir
	s.logger().Debug(msg)
	s.event(msg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure.Wrap(failure.Generic, err, "could not create dir %s", dir)
	}
	return nil
}

func (s *Session) event(msg string) {
	if err := s.events().Event(msg); err != nil {
		s.logger().Warn("write root log", "error", err)
	}
}

func (s *Session) output(out string) {
	if err := s.events().Output(out); err != nil {
		s.logger().Warn("write root log", "error", err)
	}
}

func (s *Session) events() *logging.EventLog {
	if s.rootLog == nil {
		s.rootLog = &logging.EventLog{Now: s.now}
	}
	return s.rootLog
}

func (s *Session) out() io.Writer {
	if s.Out != nil {
		return s.Out
	}
	return os.Stdout
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
