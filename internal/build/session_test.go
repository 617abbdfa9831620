package build

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/sbdmock/internal/artifacts"
	"github.com/cochaviz/sbdmock/internal/config"
	"github.com/cochaviz/sbdmock/internal/failure"
	"github.com/cochaviz/sbdmock/internal/lock"
	"github.com/cochaviz/sbdmock/internal/logging"
	"github.com/cochaviz/sbdmock/internal/sandbox"
)

const testBuildCommand = "dpkg-buildpackage -rfakeroot -uc -us -sa -D"

var testNow = time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

// stubRunner pretends to unpack and build hello 2.4 in the work directory.
type stubRunner struct {
	workDir     string
	sink        sandbox.LogSink
	noUnpack    bool
	buildStatus int
	commands    []string
}

func (r *stubRunner) Run(_ context.Context, command string, _ sandbox.RunOptions) (sandbox.CommandResult, error) {
	r.commands = append(r.commands, command)
	if strings.Contains(command, "dpkg-source -x") && !r.noUnpack {
		if err := os.MkdirAll(filepath.Join(r.workDir, "hello-2.4", "debian"), 0o755); err != nil {
			return sandbox.CommandResult{}, err
		}
		return sandbox.CommandResult{Output: "dpkg-source: extracting hello in hello-2.4"}, nil
	}
	return sandbox.CommandResult{}, nil
}

func (r *stubRunner) Stream(_ context.Context, command string, _ sandbox.RunOptions) (sandbox.CommandResult, error) {
	r.commands = append(r.commands, command)
	fmt.Fprintln(r.sink.ActiveLog(), "building hello")
	if r.buildStatus != 0 {
		return sandbox.CommandResult{ExitCode: r.buildStatus}, nil
	}

	deb := "debian binary package"
	if err := os.WriteFile(filepath.Join(r.workDir, "hello_2.4-3_armel.deb"), []byte(deb), 0o644); err != nil {
		return sandbox.CommandResult{}, err
	}
	changes := fmt.Sprintf("Format: 1.8\nSource: hello\nVersion: 2.4-3\nFiles:\n %s %d devel optional hello_2.4-3_armel.deb\n", md5hex(deb), len(deb))
	if err := os.WriteFile(filepath.Join(r.workDir, "hello_2.4-3_armel.changes"), []byte(changes), 0o644); err != nil {
		return sandbox.CommandResult{}, err
	}
	return sandbox.CommandResult{}, nil
}

type stubTargets struct {
	calls []string
	fail  map[string]error
}

func (s *stubTargets) record(call string) error {
	s.calls = append(s.calls, call)
	return s.fail[call]
}

func (s *stubTargets) Create(context.Context) error { return s.record("create") }
func (s *stubTargets) Reset(_ context.Context, sig syscall.Signal) error {
	return s.record(fmt.Sprintf("reset %d", sig))
}
func (s *stubTargets) Remove(context.Context) error { return s.record("remove") }
func (s *stubTargets) KillAll(_ context.Context, sig syscall.Signal) error {
	return s.record(fmt.Sprintf("killall %d", sig))
}
func (s *stubTargets) InstallFakeroot(context.Context) error { return s.record("fakeroot") }
func (s *stubTargets) InstallCLibrary(context.Context) error { return s.record("clib") }
func (s *stubTargets) ExtractRootstrap(_ context.Context, source string) error {
	return s.record("rootstrap " + source)
}
func (s *stubTargets) WriteTargetFiles(string, map[string]string) error { return s.record("files") }
func (s *stubTargets) SetupHostUsr() error { return s.record("hostusr setup") }
func (s *stubTargets) CleanHostUsr() error { return s.record("hostusr clean") }

type stubDeps struct {
	calls []string
}

func (d *stubDeps) InstallBuildDeps(_ context.Context, subdir string) error {
	d.calls = append(d.calls, "builddeps "+subdir)
	return nil
}

func (d *stubDeps) Apt(_ context.Context, args string) error {
	d.calls = append(d.calls, "apt "+args)
	return nil
}

type testSession struct {
	*Session
	runner  *stubRunner
	targets *stubTargets
	deps    *stubDeps
	out     *bytes.Buffer
}

func newTestSession(t *testing.T, configure func(*config.BuildConfiguration)) *testSession {
	t.Helper()
	cfg := config.BuildConfiguration{
		Root:         "default",
		SBTarget:     "ARMEL",
		BaseDir:      t.TempDir(),
		SandboxHome:  "/home/builder",
		BuildCommand: testBuildCommand,
		Clean:        true,
	}
	if configure != nil {
		configure(&cfg)
	}

	s := NewSession(cfg, logging.Discard())
	ts := &testSession{
		Session: s,
		runner:  &stubRunner{workDir: s.Paths.WorkDir, sink: s},
		targets: &stubTargets{},
		deps:    &stubDeps{},
		out:     &bytes.Buffer{},
	}
	s.Exec = ts.runner
	s.Targets = ts.targets
	s.Deps = ts.deps
	s.Out = ts.out
	s.Now = func() time.Time { return testNow }
	return ts
}

func md5hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

func writeSourcePackage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig := "upstream tarball"
	diff := "debian diff"
	for name, content := range map[string]string{
		"hello_2.4.orig.tar.gz": orig,
		"hello_2.4-3.diff.gz":   diff,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	dsc := fmt.Sprintf("Format: 1.0\nSource: hello\nVersion: 2.4-3\nFiles:\n %s %d hello_2.4.orig.tar.gz\n %s %d hello_2.4-3.diff.gz\n",
		md5hex(orig), len(orig), md5hex(diff), len(diff))
	path := filepath.Join(dir, "hello_2.4-3.dsc")
	if err := os.WriteFile(path, []byte(dsc), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func phaseLines(phases ...Phase) string {
	var b strings.Builder
	for _, phase := range phases {
		fmt.Fprintf(&b, "%s %s\n", logging.Stamp(testNow), phase)
	}
	return b.String()
}

func TestResolvePaths(t *testing.T) {
	t.Parallel()

	got := ResolvePaths(config.BuildConfiguration{
		Root:        "default",
		BaseDir:     "/scratchbox/users/builder",
		SandboxHome: "/home/builder",
	})
	want := Paths{
		BuildDir:        "/scratchbox/users/builder/home/builder/default",
		SandboxBuildDir: "/home/builder/default",
		WorkDir:         "/scratchbox/users/builder/home/builder/default/work",
		SandboxWorkDir:  "/home/builder/default/work",
		ResultDir:       "/scratchbox/users/builder/home/builder/default/result",
		StateDir:        "/scratchbox/users/builder/home/builder/default/state",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ResolvePaths() (-want +got):\n%s", diff)
	}

	got = ResolvePaths(config.BuildConfiguration{
		Root:        "default",
		BaseDir:     "/sb",
		SandboxHome: "/home/builder",
		ResultDir:   "/tmp/results",
		StateDir:    "/tmp/state",
	})
	if got.ResultDir != "/tmp/results" || got.StateDir != "/tmp/state" {
		t.Fatalf("ResolvePaths() result/state = %s/%s, want overrides", got.ResultDir, got.StateDir)
	}
}

func TestPhaseBefore(t *testing.T) {
	t.Parallel()

	if !PhaseInit.Before(PhaseClean) || !PhaseBuild.Before(PhaseDone) {
		t.Fatal("phases out of order")
	}
	if PhasePrep.Before(PhasePrep) || PhaseEnding.Before(PhaseSetup) {
		t.Fatal("Before() must be strict")
	}
}

func TestSessionBuild(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	ctx := context.Background()
	dsc := writeSourcePackage(t)

	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ts.Prep(ctx); err != nil {
		t.Fatalf("Prep() error = %v", err)
	}
	if err := ts.Build(ctx, dsc); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	wantTargets := []string{
		"reset 15", "hostusr clean",
		"clib", "fakeroot", "files", "hostusr setup",
		"killall 1",
	}
	if diff := cmp.Diff(wantTargets, ts.targets.calls); diff != "" {
		t.Fatalf("target calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"apt update", "builddeps hello-2.4"}, ts.deps.calls); diff != "" {
		t.Fatalf("dependency calls (-want +got):\n%s", diff)
	}
	wantCommands := []string{
		"cd /home/builder/default/work && dpkg-source -x hello_2.4-3.dsc",
		"cd /home/builder/default/work/hello-2.4 && " + testBuildCommand,
	}
	if diff := cmp.Diff(wantCommands, ts.runner.commands); diff != "" {
		t.Fatalf("sandbox commands (-want +got):\n%s", diff)
	}

	wantOut := phaseLines(PhaseInit, PhaseClean, PhasePrep, PhaseSetup, PhaseBuild, PhaseEnding, PhaseDone)
	if diff := cmp.Diff(wantOut, ts.out.String()); diff != "" {
		t.Fatalf("phase output (-want +got):\n%s", diff)
	}
	if got := readFile(t, filepath.Join(ts.Paths.StateDir, "status")); got != "done\n" {
		t.Fatalf("status = %q, want done", got)
	}

	for _, name := range []string{"hello_2.4-3.dsc", "hello_2.4.orig.tar.gz", "hello_2.4-3.diff.gz"} {
		if _, err := os.Stat(filepath.Join(ts.Paths.WorkDir, name)); err != nil {
			t.Fatalf("source %s not staged: %v", name, err)
		}
	}
	for _, name := range []string{"hello_2.4-3_armel.changes", "hello_2.4-3_armel.deb", artifacts.ManifestName} {
		if _, err := os.Stat(filepath.Join(ts.Paths.ResultDir, name)); err != nil {
			t.Fatalf("result %s missing: %v", name, err)
		}
	}

	if got := readFile(t, filepath.Join(ts.Paths.ResultDir, "build.log")); got != "building hello\n" {
		t.Fatalf("build.log = %q", got)
	}
	rootLog := readFile(t, filepath.Join(ts.Paths.ResultDir, "root.log"))
	stamp := logging.Stamp(testNow)
	for _, want := range []string{
		stamp + " Cleaning Root\n",
		"dpkg-source: extracting hello in hello-2.4\n",
		stamp + " Cleaning up...\n",
		stamp + " Done.\n",
	} {
		if !strings.Contains(rootLog, want) {
			t.Fatalf("root.log missing %q:\n%s", want, rootLog)
		}
	}
	wantSnapshot := fmt.Sprintf("builddir=%s\nresultdir=%s\nstatedir=%s\n", ts.Paths.BuildDir, ts.Paths.ResultDir, ts.Paths.StateDir)
	if got := readFile(t, filepath.Join(ts.Paths.ResultDir, "sbdmockconfig.log")); got != wantSnapshot {
		t.Fatalf("sbdmockconfig.log = %q, want %q", got, wantSnapshot)
	}
}

func TestSessionBuildFailureKeepsLogs(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	ts.runner.buildStatus = 2
	ctx := context.Background()

	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ts.Prep(ctx); err != nil {
		t.Fatalf("Prep() error = %v", err)
	}
	err := ts.Build(ctx, writeSourcePackage(t))
	if !failure.Is(err, failure.Build) || failure.ExitCode(err) != 10 {
		t.Fatalf("Build() error = %v, want build failure with code 10", err)
	}
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := readFile(t, filepath.Join(ts.Paths.ResultDir, "build.log")); got != "building hello\n" {
		t.Fatalf("build.log = %q", got)
	}
	if got := readFile(t, filepath.Join(ts.Paths.StateDir, "status")); got != "done\n" {
		t.Fatalf("status = %q, want done", got)
	}
	if _, err := os.Stat(filepath.Join(ts.Paths.ResultDir, artifacts.ManifestName)); !os.IsNotExist(err) {
		t.Fatalf("manifest written for failed build: %v", err)
	}
}

func TestSessionBuildMissingSourceDir(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	ts.runner.noUnpack = true
	ctx := context.Background()
	defer ts.Close(ctx)

	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	err := ts.Build(ctx, writeSourcePackage(t))
	if !failure.Is(err, failure.Pkg) || !strings.Contains(err.Error(), "hello-2.4") {
		t.Fatalf("Build() error = %v, want package failure naming hello-2.4", err)
	}
	if len(ts.deps.calls) != 0 {
		t.Fatalf("dependencies installed for a missing source dir: %v", ts.deps.calls)
	}
}

func TestSessionBuildRejectsTamperedSource(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	ctx := context.Background()
	defer ts.Close(ctx)

	dsc := writeSourcePackage(t)
	if err := os.WriteFile(filepath.Join(filepath.Dir(dsc), "hello_2.4-3.diff.gz"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ts.Build(ctx, dsc); !failure.Is(err, failure.Pkg) {
		t.Fatalf("Build() error = %v, want package failure", err)
	}
	if len(ts.runner.commands) != 0 {
		t.Fatalf("sandbox commands run for a tampered source: %v", ts.runner.commands)
	}
}

func TestSessionPhasesOnlyAdvance(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, func(cfg *config.BuildConfiguration) { cfg.Clean = false })
	ctx := context.Background()
	defer ts.Close(ctx)

	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ts.Open(ctx); err == nil {
		t.Fatal("second Open() succeeded")
	}
	if err := ts.Prep(ctx); err != nil {
		t.Fatalf("Prep() error = %v", err)
	}
	if err := ts.Clean(ctx); err == nil {
		t.Fatal("Clean() after Prep() succeeded")
	}
	if ts.Phase() != PhasePrep {
		t.Fatalf("Phase() = %s, want prep", ts.Phase())
	}
	if got := readFile(t, filepath.Join(ts.Paths.StateDir, "status")); got != "prep\n" {
		t.Fatalf("status = %q, want prep", got)
	}
}

func TestSessionPrepWithoutClean(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, func(cfg *config.BuildConfiguration) {
		cfg.Clean = false
		cfg.Rootstrap = "/tmp/rootstrap.tgz"
	})
	ctx := context.Background()

	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ts.Prep(ctx); err != nil {
		t.Fatalf("Prep() error = %v", err)
	}
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := []string{
		"reset 15", "fakeroot",
		"rootstrap /tmp/rootstrap.tgz", "fakeroot", "files", "hostusr setup",
		"killall 1",
	}
	if diff := cmp.Diff(want, ts.targets.calls); diff != "" {
		t.Fatalf("target calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(phaseLines(PhaseInit, PhasePrep, PhaseEnding, PhaseDone), ts.out.String()); diff != "" {
		t.Fatalf("phase output (-want +got):\n%s", diff)
	}
}

func TestSessionEphemeralTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		auto      bool
		wantClose []string
	}{
		{name: "generated suffix", auto: true, wantClose: []string{"killall 1", "remove"}},
		{name: "explicit suffix", auto: false, wantClose: []string{"killall 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := newTestSession(t, func(cfg *config.BuildConfiguration) {
				cfg.Clean = false
				cfg.UniqueExt = "3f2a"
				cfg.UniqueExtAuto = tt.auto
			})
			ctx := context.Background()
			if err := ts.Open(ctx); err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if err := ts.Prep(ctx); err != nil {
				t.Fatalf("Prep() error = %v", err)
			}
			prep := len(ts.targets.calls)
			wantPrep := []string{"remove", "create", "reset 15", "fakeroot", "clib", "fakeroot", "files", "hostusr setup"}
			if diff := cmp.Diff(wantPrep, ts.targets.calls); diff != "" {
				t.Fatalf("prep calls (-want +got):\n%s", diff)
			}

			if err := ts.Close(ctx); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if diff := cmp.Diff(tt.wantClose, ts.targets.calls[prep:]); diff != "" {
				t.Fatalf("close calls (-want +got):\n%s", diff)
			}
			if ts.Config.TargetName() != "ARMEL-3f2a" {
				t.Fatalf("TargetName() = %s", ts.Config.TargetName())
			}
		})
	}
}

func TestSessionRemovesGeneratedTargetOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fail    string
		status  int
		dropDir bool
	}{
		{name: "prep fails", fail: "files"},
		{name: "build fails", status: 2},
		{name: "build directory gone", fail: "files", dropDir: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := newTestSession(t, func(cfg *config.BuildConfiguration) {
				cfg.Clean = false
				cfg.UniqueExt = "3f2a"
				cfg.UniqueExtAuto = true
			})
			if tt.fail != "" {
				ts.targets.fail = map[string]error{tt.fail: failure.New(failure.Root, "%s failed", tt.fail)}
			}
			ts.runner.buildStatus = tt.status
			ctx := context.Background()
			if err := ts.Open(ctx); err != nil {
				t.Fatalf("Open() error = %v", err)
			}

			err := ts.Prep(ctx)
			if err == nil {
				err = ts.Build(ctx, writeSourcePackage(t))
			}
			if err == nil {
				t.Fatal("session succeeded, want failure")
			}
			if tt.dropDir {
				if err := os.RemoveAll(ts.Paths.BuildDir); err != nil {
					t.Fatalf("RemoveAll() error = %v", err)
				}
			}

			before := len(ts.targets.calls)
			if err := ts.Close(ctx); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if diff := cmp.Diff([]string{"killall 1", "remove"}, ts.targets.calls[before:]); diff != "" {
				t.Fatalf("close calls (-want +got):\n%s", diff)
			}
			if _, err := os.Stat(ts.Paths.BuildDir); err != nil {
				t.Fatalf("build directory not recreated: %v", err)
			}
		})
	}
}

func TestSessionOpenStopsWaitingForLockOnCancel(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	holder, err := lock.Acquire(context.Background(), ts.LockPath, logging.Discard())
	if err != nil {
		t.Fatalf("lock.Acquire() error = %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- ts.Open(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || failure.ExitCode(err) != failure.ExitInterrupted {
			t.Fatalf("Open() error = %v, want interrupt", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Open() still waiting for the target lock after cancel")
	}

	if err := ts.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(ts.targets.calls) != 0 {
		t.Fatalf("Close() without the lock touched the target: %v", ts.targets.calls)
	}
	if _, err := os.Stat(filepath.Join(ts.Paths.StateDir, "status")); !os.IsNotExist(err) {
		t.Fatalf("status written without the lock: %v", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	ctx := context.Background()
	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	calls := len(ts.targets.calls)
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if len(ts.targets.calls) != calls {
		t.Fatalf("second Close() touched the target: %v", ts.targets.calls[calls:])
	}
	if ts.Phase() != PhaseDone {
		t.Fatalf("Phase() = %s, want done", ts.Phase())
	}
}

func TestSessionCloseAfterCanceledContext(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	cancel()
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := ts.targets.calls[len(ts.targets.calls)-1]; got != "killall 1" {
		t.Fatalf("last target call = %s, want killall 1", got)
	}
}

func TestSessionLockReleasedOnClose(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	ctx := context.Background()
	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !strings.HasSuffix(ts.LockPath, filepath.Join(".sbdmock", "ARMEL.lock")) {
		t.Fatalf("LockPath = %s", ts.LockPath)
	}

	other := newTestSession(t, nil)
	other.LockPath = ts.LockPath
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := other.Open(ctx); err != nil {
		t.Fatalf("Open() after release error = %v", err)
	}
	if err := other.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestActiveLog(t *testing.T) {
	t.Parallel()

	ts := newTestSession(t, nil)
	if _, ok := ts.ActiveLog().(*logging.EventLog); !ok {
		t.Fatalf("ActiveLog() before open = %T, want root log", ts.ActiveLog())
	}
	fmt.Fprintln(ts.ActiveLog(), "early line")

	ctx := context.Background()
	if err := ts.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := ts.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rootLog := readFile(t, filepath.Join(ts.Paths.ResultDir, "root.log"))
	if !strings.HasPrefix(rootLog, "early line\n") {
		t.Fatalf("root.log does not start with buffered output:\n%s", rootLog)
	}
}
