package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cochaviz/sbdmock/internal/build"
	"github.com/cochaviz/sbdmock/internal/config"
	"github.com/cochaviz/sbdmock/internal/failure"
	"github.com/cochaviz/sbdmock/internal/logging"
	"github.com/cochaviz/sbdmock/internal/setup"
)

const (
	defaultLogLevel = "info"
	resolvConf      = "/etc/resolv.conf"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the process exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)
	logger := logging.NewCLI(stderr, &levelVar)

	root := newRootCommand(stdout, stderr, &levelVar, &logger)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := usageError(root.ExecuteContext(ctx))
	code := failure.ExitCode(err)
	switch {
	case err == nil:
	case code == failure.ExitInterrupted:
		logger.Warn("command interrupted", "error", err)
	default:
		logger.Error("command execution failed", "error", err, "exit_code", code)
	}
	return code
}

// usageError classifies errors cobra raises for a bad command line.
func usageError(err error) error {
	var f *failure.Error
	if err == nil || errors.As(err, &f) || errors.Is(err, context.Canceled) {
		return err
	}
	return failure.Wrap(failure.Sandbox, err, "invalid invocation")
}

type action string

const (
	actionBuild action = "build"
	actionClean action = "clean"
	actionInit  action = "init"
)

type invocation struct {
	action action
	dsc    string
}

// parseInvocation accepts `clean`, `init`, `rebuild <dsc>` or a bare <dsc>.
func parseInvocation(args []string) (invocation, error) {
	if len(args) == 0 {
		return invocation{}, failure.New(failure.Sandbox, "no command or source package given")
	}

	var inv invocation
	rest := args[1:]
	switch args[0] {
	case "clean":
		inv.action = actionClean
	case "init":
		inv.action = actionInit
	case "rebuild":
		if len(rest) == 0 {
			return invocation{}, failure.New(failure.Sandbox, "rebuild needs a source package")
		}
		inv = invocation{action: actionBuild, dsc: rest[0]}
		rest = rest[1:]
	default:
		inv = invocation{action: actionBuild, dsc: args[0]}
	}
	if len(rest) > 0 {
		return invocation{}, failure.New(failure.Sandbox, "unexpected arguments %q", rest)
	}
	return inv, nil
}

type options struct {
	target      string
	noClean     bool
	debug       bool
	resultDir   string
	stateDir    string
	sbTarget    string
	addRepos    []string
	insertRepos []string
	uniqueExt   string
	autoUnique  bool
	binaryOnly  bool
	archOnly    bool
	sourceOnly  bool
	logLevel    string
	logFormat   string
}

func (o *options) overrides() config.Overrides {
	mode := config.BuildModeDefault
	switch {
	case o.binaryOnly:
		mode = config.BuildModeBinaryOnly
	case o.archOnly:
		mode = config.BuildModeArchOnly
	case o.sourceOnly:
		mode = config.BuildModeSourceOnly
	}
	return config.Overrides{
		NoClean:     o.noClean,
		Debug:       o.debug,
		ResultDir:   o.resultDir,
		StateDir:    o.stateDir,
		SBTarget:    o.sbTarget,
		UniqueExt:   o.uniqueExt,
		AddRepos:    o.addRepos,
		InsertRepos: o.insertRepos,
		BuildMode:   mode,
	}
}

func newRootCommand(stdout, stderr io.Writer, levelVar *slog.LevelVar, logger **slog.Logger) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "sbdmock [flags] <dsc> | clean | init | rebuild <dsc>",
		Short: "Build Debian source packages inside a scratchbox target",
		Args: func(cmd *cobra.Command, args []string) error {
			_, err := parseInvocation(args)
			return err
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		mode, err := logging.ParseMode(opts.logFormat)
		if err != nil {
			return failure.Wrap(failure.Sandbox, err, "invalid --log-format")
		}
		level, err := logging.ParseLevel(opts.logLevel)
		if err != nil {
			return failure.Wrap(failure.Sandbox, err, "invalid --log-level")
		}
		if opts.debug {
			level = slog.LevelDebug
		}
		levelVar.Set(level)

		*logger = logging.New(mode, stderr, levelVar)
		slog.SetDefault(*logger)
		setup.SetLogger((*logger).With("component", "setup"))
		color.Enable = isTerminal(stdout)
		return nil
	}
	root.RunE = func(cmd *cobra.Command, args []string) error {
		inv, err := parseInvocation(args)
		if err != nil {
			return err
		}
		return run(cmd.Context(), inv, opts, stdout, *logger)
	}

	flags := root.Flags()
	flags.StringVarP(&opts.target, "target", "r", config.DefaultTarget, "Configuration name, read from /etc/sbdmock/<name>.yaml and ~/.sbdmock/<name>.yaml")
	flags.BoolVarP(&opts.noClean, "no-clean", "n", false, "Do not clean the target before building")
	flags.BoolVarP(&opts.debug, "debug", "v", false, "Log debug output and keep streaming after the build status")
	flags.StringVar(&opts.resultDir, "resultdir", "", "Directory the results and logs are stored in")
	flags.StringVar(&opts.stateDir, "statedir", "", "Directory the session status file is kept in")
	flags.StringVar(&opts.sbTarget, "sbtarget", "", "Override the sandbox target name")
	flags.StringArrayVar(&opts.addRepos, "addrepo", nil, "Append a sources.list line (repeatable)")
	flags.StringArrayVar(&opts.insertRepos, "insertrepo", nil, "Prepend a sources.list line (repeatable)")
	flags.StringVar(&opts.uniqueExt, "uniqueext", "", "Build in a throwaway target with this suffix")
	flags.BoolVarP(&opts.autoUnique, "auto-uniqueext", "u", false, "Build in a throwaway target with a generated suffix")
	flags.BoolVarP(&opts.binaryOnly, "binary-only", "b", false, "Build binary packages only, no source")
	flags.BoolVarP(&opts.archOnly, "binary-arch", "B", false, "Build architecture dependent binary packages only")
	flags.BoolVarP(&opts.sourceOnly, "source-only", "S", false, "Build the source package only")
	flags.StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&opts.logFormat, "log-format", "cli", "Log record format (cli, json)")
	root.MarkFlagsMutuallyExclusive("binary-only", "binary-arch", "source-only")

	return root
}

func run(ctx context.Context, inv invocation, opts *options, stdout io.Writer, logger *slog.Logger) error {
	if inv.dsc != "" {
		if info, err := os.Stat(inv.dsc); err != nil || info.IsDir() {
			return failure.New(failure.Sandbox, "cannot find source package %s", inv.dsc)
		}
	}

	cfg, err := loadConfiguration(inv, opts)
	if err != nil {
		return err
	}
	cmdLogger := logger.With("command", string(inv.action), "target", cfg.TargetName())
	if err := verifySetup(cfg.Launcher, cmdLogger); err != nil {
		return err
	}

	session := build.NewSession(cfg, cmdLogger)
	session.Out = stdout
	start := time.Now()

	err = drive(ctx, session, inv)
	if closeErr := session.Close(ctx); closeErr != nil {
		cmdLogger.Warn("session teardown incomplete", "error", closeErr)
		if err == nil {
			err = failure.Wrap(failure.Generic, closeErr, "close session")
		}
	}

	if err == nil {
		printFinished(stdout, inv.action, time.Since(start), session.Paths.ResultDir)
	}
	return err
}

// printFinished reports a successful command.
func printFinished(w io.Writer, act action, elapsed time.Duration, resultDir string) {
	switch act {
	case actionClean:
		fmt.Fprintln(w, color.Green.Sprint("Finished cleaning target"))
	case actionInit:
		fmt.Fprintln(w, color.Green.Sprint("Finished initializing target"))
	case actionBuild:
		fmt.Fprintf(w, "Elapsed time %s\n", formatElapsed(elapsed))
		fmt.Fprintf(w, "Results and/or logs in: %s\n", color.Bold.Sprint(resultDir))
	}
}

func drive(ctx context.Context, session *build.Session, inv invocation) error {
	if err := session.Open(ctx); err != nil {
		return err
	}
	if inv.action == actionClean {
		return nil
	}
	if err := session.Prep(ctx); err != nil {
		return err
	}
	if inv.action == actionInit {
		return nil
	}
	return session.Build(ctx, inv.dsc)
}

func loadConfiguration(inv invocation, opts *options) (config.BuildConfiguration, error) {
	userDir, err := setup.UserConfigDir()
	if err != nil {
		return config.BuildConfiguration{}, failure.Wrap(failure.Generic, err, "locate user configuration")
	}
	current, err := user.Current()
	if err != nil {
		return config.BuildConfiguration{}, failure.Wrap(failure.Generic, err, "look up current user")
	}

	loader := config.Loader{
		SystemDir:  setup.ConfigDir,
		UserDir:    userDir,
		User:       current.Username,
		ResolvConf: resolvConf,
	}
	base, err := loader.Load(opts.target)
	if err != nil {
		return config.BuildConfiguration{}, err
	}

	builder := config.NewBuilder(base).Apply(opts.overrides())
	if inv.action == actionClean {
		builder.ForceClean()
	}
	if opts.autoUnique {
		builder.AutoUniqueExt(os.Getpid(), opts.target, inv.dsc)
	}
	return builder.Build()
}

func verifySetup(launcher string, logger *slog.Logger) error {
	logger = logger.With("action", "verify_setup")
	logger.Debug("verifying host prerequisites")
	host, err := setup.CurrentHost()
	if err != nil {
		return failure.Wrap(failure.Generic, err, "inspect host")
	}
	if err := setup.Verify(host, launcher); err != nil {
		logger.Error("setup verification failed", "error", err)
		return failure.Wrap(failure.Generic, err, "host prerequisites")
	}
	return nil
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
