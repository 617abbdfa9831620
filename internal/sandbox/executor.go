package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/cochaviz/sbdmock/internal/failure"
)

// RunOptions tune a single sandboxed invocation.
type RunOptions struct {
	// Fatal turns a non-zero status into a failure.
	Fatal bool
	// ExitCode, when non-zero, replaces the status as the exit code of a
	// fatal failure.
	ExitCode int
}

// Fatal is shorthand for RunOptions{Fatal: true}.
func Fatal() RunOptions {
	return RunOptions{Fatal: true}
}

// FatalWithCode is a fatal RunOptions remapping the exit code.
func FatalWithCode(code int) RunOptions {
	return RunOptions{Fatal: true, ExitCode: code}
}

// LogSink selects the log that streamed output is copied into.
type LogSink interface {
	ActiveLog() io.Writer
}

// Executor runs shell commands inside a target through the sandbox launcher.
// It is not safe for concurrent use: a session runs one command at a time.
type Executor struct {
	// Launcher is the host path of the sandbox launcher binary.
	Launcher string
	// EnvFile is sourced inside the sandbox before the command runs.
	EnvFile string
	Env     map[string]string
	HostUsr *HostUsr
	Target  Target
	// ScriptDir is the host directory wrapper scripts are written to. It
	// must lie below Target.BaseDir.
	ScriptDir string
	// Verbose keeps collecting streamed output after the status marker.
	Verbose bool
	Logs    LogSink
	Logger  *slog.Logger
}

// Run executes command and parses its fully buffered output.
func (e *Executor) Run(ctx context.Context, command string, opts RunOptions) (CommandResult, error) {
	e.logger().Debug("executing in sandbox", "command", command)

	var result CommandResult
	err := e.withScript(command, func(inside string) error {
		cmd := exec.CommandContext(ctx, e.Launcher, inside)
		raw, err := cmd.CombinedOutput()
		if ctx.Err() != nil {
			return fmt.Errorf("run %s: %w", command, ctx.Err())
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return failure.Wrap(failure.Sandbox, err, "run %s", e.Launcher)
			}
		}
		e.logger().Debug("launcher finished", "status", cmd.ProcessState.ExitCode())
		result = ParseOutput(string(raw))
		if result.ExitCode == ExitMarkersMissing {
			e.logger().Debug("unable to parse launcher output", "output", string(raw))
		}
		return nil
	})
	if err != nil {
		return CommandResult{}, err
	}
	return result, checkFatal(result, command, opts)
}

// Stream executes command, copying its output into the active log line by
// line as it arrives.
func (e *Executor) Stream(ctx context.Context, command string, opts RunOptions) (CommandResult, error) {
	e.logger().Debug("executing in sandbox (streaming)", "command", command)

	var result CommandResult
	err := e.withScript(command, func(inside string) error {
		cmd := exec.CommandContext(ctx, e.Launcher, inside)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return failure.Wrap(failure.Sandbox, err, "create launcher pipe")
		}
		cmd.Stderr = cmd.Stdout
		if err := cmd.Start(); err != nil {
			return failure.Wrap(failure.Sandbox, err, "start %s", e.Launcher)
		}

		result, err = e.collect(stdout)
		if err != nil {
			_ = cmd.Wait()
			return failure.Wrap(failure.Sandbox, err, "read launcher output")
		}
		if err := cmd.Wait(); ctx.Err() != nil {
			return fmt.Errorf("run %s: %w", command, ctx.Err())
		} else if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return failure.Wrap(failure.Sandbox, err, "wait for %s", e.Launcher)
			}
		}
		e.logger().Debug("launcher finished", "status", cmd.ProcessState.ExitCode())
		return nil
	})
	if err != nil {
		return CommandResult{}, err
	}
	return result, checkFatal(result, command, opts)
}

func (e *Executor) collect(r io.Reader) (CommandResult, error) {
	var (
		log     = e.activeLog()
		output  strings.Builder
		started bool
		collect bool
		seen    bool
		status  = ExitNoStatus
		reader  = bufio.NewReader(r)
	)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			text := strings.TrimRight(line, "\r\n")
			switch {
			case !started && strings.HasPrefix(text, MarkerStart):
				started, collect = true, true
			case collect && !seen && strings.HasPrefix(text, MarkerStatus):
				status = parseStatus(strings.TrimPrefix(text, MarkerStatus))
				seen, collect = true, e.Verbose
			case collect:
				if !strings.HasSuffix(line, "\n") {
					line += "\n"
				}
				if _, werr := io.WriteString(log, line); werr != nil {
					e.logger().Warn("write to session log failed", "error", werr)
				}
				e.logger().Debug(text)
				output.WriteString(line)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return CommandResult{}, err
		}
	}
	if !seen {
		e.logger().Warn("sandboxed command ended without a status line")
	}
	return CommandResult{ExitCode: status, Output: output.String()}, nil
}

// withScript writes the wrapper for command, hands its sandbox path to fn
// and removes it afterwards.
func (e *Executor) withScript(command string, fn func(inside string) error) error {
	if err := e.HostUsr.ReconcileLink(); err != nil {
		return failure.Wrap(failure.Sandbox, err, "reconcile host_usr link")
	}

	file, err := os.CreateTemp(e.ScriptDir, "sbdmock-*.sh")
	if err != nil {
		return failure.Wrap(failure.Sandbox, err, "create command script")
	}
	path := file.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger().Warn("remove command script", "path", path, "error", err)
		}
	}()

	_, err = file.WriteString(e.script(command).Render())
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return failure.Wrap(failure.Sandbox, err, "write command script")
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return failure.Wrap(failure.Sandbox, err, "chmod command script")
	}

	inside, err := e.Target.InsidePath(path)
	if err != nil {
		return failure.Wrap(failure.Sandbox, err, "locate command script")
	}
	return fn(inside)
}

func (e *Executor) script(command string) Script {
	names := make([]string, 0, len(e.Env))
	for name := range e.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	return Script{
		EnvFile:  e.EnvFile,
		Env:      e.Env,
		EnvNames: names,
		HostUsr:  e.HostUsr.Names(),
		Command:  command,
	}
}

func (e *Executor) activeLog() io.Writer {
	if e.Logs == nil {
		return io.Discard
	}
	if w := e.Logs.ActiveLog(); w != nil {
		return w
	}
	return io.Discard
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func checkFatal(result CommandResult, command string, opts RunOptions) error {
	if !opts.Fatal || result.OK() {
		return nil
	}
	code := result.ExitCode
	if opts.ExitCode != 0 {
		code = opts.ExitCode
	}
	return failure.WithCode(failure.Generic, code, "non-zero return value %d on executing %s", code, command)
}
