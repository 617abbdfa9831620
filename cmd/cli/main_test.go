package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/sbdmock/internal/config"
	"github.com/cochaviz/sbdmock/internal/failure"
)

func TestParseInvocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args    []string
		want    invocation
		wantErr bool
	}{
		{args: []string{"hello_2.4-3.dsc"}, want: invocation{action: actionBuild, dsc: "hello_2.4-3.dsc"}},
		{args: []string{"rebuild", "hello_2.4-3.dsc"}, want: invocation{action: actionBuild, dsc: "hello_2.4-3.dsc"}},
		{args: []string{"clean"}, want: invocation{action: actionClean}},
		{args: []string{"init"}, want: invocation{action: actionInit}},
		{args: nil, wantErr: true},
		{args: []string{"rebuild"}, wantErr: true},
		{args: []string{"clean", "extra"}, wantErr: true},
		{args: []string{"a.dsc", "b.dsc"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseInvocation(tt.args)
		if tt.wantErr {
			if failure.ExitCode(err) != 50 {
				t.Errorf("parseInvocation(%q) error = %v, want exit code 50", tt.args, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseInvocation(%q) error = %v", tt.args, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(invocation{})); diff != "" {
			t.Errorf("parseInvocation(%q) (-want +got):\n%s", tt.args, diff)
		}
	}
}

func TestExecuteRejectsInvalidInvocations(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no arguments", args: nil},
		{name: "rebuild without source", args: []string{"rebuild"}},
		{name: "missing source package", args: []string{"/nonexistent/hello_2.4-3.dsc"}},
		{name: "conflicting build modes", args: []string{"-b", "-S", "hello_2.4-3.dsc"}},
		{name: "unknown flag", args: []string{"--frobnicate", "init"}},
		{name: "bad log level", args: []string{"--log-level", "loud", "init"}},
	}
	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		if code := execute(context.Background(), tt.args, &stdout, &stderr); code != 50 {
			t.Errorf("%s: execute() = %d, want 50 (stderr: %s)", tt.name, code, stderr.String())
		}
	}
}

func TestUsageErrorExitCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: 0},
		{err: failure.New(failure.Build, "error building package"), want: 10},
		{err: failure.WithCode(failure.Generic, 42, "non-zero return value"), want: 42},
		{err: fmt.Errorf("run dpkg-buildpackage: %w", context.Canceled), want: 130},
		{err: errors.New("unknown shorthand flag"), want: 50},
	}
	for _, tt := range tests {
		if got := failure.ExitCode(usageError(tt.err)); got != tt.want {
			t.Errorf("failure.ExitCode(usageError(%v)) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPrintFinished(t *testing.T) {
	t.Parallel()

	tests := []struct {
		act  action
		want []string
	}{
		{act: actionClean, want: []string{"Finished cleaning target"}},
		{act: actionInit, want: []string{"Finished initializing target"}},
		{act: actionBuild, want: []string{"Elapsed time 00:01:05\n", "Results and/or logs in: ", "/srv/result"}},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		printFinished(&out, tt.act, 65*time.Second, "/srv/result")
		for _, want := range tt.want {
			if !strings.Contains(out.String(), want) {
				t.Errorf("printFinished(%s) = %q, missing %q", tt.act, out.String(), want)
			}
		}
	}
}

func TestOverrides(t *testing.T) {
	t.Parallel()

	opts := &options{noClean: true, archOnly: true, addRepos: []string{"deb http://example.org/ sid main"}}
	want := config.Overrides{
		NoClean:   true,
		AddRepos:  []string{"deb http://example.org/ sid main"},
		BuildMode: config.BuildModeArchOnly,
	}
	if diff := cmp.Diff(want, opts.overrides()); diff != "" {
		t.Fatalf("overrides() (-want +got):\n%s", diff)
	}
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want string
	}{
		{d: 0, want: "00:00:00"},
		{d: 59*time.Second + 600*time.Millisecond, want: "00:01:00"},
		{d: time.Hour + 2*time.Minute + 3*time.Second, want: "01:02:03"},
		{d: 26 * time.Hour, want: "26:00:00"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.d); got != tt.want {
			t.Errorf("formatElapsed(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
