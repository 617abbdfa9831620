package build

import (
	"context"
	"syscall"
)

// TargetManager prepares and tears down the session's target.
type TargetManager interface {
	Create(ctx context.Context) error
	Reset(ctx context.Context, sig syscall.Signal) error
	Remove(ctx context.Context) error
	KillAll(ctx context.Context, sig syscall.Signal) error
	InstallFakeroot(ctx context.Context) error
	InstallCLibrary(ctx context.Context) error
	ExtractRootstrap(ctx context.Context, source string) error
	WriteTargetFiles(sourcesList string, files map[string]string) error
	SetupHostUsr() error
	CleanHostUsr() error
}

// DependencyInstaller installs packages inside the target.
type DependencyInstaller interface {
	InstallBuildDeps(ctx context.Context, subdir string) error
	Apt(ctx context.Context, args string) error
}
