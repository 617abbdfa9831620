package build

import (
	"path"
	"path/filepath"

	"github.com/cochaviz/sbdmock/internal/config"
)

// Phase is a step of a build session. Phases only ever advance.
type Phase string

// Session phases in traversal order.
const (
	PhaseUnstarted Phase = "unstarted"
	PhaseInit      Phase = "init"
	PhaseClean     Phase = "clean"
	PhasePrep      Phase = "prep"
	PhaseSetup     Phase = "setup"
	PhaseBuild     Phase = "build"
	PhaseEnding    Phase = "ending"
	PhaseDone      Phase = "done"
)

var phaseOrder = map[Phase]int{
	PhaseUnstarted: 0,
	PhaseInit:      1,
	PhaseClean:     2,
	PhasePrep:      3,
	PhaseSetup:     4,
	PhaseBuild:     5,
	PhaseEnding:    6,
	PhaseDone:      7,
}

// Before reports whether p comes earlier than other.
func (p Phase) Before(other Phase) bool {
	return phaseOrder[p] < phaseOrder[other]
}

// Paths are the directories of a session. Sandbox* fields are the same
// locations as seen from inside the target.
type Paths struct {
	BuildDir        string
	SandboxBuildDir string
	WorkDir         string
	SandboxWorkDir  string
	ResultDir       string
	StateDir        string
}

// ResolvePaths derives the session directories from cfg.
func ResolvePaths(cfg config.BuildConfiguration) Paths {
	sandboxBuild := path.Join(cfg.SandboxHome, cfg.Root)
	build := filepath.Join(cfg.BaseDir, filepath.FromSlash(sandboxBuild))
	p := Paths{
		BuildDir:        build,
		SandboxBuildDir: sandboxBuild,
		WorkDir:         filepath.Join(build, "work"),
		SandboxWorkDir:  path.Join(sandboxBuild, "work"),
		ResultDir:       cfg.ResultDir,
		StateDir:        cfg.StateDir,
	}
	if p.ResultDir == "" {
		p.ResultDir = filepath.Join(build, "result")
	}
	if p.StateDir == "" {
		p.StateDir = filepath.Join(build, "state")
	}
	return p
}
