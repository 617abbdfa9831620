package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BuildMode narrows what the build tool produces.
type BuildMode string

const (
	BuildModeDefault    BuildMode = ""
	BuildModeBinaryOnly BuildMode = "-b" // binary only, no source
	BuildModeArchOnly   BuildMode = "-B" // architecture-dependent binaries only
	BuildModeSourceOnly BuildMode = "-S" // source only
)

// Overrides are the command-line settings merged over a loaded configuration.
type Overrides struct {
	NoClean     bool
	Debug       bool
	ResultDir   string
	StateDir    string
	SBTarget    string
	UniqueExt   string
	AddRepos    []string
	InsertRepos []string
	BuildMode   BuildMode
}

// Builder finalises a BuildConfiguration before a session is constructed.
type Builder struct {
	cfg BuildConfiguration
}

// NewBuilder starts from a copy of base.
func NewBuilder(base BuildConfiguration) *Builder {
	return &Builder{cfg: base.clone()}
}

// Apply merges command-line overrides.
func (b *Builder) Apply(o Overrides) *Builder {
	if o.NoClean {
		b.cfg.Clean = false
	}
	if o.Debug {
		b.cfg.Debug = true
	}
	if o.ResultDir != "" {
		b.cfg.ResultDir = o.ResultDir
	}
	if o.StateDir != "" {
		b.cfg.StateDir = o.StateDir
	}
	if o.SBTarget != "" {
		b.cfg.SBTarget = o.SBTarget
	}

	if len(o.AddRepos) > 0 {
		var s strings.Builder
		s.WriteString(b.cfg.SourcesList)
		s.WriteString("\n# Repositories added from command line\n")
		for _, repo := range o.AddRepos {
			s.WriteString(repo)
			s.WriteByte('\n')
		}
		b.cfg.SourcesList = s.String()
	}
	if len(o.InsertRepos) > 0 {
		var s strings.Builder
		s.WriteString("# Repositories inserted from command line\n")
		for _, repo := range o.InsertRepos {
			s.WriteString(repo)
			s.WriteByte('\n')
		}
		s.WriteString("\n# Repositories from config file\n")
		s.WriteString(b.cfg.SourcesList)
		b.cfg.SourcesList = s.String()
	}

	if o.BuildMode != BuildModeDefault {
		b.cfg.BuildCommand += " " + string(o.BuildMode)
	}
	if o.UniqueExt != "" {
		b.cfg.UniqueExt = o.UniqueExt
		b.cfg.UniqueExtAuto = false
	}
	return b
}

// ForceClean enables cleaning regardless of --no-clean, as the clean command does.
func (b *Builder) ForceClean() *Builder {
	b.cfg.Clean = true
	return b
}

// AutoUniqueExt generates a unique suffix from the process id, configuration
// name and source path, unless one is already set. Generated suffixes mark
// the target for removal at the end of the session.
func (b *Builder) AutoUniqueExt(pid int, target, dsc string) *Builder {
	if b.cfg.UniqueExt != "" {
		return b
	}
	b.cfg.UniqueExt = GenerateUniqueExt(pid, target, dsc)
	b.cfg.UniqueExtAuto = true
	return b
}

// Build returns the finished configuration.
func (b *Builder) Build() (BuildConfiguration, error) {
	cfg := b.cfg.clone()
	if err := cfg.Validate(); err != nil {
		return BuildConfiguration{}, err
	}
	return cfg, nil
}

// GenerateUniqueExt derives a stable suffix for the given inputs.
func GenerateUniqueExt(pid int, target, dsc string) string {
	seed := fmt.Sprintf("%d%s%s", pid, target, dsc)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
