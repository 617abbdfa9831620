package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

// Marker lines framing a sandboxed command. Log tooling tails these, so the
// literals must not change.
const (
	MarkerSetup  = "SBDMOCK-AUTO: Setup Environment"
	MarkerStart  = "SBDMOCK-AUTO: Start"
	MarkerStatus = "SBDMOCK-AUTO: Status = "
)

// HostUsrBinDir is where redirected host binaries appear inside the sandbox.
const HostUsrBinDir = "/host_usr/bin"

// Script describes the wrapper executed by the sandbox launcher.
type Script struct {
	EnvFile string
	// Env is exported in the order of EnvNames.
	Env      map[string]string
	EnvNames []string
	// HostUsr lists binaries redirected to HostUsrBinDir.
	HostUsr []string
	Command string
}

// Render returns the shell script text.
func (s Script) Render() string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n\n")
	b.WriteString("# !!! Automatic temporary file. Do not touch !!!\n")
	b.WriteString("\n\necho \"" + MarkerSetup + "\"\n")
	if s.EnvFile != "" {
		b.WriteString("source " + s.EnvFile + "\n")
	}
	b.WriteString("\n# Configuration environment options: \n")
	for _, name := range s.EnvNames {
		value, ok := s.Env[name]
		if !ok {
			continue
		}
		b.WriteString("export " + name + "=\"" + strings.ReplaceAll(value, `"`, `\"`) + "\"\n")
	}
	if len(s.HostUsr) > 0 {
		b.WriteString("export PATH=" + HostUsrBinDir + ":$PATH\n")
		for _, bin := range s.HostUsr {
			b.WriteString("export SBOX_REDIRECT_BINARIES=$SBOX_REDIRECT_BINARIES,/usr/bin/" + bin + ":" + HostUsrBinDir + "/" + bin + "\n")
		}
	}
	b.WriteString("\n\necho \"" + MarkerStart + "\"\n")
	b.WriteString(s.Command + "\n")
	b.WriteString("\n\necho \"" + MarkerStatus + "$?\"\n")
	return b.String()
}

var bufferedPattern = regexp.MustCompile(`(?ms)^` + regexp.QuoteMeta(MarkerStart) + `\r?$\n(.*)^` + regexp.QuoteMeta(MarkerStatus) + `([^\n]*)$`)

// ParseOutput recovers the real status and output of a command whose
// launcher output was captured in full. Missing markers yield
// ExitMarkersMissing with the raw text; a non-integer status yields
// ExitBadStatus.
func ParseOutput(raw string) CommandResult {
	match := bufferedPattern.FindStringSubmatch(raw)
	if match == nil {
		return CommandResult{ExitCode: ExitMarkersMissing, Output: raw}
	}
	output := strings.TrimSuffix(match[1], "\n")
	return CommandResult{ExitCode: parseStatus(match[2]), Output: output}
}

func parseStatus(value string) int {
	code, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return ExitBadStatus
	}
	return code
}
