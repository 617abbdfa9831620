package debsrc

import (
	"fmt"
	"regexp"
	"strings"
)

// Package names and versions must match these expressions.
const (
	PackageRegex = `[a-z0-9][a-z0-9.+-]+`
	VersionRegex = `(?:[0-9]+:)?[a-zA-Z0-9.+-]+`
)

var versionPattern = regexp.MustCompile(`^` + VersionRegex + `$`)

// UpstreamVersion returns the upstream part of a Debian version: the epoch
// and any packaging revision (after the last hyphen) are removed.
func UpstreamVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if !versionPattern.MatchString(version) {
		return "", fmt.Errorf("invalid version %q", version)
	}
	if _, rest, ok := strings.Cut(version, ":"); ok {
		version = rest
	}
	if i := strings.LastIndexByte(version, '-'); i > 0 {
		version = version[:i]
	}
	return version, nil
}

// SourceDir returns the directory dpkg-source unpacks a package into.
func SourceDir(source, version string) (string, error) {
	upstream, err := UpstreamVersion(version)
	if err != nil {
		return "", err
	}
	return source + "-" + upstream, nil
}
