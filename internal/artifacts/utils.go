package artifacts

import (
	"errors"
	"path/filepath"
	"strings"
)

// PathFromURI returns the local path of a file:// URI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("not a file:// URI")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func fileURI(path string) string {
	return "file://" + path
}

// KindOf classifies a file by the name dpkg tools give it.
func KindOf(name string) ArtifactKind {
	switch {
	case strings.HasSuffix(name, ".changes"):
		return ChangesArtifact
	case strings.HasSuffix(name, ".deb"), strings.HasSuffix(name, ".udeb"):
		return BinaryArtifact
	case strings.HasSuffix(name, ".log"):
		return LogArtifact
	default:
		return SourceArtifact
	}
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".deb", ".udeb":
		return "application/vnd.debian.binary-package"
	case ".gz", ".tgz":
		return "application/gzip"
	case ".xz":
		return "application/x-xz"
	case ".dsc", ".changes", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
