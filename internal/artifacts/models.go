package artifacts

import "time"

type ArtifactKind string

const (
	ChangesArtifact ArtifactKind = "changes" // build report of a finished build
	SourceArtifact  ArtifactKind = "source"  // source package descriptor and tarballs
	BinaryArtifact  ArtifactKind = "binary"  // built packages
	LogArtifact     ArtifactKind = "log"     // session logs
)

// Artifact is a file collected into the result directory.
type Artifact struct {
	Name string       `json:"name"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mtime"`
	Checksum    string    `json:"blake3"`
	ContentType string    `json:"content_type"`
}
