package artifacts

// ArtifactStore collects files produced by a build session.
type ArtifactStore interface {
	StoreArtifact(artifactPath string, kind ArtifactKind) (Artifact, error)
	Artifacts() []Artifact
	WriteManifest() error
}
