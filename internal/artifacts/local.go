package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"lukechampine.com/blake3"
)

// ManifestName is the file the store records its artifacts in.
const ManifestName = "artifacts.json"

// LocalStore copies artifacts into BaseDir under their own names, keeping
// their mode and modification time.
type LocalStore struct {
	BaseDir string

	stored []Artifact
}

// StoreArtifact copies the file at artifactPath into the store.
func (store *LocalStore) StoreArtifact(artifactPath string, kind ArtifactKind) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, err
	}

	src, err := os.Open(artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return Artifact{}, err
	}
	if !info.Mode().IsRegular() {
		return Artifact{}, fmt.Errorf("%s is not a regular file", artifactPath)
	}

	name := filepath.Base(artifactPath)
	destPath := filepath.Join(store.BaseDir, name)
	if same, err := samePath(artifactPath, destPath); err != nil {
		return Artifact{}, err
	} else if same {
		return Artifact{}, fmt.Errorf("%s is already in the store", artifactPath)
	}

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return Artifact{}, err
	}
	hash := blake3.New(32, nil)
	if _, err := io.Copy(io.MultiWriter(dst, hash), src); err != nil {
		dst.Close()
		return Artifact{}, err
	}
	if err := dst.Close(); err != nil {
		return Artifact{}, err
	}
	if err := os.Chmod(destPath, info.Mode().Perm()); err != nil {
		return Artifact{}, err
	}
	if err := os.Chtimes(destPath, info.ModTime(), info.ModTime()); err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		Name:        name,
		Kind:        kind,
		URI:         fileURI(destPath),
		Size:        info.Size(),
		ModTime:     info.ModTime().UTC(),
		Checksum:    fmt.Sprintf("%x", hash.Sum(nil)),
		ContentType: detectContentType(destPath),
	}
	store.stored = append(store.stored, artifact)
	return artifact, nil
}

// Artifacts returns the artifacts stored so far, in order.
func (store *LocalStore) Artifacts() []Artifact {
	return slices.Clone(store.stored)
}

// WriteManifest records the stored artifacts in ManifestName.
func (store *LocalStore) WriteManifest() error {
	list := store.Artifacts()
	if list == nil {
		list = []Artifact{}
	}
	payload, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(store.BaseDir, ManifestName), append(payload, '\n'), 0o644)
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}
