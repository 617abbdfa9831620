// Package debsrc reads Debian source descriptors (.dsc) and upload
// manifests (.changes) and verifies the files they list.
package debsrc

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File is one entry of a manifest's Files field.
type File struct {
	MD5      string
	Size     int64
	Section  string // .changes only
	Priority string // .changes only
	Name     string
}

// Manifest is a parsed control file with a Files field.
type Manifest struct {
	Path   string
	fields map[string]string
	files  []File
	sha256 map[string]string
}

// Load parses the manifest at path. PGP clear-signing armour is ignored.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	m.Path = path
	return m, nil
}

// Parse parses manifest content.
func Parse(data []byte) (*Manifest, error) {
	fields, err := parseParagraph(stripSignature(data))
	if err != nil {
		return nil, err
	}
	m := &Manifest{fields: fields}

	for _, line := range splitLines(fields["files"]) {
		f, err := parseFileLine(line)
		if err != nil {
			return nil, err
		}
		m.files = append(m.files, f)
	}
	if sums := splitLines(fields["checksums-sha256"]); len(sums) > 0 {
		m.sha256 = make(map[string]string, len(sums))
		for _, line := range sums {
			parts := strings.Fields(line)
			if len(parts) != 3 {
				return nil, fmt.Errorf("malformed Checksums-Sha256 line %q", line)
			}
			m.sha256[parts[2]] = parts[0]
		}
	}
	return m, nil
}

// Get returns the value of a field; names are case-insensitive.
func (m *Manifest) Get(name string) string {
	return m.fields[strings.ToLower(name)]
}

// Source returns the source package name.
func (m *Manifest) Source() string {
	source, _, _ := strings.Cut(m.Get("Source"), " ")
	return source
}

// Version returns the full package version.
func (m *Manifest) Version() string {
	return m.Get("Version")
}

// Files returns the listed files in manifest order.
func (m *Manifest) Files() []File {
	return append([]File(nil), m.files...)
}

// Verify checks that every listed file exists under dir with the recorded
// size and checksums.
func (m *Manifest) Verify(dir string) error {
	if len(m.files) == 0 {
		return fmt.Errorf("manifest lists no files")
	}
	for _, f := range m.files {
		if err := m.verifyFile(dir, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifest) verifyFile(dir string, f File) error {
	path := filepath.Join(dir, f.Name)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer file.Close()

	md5sum := md5.New()
	sha256sum := sha256.New()
	n, err := io.Copy(io.MultiWriter(md5sum, sha256sum), file)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Name, err)
	}
	if n != f.Size {
		return fmt.Errorf("size mismatch for %s: got %d, want %d", f.Name, n, f.Size)
	}
	if err := compareSum("md5", f.Name, md5sum, f.MD5); err != nil {
		return err
	}
	if want, ok := m.sha256[f.Name]; ok {
		if err := compareSum("sha256", f.Name, sha256sum, want); err != nil {
			return err
		}
	}
	return nil
}

func compareSum(kind, name string, h hash.Hash, want string) error {
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%s mismatch for %s: got %s, want %s", kind, name, got, want)
	}
	return nil
}

func parseFileLine(line string) (File, error) {
	parts := strings.Fields(line)
	var f File
	switch len(parts) {
	case 3:
		f = File{MD5: parts[0], Name: parts[2]}
	case 5:
		f = File{MD5: parts[0], Section: parts[2], Priority: parts[3], Name: parts[4]}
	default:
		return File{}, fmt.Errorf("malformed Files line %q", line)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return File{}, fmt.Errorf("malformed size in Files line %q", line)
	}
	if strings.Contains(f.Name, "/") {
		return File{}, fmt.Errorf("file name %q must not contain a path", f.Name)
	}
	f.Size = size
	return f, nil
}

func parseParagraph(data []byte) (map[string]string, error) {
	fields := map[string]string{}
	var current string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if len(fields) > 0 {
				// only the first paragraph is meaningful
				return fields, scanner.Err()
			}
		case line[0] == ' ' || line[0] == '\t':
			if current == "" {
				return nil, fmt.Errorf("continuation line without field: %q", line)
			}
			fields[current] += "\n" + strings.TrimSpace(line)
		case strings.HasPrefix(line, "#"):
		default:
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("malformed field line %q", line)
			}
			current = strings.ToLower(strings.TrimSpace(name))
			fields[current] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty control file")
	}
	return fields, nil
}

func stripSignature(data []byte) []byte {
	const (
		header    = "-----BEGIN PGP SIGNED MESSAGE-----"
		signature = "-----BEGIN PGP SIGNATURE-----"
	)
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte(header)) {
		return data
	}
	// Armour headers (Hash: ...) end at the first blank line.
	if i := bytes.Index(trimmed, []byte("\n\n")); i >= 0 {
		trimmed = trimmed[i+2:]
	}
	if i := bytes.Index(trimmed, []byte(signature)); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

func splitLines(value string) []string {
	var lines []string
	for _, line := range strings.Split(value, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
