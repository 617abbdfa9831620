package sandbox

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
	"golang.org/x/term"
)

// DefaultRootstrapExt is used when a rootstrap URL carries no known archive
// extension.
const DefaultRootstrapExt = ".tgz"

var rootstrapExts = []string{".tar.gz", ".tgz", ".tar.xz", ".txz", ".tar.zst", ".tzst", ".tar"}

// IsRemoteRootstrap reports whether source must be downloaded first.
func IsRemoteRootstrap(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// RootstrapFetcher downloads remote rootstrap archives.
type RootstrapFetcher struct {
	Client *http.Client
	// Progress receives a progress bar. When nil, stderr is used if it is a
	// terminal.
	Progress io.Writer
	Logger   *slog.Logger
}

// Fetch downloads source into dir as rootstrap<ext> and checks that the
// archive decompresses cleanly. It returns the host path of the archive.
func (f *RootstrapFetcher) Fetch(ctx context.Context, source, dir string) (string, error) {
	dest := filepath.Join(dir, "rootstrap"+rootstrapExt(source))
	f.logger().Info("retrieving remote rootstrap", "url", source, "path", dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", source, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ".rootstrap-*")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var dst io.Writer = tmp
	if w := f.progress(); w != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("rootstrap"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		dst = io.MultiWriter(tmp, bar)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download %s: %w", source, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close download file: %w", err)
	}
	if err := VerifyArchive(tmp.Name(), dest); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("move rootstrap into place: %w", err)
	}
	return dest, nil
}

// VerifyArchive reads the tar archive at path to the end, decompressing it
// according to the extension of name.
func VerifyArchive(path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rootstrap: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	switch ext := rootstrapExt(name); ext {
	case ".tar.gz", ".tgz":
		gz, err := pgzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("create gzip reader for %s: %w", name, err)
		}
		defer gz.Close()
		r = gz
	case ".tar.xz", ".txz":
		xr, err := xz.NewReader(file)
		if err != nil {
			return fmt.Errorf("create xz reader for %s: %w", name, err)
		}
		r = xr
	case ".tar.zst", ".tzst":
		zr, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("create zstd reader for %s: %w", name, err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	entries := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt rootstrap %s: %w", name, err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("corrupt rootstrap %s: %w", name, err)
		}
		entries++
	}
	if entries == 0 {
		return fmt.Errorf("rootstrap %s is empty", name)
	}
	return nil
}

func rootstrapExt(source string) string {
	name := source
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		name = u.Path
	}
	name = strings.ToLower(path.Base(name))
	for _, ext := range rootstrapExts {
		if strings.HasSuffix(name, ext) {
			return ext
		}
	}
	return DefaultRootstrapExt
}

func (f *RootstrapFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *RootstrapFetcher) progress() io.Writer {
	if f.Progress != nil {
		return f.Progress
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return os.Stderr
	}
	return nil
}

func (f *RootstrapFetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
