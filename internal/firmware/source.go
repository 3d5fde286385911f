package firmware

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxImageSize bounds how much of a source is read.
const MaxImageSize = 64 << 20

var (
	ErrImageTooLarge = errors.New("firmware image too large")
	ErrNoMember      = errors.New("archive member not found")
)

// Source locates a variable store image: a local path or an http(s) URL,
// optionally an archive with the image stored as Member.
type Source struct {
	Location string
	// Member names the image inside a zip or tar archive. When empty the
	// archive must hold exactly one regular file.
	Member string
}

func (s Source) IsRemote() bool {
	u, err := url.Parse(s.Location)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func (s Source) extension() string {
	p := s.Location
	if u, err := url.Parse(s.Location); err == nil && s.IsRemote() {
		p = u.Path
	}
	p = strings.ToLower(p)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip", ".gz"} {
		if strings.HasSuffix(p, ext) {
			return ext
		}
	}
	return path.Ext(p)
}

func (s Source) IsArchive() bool {
	return isArchive("", s.extension())
}

// isArchive reports whether content needs unpacking, by content type or extension.
func isArchive(contentType, extension string) bool {
	if strings.Contains(contentType, "zip") ||
		strings.Contains(contentType, "tar") ||
		strings.Contains(contentType, "gzip") {
		return true
	}
	switch extension {
	case ".zip", ".tar", ".tgz", ".tar.gz", ".gz":
		return true
	default:
		return false
	}
}

// ReadImage returns the raw image bytes named by src.
func ReadImage(ctx context.Context, src Source) ([]byte, error) {
	var (
		r           io.ReadCloser
		contentType string
	)
	if src.IsRemote() {
		resp, err := download(ctx, src.Location)
		if err != nil {
			return nil, err
		}
		r, contentType = resp.Body, resp.Header.Get("Content-Type")
	} else {
		f, err := os.Open(src.Location)
		if err != nil {
			return nil, fmt.Errorf("failed to open firmware image: %w", err)
		}
		r = f
	}
	defer r.Close()

	b, err := readLimited(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src.Location, err)
	}

	ext := src.extension()
	if !isArchive(contentType, ext) {
		return b, nil
	}
	return extractImage(b, contentType, ext, src.Member)
}

func download(ctx context.Context, location string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download from %s: %w", location, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d: %s", resp.StatusCode, resp.Status)
	}
	return resp, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxImageSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, MaxImageSize)
	}
	return b, nil
}

// extractImage unpacks the image from an archive held in memory. A bare
// .gz holds the image itself.
func extractImage(b []byte, contentType, extension, member string) ([]byte, error) {
	switch {
	case strings.Contains(contentType, "zip") || extension == ".zip":
		return extractZip(b, member)
	case extension == ".tar":
		return extractTar(bytes.NewReader(b), member)
	}

	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	if extension == ".gz" && !strings.Contains(contentType, "tar") {
		return readLimited(gz)
	}
	return extractTar(gz, member)
}

func extractZip(b []byte, member string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}

	var found *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !matches(f.Name, member) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: archive holds %s and %s, set a member name", ErrNoMember, found.Name, f.Name)
		}
		found = f
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoMember, member)
	}

	rc, err := found.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open zip file entry: %w", err)
	}
	defer rc.Close()
	return readLimited(rc)
}

func extractTar(r io.Reader, member string) ([]byte, error) {
	tr := tar.NewReader(r)
	var (
		name string
		data []byte
	)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar reading error: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !matches(header.Name, member) {
			continue
		}
		if data != nil {
			return nil, fmt.Errorf("%w: archive holds %s and %s, set a member name", ErrNoMember, name, header.Name)
		}
		if data, err = readLimited(tr); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", header.Name, err)
		}
		name = header.Name
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoMember, member)
	}
	return data, nil
}

// matches compares an archive entry with the requested member by full
// path or base name. An empty member matches every entry.
func matches(entry, member string) bool {
	if member == "" {
		return true
	}
	entry = strings.TrimPrefix(entry, "./")
	return entry == member || path.Base(entry) == member
}
