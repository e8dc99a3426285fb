// Package image downloads generated artifacts to local files.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/manash/jimeng/internal/security"
	"github.com/manash/jimeng/pkg/models"
)

const defaultMaxBytes = 200 << 20

var ErrTooLarge = errors.New("artifact exceeds size limit")

type Saver struct {
	// Dir is the directory relative names are written under.
	Dir string
	// Strict limits downloads to known artifact CDN hosts.
	Strict   bool
	MaxBytes int64

	httpClient *http.Client
	now        func() time.Time
}

func NewSaver(dir string) *Saver {
	s := &Saver{
		Dir:      dir,
		Strict:   true,
		MaxBytes: defaultMaxBytes,
		now:      time.Now,
	}
	// Redirect hops follow the same host policy as the first URL.
	s.httpClient = security.NewFetchClient(120*time.Second, func() bool { return s.Strict })
	return s
}

// Saved describes one artifact written to disk.
type Saved struct {
	URL   string
	Path  string
	Bytes int64
}

func (s Saved) Size() string {
	return humanize.Bytes(uint64(s.Bytes))
}

// Save downloads rawURL into name, a path relative to the saver's Dir.
func (s *Saver) Save(ctx context.Context, rawURL, name string) (Saved, error) {
	if err := security.ValidateSavePath(name); err != nil {
		return Saved{}, fmt.Errorf("invalid output path %q: %w", name, err)
	}
	if err := security.ValidateURL(rawURL, s.Strict); err != nil {
		return Saved{}, fmt.Errorf("refusing to download %s: %w", rawURL, err)
	}

	data, err := s.download(ctx, rawURL)
	if err != nil {
		return Saved{}, fmt.Errorf("failed to download artifact: %w", err)
	}

	dest := filepath.Join(s.Dir, name)
	if err := ensureDir(dest); err != nil {
		return Saved{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return Saved{}, fmt.Errorf("failed to write file: %w", err)
	}

	return Saved{URL: rawURL, Path: dest, Bytes: int64(len(data))}, nil
}

// SaveAll downloads every URL. With a base name a single file is named base
// and several are named base-1, base-2, ...; without one, names are
// timestamped. It returns what
// was saved before the first failure along with that failure.
func (s *Saver) SaveAll(ctx context.Context, urls []string, base string) ([]Saved, error) {
	saved := make([]Saved, 0, len(urls))
	stamp := s.now()

	for i, u := range urls {
		name := s.generatePath(base, i, len(urls), FormatFromURL(u), stamp)
		out, err := s.Save(ctx, u, name)
		if err != nil {
			return saved, fmt.Errorf("failed to save artifact %d: %w", i+1, err)
		}
		saved = append(saved, out)
	}
	return saved, nil
}

func (s *Saver) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	limit := s.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%s)", ErrTooLarge, humanize.Bytes(uint64(limit)))
	}
	return data, nil
}

func ensureDir(p string) error {
	dir := filepath.Dir(p)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *Saver) generatePath(base string, index, total int, format models.OutputFormat, t time.Time) string {
	if base != "" {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		if ext == "" {
			ext = "." + format.String()
		}
		if total == 1 {
			return stem + ext
		}
		return fmt.Sprintf("%s-%d%s", stem, index+1, ext)
	}
	return GenerateFilenameWithTime(index, format, t)
}

// FormatFromURL guesses the artifact format from the URL path. CDN image
// URLs often end in a template suffix such as "~tplv-xyz.webp".
func FormatFromURL(rawURL string) models.OutputFormat {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.FormatPNG
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "jpg" {
		ext = "jpeg"
	}
	if f := models.OutputFormat(ext); f.IsValid() {
		return f
	}
	if strings.Contains(u.Host, "vlabvod") {
		return models.FormatMP4
	}
	return models.FormatPNG
}

func GenerateFilename(index int, format models.OutputFormat) string {
	return GenerateFilenameWithTime(index, format, time.Now())
}

func GenerateFilenameWithTime(index int, format models.OutputFormat, t time.Time) string {
	timestamp := t.Format("20060102-150405")
	if index > 0 {
		return fmt.Sprintf("jimeng-%s-%d.%s", timestamp, index+1, format)
	}
	return fmt.Sprintf("jimeng-%s.%s", timestamp, format)
}
