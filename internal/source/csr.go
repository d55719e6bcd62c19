package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mfenderov/specialist/internal/processor"
	"github.com/mfenderov/specialist/pkg/models"
)

// CSRPrefix starts every clinical study report source id.
const CSRPrefix = "csr:"

// MaxCSRBytes bounds a single uploaded report.
const MaxCSRBytes = 64 << 20

// DefaultCSRExtensions are the uploaded file types that are ingested.
var DefaultCSRExtensions = []string{".md", ".markdown", ".txt", ".html", ".htm"}

// CSRConfig configures the upload directory reader.
type CSRConfig struct {
	Dir        string
	Extensions []string
	Module     models.Module
}

// CSRReader reads clinical study reports from an upload directory.
type CSRReader struct {
	config CSRConfig
	exts   map[string]bool
	proc   *processor.Processor
	now    func() time.Time
}

// NewCSRReader creates a reader over config.Dir.
func NewCSRReader(config CSRConfig) *CSRReader {
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultCSRExtensions
	}
	if config.Module == "" {
		config.Module = models.ModuleCSRReview
	}
	exts := make(map[string]bool, len(config.Extensions))
	for _, ext := range config.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &CSRReader{config: config, exts: exts, proc: processor.New(), now: time.Now}
}

func (r *CSRReader) Origin() models.Origin { return models.OriginCSR }

// Dir returns the watched directory.
func (r *CSRReader) Dir() string { return r.config.Dir }

// SourceID maps a path under the upload directory to its source id.
func (r *CSRReader) SourceID(path string) (string, error) {
	rel, err := filepath.Rel(r.config.Dir, path)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("%s is outside %s", path, r.config.Dir)
	}
	return CSRPrefix + filepath.ToSlash(rel), nil
}

// ListCandidates walks the upload directory. Hidden files and directories are skipped.
func (r *CSRReader) ListCandidates(ctx context.Context) ([]models.Candidate, error) {
	info, err := os.Stat(r.config.Dir)
	if err != nil {
		return nil, unavailable("list csr directory", err)
	}
	if !info.IsDir() {
		return nil, unavailable("list csr directory", fmt.Errorf("%s is not a directory", r.config.Dir))
	}

	var candidates []models.Candidate
	var skipped []error
	err = filepath.WalkDir(r.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == r.config.Dir {
				return err
			}
			slog.Warn("skipping unreadable path", "path", path, "error", err)
			skipped = append(skipped, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path != r.config.Dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !r.exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			slog.Warn("skipping unreadable file", "path", path, "error", err)
			skipped = append(skipped, err)
			return nil
		}
		id, err := r.SourceID(path)
		if err != nil {
			return nil
		}
		candidates = append(candidates, models.Candidate{
			SourceID:   id,
			Origin:     models.OriginCSR,
			ModuleHint: r.config.Module,
			Title:      strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Location:   path,
			Size:       fi.Size(),
			ModifiedAt: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("list csr directory", err)
	}
	if len(skipped) > 0 {
		return candidates, partial("list csr directory", errors.Join(skipped...))
	}
	return candidates, nil
}

// FetchBody reads and normalizes one report.
func (r *CSRReader) FetchBody(ctx context.Context, c models.Candidate) (*models.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.Location)
	if err != nil {
		return nil, fetchFailed("read csr", c.SourceID, err)
	}
	defer f.Close()

	data, err := readLimited(f, MaxCSRBytes)
	if err != nil {
		return nil, fetchFailed("read csr", c.SourceID, err)
	}

	res, err := r.proc.Normalize(data, "", c.Location)
	if err != nil {
		return nil, fetchFailed("normalize csr", c.SourceID, err)
	}

	title := res.Title
	if title == "" {
		title = c.Title
	}
	return &models.RawDocument{
		SourceID:   c.SourceID,
		Origin:     models.OriginCSR,
		ModuleHint: c.ModuleHint,
		Title:      title,
		RawText:    res.Text,
		FetchedAt:  r.now().UTC(),
	}, nil
}

func readLimited(f *os.File, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return data, nil
}
