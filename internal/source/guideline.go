package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/mfenderov/specialist/internal/processor"
	"github.com/mfenderov/specialist/internal/scraper"
	"github.com/mfenderov/specialist/internal/storage"
	"github.com/mfenderov/specialist/pkg/models"
)

// GuidelinePrefix starts every guideline source id.
const GuidelinePrefix = "guideline:"

// Catalog lists and fetches remote guidelines. *scraper.Scraper implements it.
type Catalog interface {
	ListCatalog(ctx context.Context, catalogURL, format string) ([]scraper.CatalogEntry, error)
	Fetch(ctx context.Context, pageURL string) (*scraper.Page, error)
}

// Cache stores fetched guideline bodies. *storage.Client implements it.
type Cache interface {
	Key(sourceID, version string) string
	Get(ctx context.Context, key string) (*storage.Entry, error)
	Put(ctx context.Context, key string, e storage.Entry) error
}

// GuidelineConfig configures the guideline reader.
type GuidelineConfig struct {
	CatalogURL    string
	Format        string // json, yaml or html
	DefaultModule models.Module
}

// GuidelineReader reads the remote regulatory guideline catalog.
type GuidelineReader struct {
	config  GuidelineConfig
	catalog Catalog
	cache   Cache // optional
	proc    *processor.Processor
	now     func() time.Time
}

// NewGuidelineReader creates a guideline reader. cache may be nil.
func NewGuidelineReader(config GuidelineConfig, catalog Catalog, cache Cache) *GuidelineReader {
	if config.DefaultModule == "" {
		config.DefaultModule = models.ModuleGeneral
	}
	return &GuidelineReader{
		config:  config,
		catalog: catalog,
		cache:   cache,
		proc:    processor.New(),
		now:     time.Now,
	}
}

func (r *GuidelineReader) Origin() models.Origin { return models.OriginGuideline }

// ListCandidates lists the catalog. An unreachable catalog is ErrOriginUnavailable.
func (r *GuidelineReader) ListCandidates(ctx context.Context) ([]models.Candidate, error) {
	entries, err := r.catalog.ListCatalog(ctx, r.config.CatalogURL, r.config.Format)
	if err != nil {
		return nil, unavailable("list guideline catalog", err)
	}

	candidates := make([]models.Candidate, 0, len(entries))
	for _, e := range entries {
		module, err := models.ParseModule(e.Module)
		if err != nil || e.Module == "" {
			if err != nil {
				slog.Debug("catalog entry has unknown module", "id", e.ID, "module", e.Module)
			}
			module = r.config.DefaultModule
		}
		candidates = append(candidates, models.Candidate{
			SourceID:   GuidelinePrefix + e.ID,
			Origin:     models.OriginGuideline,
			ModuleHint: module,
			Title:      e.Title,
			Location:   e.URL,
			Version:    e.Version,
		})
	}
	return candidates, nil
}

// FetchBody returns the guideline text. Versioned entries are served from the
// cache when present; unversioned entries are always fetched and re-cached.
func (r *GuidelineReader) FetchBody(ctx context.Context, c models.Candidate) (*models.RawDocument, error) {
	var key string
	var entry *storage.Entry
	if r.cache != nil {
		key = r.cache.Key(c.SourceID, c.Version)
		if c.Version != "" {
			cached, err := r.cache.Get(ctx, key)
			if err != nil {
				slog.Warn("guideline cache read failed", "source_id", c.SourceID, "error", err)
			}
			entry = cached
		}
	}

	if entry != nil {
		slog.Debug("guideline served from cache", "source_id", c.SourceID, "version", c.Version)
	} else {
		page, err := r.catalog.Fetch(ctx, c.Location)
		if err != nil {
			return nil, fetchFailed("fetch guideline", c.SourceID, err)
		}
		entry = &storage.Entry{Body: page.Body, ContentType: page.ContentType, SourceURL: page.URL}
		if r.cache != nil {
			if err := r.cache.Put(ctx, key, *entry); err != nil {
				slog.Warn("guideline cache write failed", "source_id", c.SourceID, "error", err)
			}
		}
	}

	res, err := r.proc.Normalize(entry.Body, entry.ContentType, entry.SourceURL)
	if err != nil {
		return nil, fetchFailed("normalize guideline", c.SourceID, err)
	}

	title := c.Title
	if title == "" {
		title = res.Title
	}
	return &models.RawDocument{
		SourceID:   c.SourceID,
		Origin:     models.OriginGuideline,
		ModuleHint: c.ModuleHint,
		Title:      title,
		RawText:    res.Text,
		FetchedAt:  r.now().UTC(),
	}, nil
}
