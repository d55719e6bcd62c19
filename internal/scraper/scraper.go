// Package scraper lists the remote guideline catalog and fetches guideline bodies.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"gopkg.in/yaml.v3"

	"github.com/mfenderov/specialist/internal/markdown"
)

// Catalog formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatHTML = "html"
)

// ErrEmptyCatalog is returned when the catalog page answered but listed nothing
// usable, as a maintenance or error page does.
var ErrEmptyCatalog = errors.New("catalog lists no entries")

// MaxBodyBytes bounds a single fetched body.
const MaxBodyBytes = 32 << 20

// Config holds scraper configuration.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	TryMarkdownFirst bool   // Try to fetch markdown version of pages
	LinkSelector     string // CSS selector for entries of an HTML catalog
}

// CatalogEntry is one guideline listed by the catalog.
type CatalogEntry struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	URL     string `json:"url" yaml:"url"`
	Module  string `json:"module" yaml:"module"`
	Version string `json:"version" yaml:"version"`
}

// Page is a fetched body.
type Page struct {
	URL         string // final URL the body came from
	ContentType string
	Body        []byte
}

// Scraper fetches the catalog and guideline pages.
type Scraper struct {
	config     Config
	httpClient *http.Client
}

// New creates a new Scraper with the given configuration.
func New(config Config) *Scraper {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "Specialist/1.0"
	}
	if config.LinkSelector == "" {
		config.LinkSelector = "a[href]"
	}
	return &Scraper{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// ListCatalog reads the catalog at catalogURL. Entries are returned in catalog
// order with relative URLs resolved; duplicate ids keep their first occurrence.
func (s *Scraper) ListCatalog(ctx context.Context, catalogURL, format string) ([]CatalogEntry, error) {
	base, err := url.Parse(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog URL: %w", err)
	}

	var entries []CatalogEntry
	switch strings.ToLower(format) {
	case FormatHTML:
		entries, err = s.listHTML(ctx, catalogURL)
	case FormatJSON, FormatYAML, "":
		entries, err = s.listStructured(ctx, catalogURL, strings.ToLower(format))
	default:
		return nil, fmt.Errorf("unknown catalog format %q", format)
	}
	if err != nil {
		return nil, err
	}

	listedCount := len(entries)
	seen := make(map[string]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if e.URL == "" {
			slog.Debug("catalog entry without url", "id", e.ID)
			continue
		}
		ref, err := base.Parse(e.URL)
		if err != nil {
			slog.Debug("catalog entry with bad url", "id", e.ID, "url", e.URL, "error", err)
			continue
		}
		e.URL = ref.String()
		if e.ID == "" {
			e.ID = e.URL
		}
		if seen[e.ID] {
			slog.Warn("duplicate catalog entry", "id", e.ID)
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}

	if listedCount > 0 && len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %d catalog entries has a usable url", ErrEmptyCatalog, listedCount)
	}

	slog.Debug("catalog listed", "url", catalogURL, "entries", len(out))
	return out, nil
}

// listStructured decodes a JSON or YAML catalog: either a list of entries or {entries: [...]}.
func (s *Scraper) listStructured(ctx context.Context, catalogURL, format string) ([]CatalogEntry, error) {
	page, err := s.get(ctx, catalogURL)
	if err != nil {
		return nil, err
	}

	unmarshal := yaml.Unmarshal
	if format == FormatJSON || (format == "" && strings.Contains(page.ContentType, "json")) {
		unmarshal = json.Unmarshal
	}

	var list []CatalogEntry
	if err := unmarshal(page.Body, &list); err == nil && list != nil {
		return list, nil
	}

	// A body that is neither a list nor carries an entries key is an error page,
	// not an empty catalog.
	var wrapped struct {
		Entries *[]CatalogEntry `json:"entries" yaml:"entries"`
	}
	if err := unmarshal(page.Body, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if wrapped.Entries == nil {
		return nil, fmt.Errorf("%w: %s has no entry list", ErrEmptyCatalog, catalogURL)
	}
	return *wrapped.Entries, nil
}

// listHTML collects the catalog's entry links. The anchor's data-id, data-version
// and data-module attributes are used when present.
func (s *Scraper) listHTML(ctx context.Context, catalogURL string) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	var fetchErr error

	c := colly.NewCollector(
		colly.MaxDepth(1),
		colly.UserAgent(s.config.UserAgent),
	)
	c.SetRequestTimeout(s.config.Timeout)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetching catalog (status %d): %w", r.StatusCode, err)
	})

	c.OnHTML(s.config.LinkSelector, func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" {
			return
		}
		entries = append(entries, CatalogEntry{
			ID:      e.Attr("data-id"),
			Title:   strings.Join(strings.Fields(e.Text), " "),
			URL:     href,
			Module:  e.Attr("data-module"),
			Version: e.Attr("data-version"),
		})
	})

	if err := c.Visit(catalogURL); err != nil {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	c.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no links match %q on %s", ErrEmptyCatalog, s.config.LinkSelector, catalogURL)
	}
	return entries, nil
}

// Fetch downloads a guideline body, trying markdown variants first when enabled.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	if s.config.TryMarkdownFirst {
		if page, ok := s.tryMarkdownVariants(ctx, pageURL); ok {
			slog.Debug("using markdown variant", "url", pageURL, "variant", page.URL)
			return page, nil
		}
	}
	return s.get(ctx, pageURL)
}

// tryMarkdownVariants attempts to fetch markdown versions of the URL.
func (s *Scraper) tryMarkdownVariants(ctx context.Context, pageURL string) (*Page, bool) {
	for _, variantURL := range markdown.MarkdownURLVariants(pageURL) {
		if ctx.Err() != nil {
			return nil, false
		}
		page, err := s.get(ctx, variantURL)
		if err != nil {
			continue
		}
		if markdown.Detect(variantURL, page.ContentType, string(page.Body)) == markdown.FormatMarkdown {
			return page, true
		}
	}
	return nil, false
}

// errStatus is returned for non-200 responses.
var errStatus = errors.New("unexpected status")

func (s *Scraper) get(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %d from %s", errStatus, resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("body of %s exceeds %d bytes", pageURL, MaxBodyBytes)
	}

	return &Page{
		URL:         resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
