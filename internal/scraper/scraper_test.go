package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestListCatalog_JSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
	{"id": "ich-e6", "title": "Good Clinical Practice", "url": "/guidance/e6", "module": "protocol", "version": "R3"},
	{"id": "ich-e9", "title": "Statistical Principles", "url": "https://other.example/e9.md"},
	{"id": "ich-e6", "title": "Duplicate", "url": "/guidance/e6-dup"},
	{"id": "no-url"}
]`))
	}))
	defer server.Close()

	s := New(Config{UserAgent: "test-agent"})
	entries, err := s.ListCatalog(context.Background(), server.URL+"/catalog.json", FormatJSON)
	if err != nil {
		t.Fatalf("ListCatalog() error = %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].URL != server.URL+"/guidance/e6" {
		t.Errorf("relative URL not resolved: %q", entries[0].URL)
	}
	if entries[0].Version != "R3" || entries[0].Module != "protocol" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[1].URL != "https://other.example/e9.md" {
		t.Errorf("absolute URL changed: %q", entries[1].URL)
	}
}

func TestListCatalog_YAMLWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`entries:
  - id: fda-ind
    title: IND Applications
    url: ind.html
    module: ind
  - title: Untitled entry keyed by url
    url: https://example.org/cmc
`))
	}))
	defer server.Close()

	entries, err := New(Config{}).ListCatalog(context.Background(), server.URL+"/lists/catalog.yaml", FormatYAML)
	if err != nil {
		t.Fatalf("ListCatalog() error = %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].URL != server.URL+"/lists/ind.html" {
		t.Errorf("URL = %q", entries[0].URL)
	}
	if entries[1].ID != "https://example.org/cmc" {
		t.Errorf("entry without id should be keyed by its URL, got %q", entries[1].ID)
	}
}

func TestListCatalog_HTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>
			<nav><a href="/about">About</a></nav>
			<ul class="guidelines">
				<li><a href="/g/e6" data-version="R3" data-module="protocol">ICH   E6
				Good Clinical Practice</a></li>
				<li><a href="/g/q1a">ICH Q1A Stability</a></li>
			</ul>
		</body></html>`))
	}))
	defer server.Close()

	s := New(Config{LinkSelector: "ul.guidelines a[href]", Timeout: 5 * time.Second})
	entries, err := s.ListCatalog(context.Background(), server.URL, FormatHTML)
	if err != nil {
		t.Fatalf("ListCatalog() error = %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].ID != server.URL+"/g/e6" {
		t.Errorf("ID = %q", entries[0].ID)
	}
	if entries[0].Title != "ICH E6 Good Clinical Practice" {
		t.Errorf("Title = %q", entries[0].Title)
	}
	if entries[0].Version != "R3" || entries[0].Module != "protocol" {
		t.Errorf("data attributes not read: %+v", entries[0])
	}
}

func TestListCatalog_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s := New(Config{})
	for _, format := range []string{FormatJSON, FormatHTML} {
		if _, err := s.ListCatalog(context.Background(), server.URL, format); err == nil {
			t.Errorf("ListCatalog(%s) expected error for 503", format)
		}
	}
}

func TestListCatalog_ErrorPageIsNotAnEmptyCatalog(t *testing.T) {
	tests := []struct {
		name      string
		format    string
		body      string
		wantEmpty bool // decodes, but lists nothing
	}{
		{"json error object", FormatJSON, `{"error": "catalog under maintenance"}`, true},
		{"json null", FormatJSON, `null`, true},
		{"yaml scalar", FormatYAML, `maintenance`, false},
		{"html without links", FormatHTML, `<html><body><p>Back soon.</p></body></html>`, true},
		{"entries without urls", FormatJSON, `[{"id": "ich-e6"}, {"id": "ich-e9"}]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.format == FormatHTML {
					w.Header().Set("Content-Type", "text/html")
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			entries, err := New(Config{}).ListCatalog(context.Background(), server.URL, tt.format)
			if err == nil {
				t.Fatalf("ListCatalog() = %+v, want error", entries)
			}
			if tt.wantEmpty && !errors.Is(err, ErrEmptyCatalog) {
				t.Errorf("error = %v, want ErrEmptyCatalog", err)
			}
		})
	}
}

func TestListCatalog_EmptyListIsValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entries": []}`))
	}))
	defer server.Close()

	entries, err := New(Config{}).ListCatalog(context.Background(), server.URL, FormatJSON)
	if err != nil {
		t.Fatalf("ListCatalog() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestListCatalog_UnknownFormat(t *testing.T) {
	if _, err := New(Config{}).ListCatalog(context.Background(), "http://example.com", "csv"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFetch_PrefersMarkdownVariant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/g/e6.md":
			w.Header().Set("Content-Type", "text/markdown")
			w.Write([]byte("# E6\n\nMarkdown body."))
		case "/g/e6":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><body><h1>E6</h1></body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	page, err := New(Config{TryMarkdownFirst: true}).Fetch(context.Background(), server.URL+"/g/e6")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.HasSuffix(page.URL, "/g/e6.md") {
		t.Errorf("URL = %q, want the markdown variant", page.URL)
	}
	if !strings.Contains(string(page.Body), "Markdown body.") {
		t.Errorf("Body = %q", page.Body)
	}
}

func TestFetch_FallsBackToPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/g/e9" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>HTML only</p></body></html>"))
	}))
	defer server.Close()

	page, err := New(Config{TryMarkdownFirst: true, UserAgent: "test-agent"}).Fetch(context.Background(), server.URL+"/g/e9")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if page.ContentType != "text/html" {
		t.Errorf("ContentType = %q", page.ContentType)
	}
}

func TestFetch_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := New(Config{}).Fetch(context.Background(), server.URL+"/missing"); err == nil {
		t.Error("Fetch() expected error for 404")
	}
}
