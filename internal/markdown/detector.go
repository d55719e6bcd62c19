// Package markdown classifies fetched or uploaded content as markdown, HTML or plain text.
package markdown

import (
	"path"
	"regexp"
	"strings"
)

// Format is the detected shape of a document body.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
)

var (
	headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)
	listPattern    = regexp.MustCompile(`(?m)^[\-\*]\s+\S`)
	linkPattern    = regexp.MustCompile(`\[.+?\]\(.+?\)`)
	htmlTagPattern = regexp.MustCompile(`(?i)<(p|div|h[1-6]|table|ul|ol|br|span)[\s>/]`)
)

// IsMarkdownContentType checks if the Content-Type header indicates markdown.
func IsMarkdownContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/markdown") ||
		strings.HasPrefix(ct, "text/x-markdown")
}

// IsHTMLContentType checks if the Content-Type header indicates HTML.
func IsHTMLContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/html") ||
		strings.HasPrefix(ct, "application/xhtml")
}

// IsMarkdownURL checks if a URL or file path names a markdown file.
func IsMarkdownURL(location string) bool {
	ext := extension(location)
	return ext == ".md" || ext == ".markdown"
}

// IsHTMLURL checks if a URL or file path names an HTML file.
func IsHTMLURL(location string) bool {
	ext := extension(location)
	return ext == ".html" || ext == ".htm"
}

func extension(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	return strings.ToLower(path.Ext(location))
}

// IsMarkdownContent uses heuristics to detect if content is markdown.
func IsMarkdownContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || LooksLikeHTML(trimmed) {
		return false
	}
	return headingPattern.MatchString(trimmed) ||
		listPattern.MatchString(trimmed) ||
		linkPattern.MatchString(trimmed)
}

// LooksLikeHTML checks if content appears to be an HTML document or fragment.
func LooksLikeHTML(content string) bool {
	lower := strings.ToLower(strings.TrimSpace(content))
	if strings.HasPrefix(lower, "<!doctype") ||
		strings.HasPrefix(lower, "<html") ||
		strings.HasPrefix(lower, "<head") ||
		strings.HasPrefix(lower, "<body") {
		return true
	}
	return strings.HasPrefix(lower, "<") && htmlTagPattern.MatchString(lower)
}

// MarkdownURLVariants returns potential markdown versions of a URL.
// Returns empty slice if URL is already a markdown file (except GitHub blob URLs).
func MarkdownURLVariants(url string) []string {
	// GitHub blob -> raw conversion (even if already .md, we want the raw URL)
	if strings.Contains(url, "github.com") && strings.Contains(url, "/blob/") {
		raw := strings.Replace(url, "github.com", "raw.githubusercontent.com", 1)
		raw = strings.Replace(raw, "/blob/", "/", 1)
		return []string{raw}
	}

	if IsMarkdownURL(url) || extension(url) == ".pdf" {
		return []string{}
	}

	cleanURL := strings.TrimSuffix(url, "/")
	if IsHTMLURL(cleanURL) {
		cleanURL = strings.TrimSuffix(cleanURL, path.Ext(cleanURL))
	}
	return []string{cleanURL + ".md"}
}

// Detect classifies content. Checks in order: Content-Type, location, then content heuristics.
func Detect(location, contentType, content string) Format {
	switch {
	case IsMarkdownContentType(contentType):
		return FormatMarkdown
	case IsHTMLContentType(contentType):
		return FormatHTML
	case IsMarkdownURL(location):
		return FormatMarkdown
	case IsHTMLURL(location):
		return FormatHTML
	case LooksLikeHTML(content):
		return FormatHTML
	case IsMarkdownContent(content):
		return FormatMarkdown
	default:
		return FormatText
	}
}
