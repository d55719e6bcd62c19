// Package processor turns fetched bodies into the normalized text that is fingerprinted and chunked.
package processor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"

	"github.com/mfenderov/specialist/internal/markdown"
)

var (
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	markdownTitle = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// Processor converts HTML content to Markdown and normalizes text.
type Processor struct{}

// New creates a new processor.
func New() *Processor {
	return &Processor{}
}

// Result is a normalized document body.
type Result struct {
	Text   string
	Title  string
	Format markdown.Format
}

// Normalize converts content to markdown-flavoured text with stable whitespace,
// so that identical sources always produce identical fingerprints.
func (p *Processor) Normalize(content []byte, contentType, location string) (*Result, error) {
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "\uFFFD"))
	}
	raw := string(content)
	format := markdown.Detect(location, contentType, raw)

	res := &Result{Format: format}
	switch format {
	case markdown.FormatHTML:
		text, err := p.Convert(raw)
		if err != nil {
			return nil, fmt.Errorf("converting %s: %w", location, err)
		}
		res.Title = p.ExtractTitle(raw)
		res.Text = CleanText(text)
	default:
		res.Text = CleanText(raw)
	}

	if res.Title == "" {
		res.Title = MarkdownTitle(res.Text)
	}
	return res, nil
}

// Convert transforms HTML content into Markdown.
func (p *Processor) Convert(htmlContent string) (string, error) {
	if htmlContent == "" {
		return "", nil
	}

	md, err := htmltomarkdown.ConvertString(htmlContent)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(md), nil
}

// ExtractTitle extracts the <title> content from HTML, falling back to the first <h1>.
func (p *Processor) ExtractTitle(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return ""
	}

	if title := strings.TrimSpace(firstText(doc, "title")); title != "" {
		return title
	}
	return strings.TrimSpace(firstText(doc, "h1"))
}

// firstText returns the text of the first element named tag.
func firstText(n *html.Node, tag string) string {
	if n.Type == html.ElementNode && n.Data == tag {
		var b strings.Builder
		collectText(n, &b)
		return b.String()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if text := firstText(c, tag); text != "" {
			return text
		}
	}
	return ""
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// MarkdownTitle returns the first level-one heading of markdown text.
func MarkdownTitle(text string) string {
	if m := markdownTitle.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// CleanText normalizes line endings, strips trailing spaces and
// collapses runs of blank lines. It never reorders or drops words.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimPrefix(text, "\ufeff")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")

	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
