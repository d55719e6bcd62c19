// Package chunker splits normalized document text into bounded, overlap-aware segments.
package chunker

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mfenderov/specialist/pkg/models"
)

const (
	// DefaultMaxTokens is the largest segment the chunker emits.
	DefaultMaxTokens = 512
	// DefaultOverlapTokens is the overlap between consecutive fallback windows.
	DefaultOverlapTokens = 64
	// DefaultMaxChunks bounds the segments produced for one document.
	DefaultMaxChunks = 2000

	// charsPerToken matches EstimateTokens.
	charsPerToken = 4
)

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// Config holds chunking parameters. Non-positive sizes fall back to the defaults;
// a negative overlap does too, while zero disables overlap.
type Config struct {
	MaxTokens     int
	OverlapTokens int
	MaxChunks     int
}

// Segment is one chunk of text with its position in the document.
type Segment struct {
	Index      int
	Text       string
	TokenCount int
}

// Chunker splits text on paragraph boundaries and falls back to
// fixed-size word windows for paragraphs that exceed the maximum.
type Chunker struct {
	maxTokens     int
	overlapTokens int
	maxChunks     int
}

// New creates a chunker, applying defaults and keeping overlap below the window size.
func New(cfg Config) *Chunker {
	c := &Chunker{
		maxTokens:     cfg.MaxTokens,
		overlapTokens: cfg.OverlapTokens,
		maxChunks:     cfg.MaxChunks,
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.overlapTokens < 0 {
		c.overlapTokens = DefaultOverlapTokens
	}
	if c.overlapTokens >= c.maxTokens {
		c.overlapTokens = c.maxTokens / 4
	}
	if c.maxChunks <= 0 {
		c.maxChunks = DefaultMaxChunks
	}
	return c
}

// ParamsKey identifies the chunking parameters. It is part of every chunk id,
// so changing the configuration re-keys the whole index.
func (c *Chunker) ParamsKey() string {
	return fmt.Sprintf("v1:max=%d:overlap=%d:limit=%d", c.maxTokens, c.overlapTokens, c.maxChunks)
}

// MaxTokens returns the segment size limit.
func (c *Chunker) MaxTokens() int {
	return c.maxTokens
}

// EstimateTokens approximates the token count of s as ceil(len/4).
func EstimateTokens(s string) int {
	return tokensForLen(len(s))
}

func tokensForLen(n int) int {
	return (n + charsPerToken - 1) / charsPerToken
}

// Chunk splits text into ordered segments. The same text and configuration
// always yield the same boundaries.
func (c *Chunker) Chunk(text string) []Segment {
	var segments []Segment
	emit := func(s string) {
		segments = append(segments, Segment{
			Index:      len(segments),
			Text:       s,
			TokenCount: EstimateTokens(s),
		})
	}

	for _, unit := range c.units(text) {
		if EstimateTokens(unit) <= c.maxTokens {
			emit(unit)
			continue
		}
		for _, w := range c.windows(unit) {
			emit(w)
		}
	}

	if len(segments) > c.maxChunks {
		slog.Warn("document exceeds chunk limit, truncating",
			"segments", len(segments), "limit", c.maxChunks)
		segments = segments[:c.maxChunks]
	}
	return segments
}

// ChunksFor chunks a raw document into identified chunks.
func (c *Chunker) ChunksFor(doc models.RawDocument) []models.Chunk {
	segments := c.Chunk(doc.RawText)
	params := c.ParamsKey()

	chunks := make([]models.Chunk, len(segments))
	for i, seg := range segments {
		chunks[i] = models.Chunk{
			ChunkID:      models.GenerateChunkID(doc.SourceID, seg.Index, params),
			SourceID:     doc.SourceID,
			Origin:       doc.Origin,
			SegmentIndex: seg.Index,
			Text:         seg.Text,
			TokenCount:   seg.TokenCount,
			ModuleHint:   doc.ModuleHint,
			Title:        doc.Title,
		}
	}
	return chunks
}

// units returns the semantic units of text: paragraphs, with heading-only
// paragraphs glued to the paragraph they introduce when the pair fits.
func (c *Chunker) units(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var paragraphs []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	units := make([]string, 0, len(paragraphs))
	for i := 0; i < len(paragraphs); i++ {
		p := paragraphs[i]
		if isHeading(p) && i+1 < len(paragraphs) {
			joined := p + "\n\n" + paragraphs[i+1]
			if EstimateTokens(joined) <= c.maxTokens {
				units = append(units, joined)
				i++
				continue
			}
		}
		units = append(units, p)
	}
	return units
}

func isHeading(p string) bool {
	return strings.HasPrefix(p, "#") && !strings.Contains(p, "\n")
}

// windows splits an oversize unit into word windows of at most maxTokens,
// each starting overlapTokens worth of words before the previous one ended.
func (c *Chunker) windows(unit string) []string {
	maxChars := c.maxTokens * charsPerToken

	var words []string
	for _, w := range strings.Fields(unit) {
		if len(w) <= maxChars {
			words = append(words, w)
			continue
		}
		words = append(words, splitRunes(w, maxChars)...)
	}

	var out []string
	start := 0
	for start < len(words) {
		end, length := start, 0
		for end < len(words) {
			add := len(words[end])
			if end > start {
				add++ // joining space
			}
			if end > start && tokensForLen(length+add) > c.maxTokens {
				break
			}
			length += add
			end++
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end >= len(words) {
			break
		}

		// Back off from end while the tail still fits in the overlap. The
		// next window always starts after the current one.
		next, tail := end, 0
		for next-1 > start {
			add := len(words[next-1])
			if tail > 0 {
				add++
			}
			if tokensForLen(tail+add) > c.overlapTokens {
				break
			}
			tail += add
			next--
		}
		start = next
	}
	return out
}

// splitRunes cuts s into pieces of at most maxBytes without splitting a rune.
func splitRunes(s string, maxBytes int) []string {
	var pieces []string
	for len(s) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(s)
			cut = size
		}
		pieces = append(pieces, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		pieces = append(pieces, s)
	}
	return pieces
}
