package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Origin identifies where a source document came from.
type Origin string

const (
	OriginGuideline Origin = "guideline" // published regulatory guideline catalog
	OriginCSR       Origin = "csr"       // uploaded clinical study report
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginGuideline || o == OriginCSR
}

// Module is the application area a question or chunk belongs to.
type Module string

const (
	ModuleProtocol  Module = "protocol"
	ModuleCSRReview Module = "csr_review"
	ModuleCMC       Module = "cmc"
	ModuleIND       Module = "ind"
	ModuleDocument  Module = "document"
	ModuleGeneral   Module = "general"
)

// Modules lists every module in display order.
var Modules = []Module{
	ModuleProtocol,
	ModuleCSRReview,
	ModuleCMC,
	ModuleIND,
	ModuleDocument,
	ModuleGeneral,
}

// ParseModule normalizes s into a Module. An empty string maps to ModuleGeneral.
func ParseModule(s string) (Module, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModuleGeneral, nil
	}
	s = strings.ReplaceAll(s, "-", "_")
	for _, m := range Modules {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown module %q", s)
}

// Candidate is the cheap listing entry for a source document. No body is fetched to produce it.
type Candidate struct {
	SourceID   string    `json:"source_id"`
	Origin     Origin    `json:"origin"`
	ModuleHint Module    `json:"module_hint,omitempty"`
	Title      string    `json:"title,omitempty"`
	Location   string    `json:"location"`          // URL or filesystem path
	Version    string    `json:"version,omitempty"` // catalog version tag, if any
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// RawDocument is a fetched source document before chunking.
type RawDocument struct {
	SourceID   string    `json:"source_id"`
	Origin     Origin    `json:"origin"`
	ModuleHint Module    `json:"module_hint,omitempty"`
	Title      string    `json:"title,omitempty"`
	RawText    string    `json:"raw_text"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Fingerprint returns the content digest of text. It ignores timestamps and names on purpose:
// uploaded files may be rewritten in place with the same path.
func Fingerprint(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// ShortFingerprint trims a fingerprint for log output.
func ShortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
