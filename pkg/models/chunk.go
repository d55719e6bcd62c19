package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Chunk is a bounded text segment of a source document, the unit of embedding and retrieval.
type Chunk struct {
	ChunkID      string `json:"chunk_id"`
	SourceID     string `json:"source_id"`
	Origin       Origin `json:"origin"`
	SegmentIndex int    `json:"segment_index"`
	Text         string `json:"text"`
	TokenCount   int    `json:"token_count"`
	ModuleHint   Module `json:"module_hint,omitempty"`
	Title        string `json:"title,omitempty"`
}

// GenerateChunkID derives the chunk identifier from the owning source, the segment position
// and the chunking parameters. Identical inputs always give the same id, so rewriting an
// unchanged document is an idempotent upsert.
func GenerateChunkID(sourceID string, segmentIndex int, paramsKey string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(segmentIndex)))
	h.Write([]byte{0})
	h.Write([]byte(paramsKey))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ChunkIDs returns the ids of chunks in order.
func ChunkIDs(chunks []Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	return ids
}

// VectorRecord is what gets written to the vector store for one chunk.
type VectorRecord struct {
	Chunk       Chunk     `json:"chunk"`
	Fingerprint string    `json:"fingerprint"`
	Embedding   []float32 `json:"embedding"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// ScoredChunk is a similarity search hit.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// ProcessedRecord is the ledger entry for one source document.
type ProcessedRecord struct {
	SourceID    string    `json:"source_id"`
	Origin      Origin    `json:"origin"`
	Fingerprint string    `json:"fingerprint"`
	ProcessedAt time.Time `json:"processed_at"`
	ChunkIDs    []string  `json:"chunk_ids"`
	// PendingChunkIDs are ids announced by an ingestion that has not committed yet.
	PendingChunkIDs []string `json:"pending_chunk_ids,omitempty"`
}

// Committed reports whether the record reflects at least one finished ingestion.
func (r *ProcessedRecord) Committed() bool {
	return r != nil && r.Fingerprint != ""
}
