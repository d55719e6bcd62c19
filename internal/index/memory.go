package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mfenderov/specialist/pkg/models"
)

// MemoryStore is a brute-force cosine similarity Store held in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.VectorRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.VectorRecord)}
}

func (m *MemoryStore) Upsert(_ context.Context, records []models.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.Chunk.ChunkID] = r
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, vec []float32, k int) ([]models.ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]models.ScoredChunk, 0, len(m.records))
	for _, r := range m.records {
		hits = append(hits, models.ScoredChunk{Chunk: r.Chunk, Score: Cosine(vec, r.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ChunkID < hits[j].Chunk.ChunkID
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Get returns the stored record for a chunk id.
func (m *MemoryStore) Get(chunkID string) (models.VectorRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[chunkID]
	return r, ok
}

// Len returns the number of stored chunks.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// IDs returns all stored chunk ids, sorted.
func (m *MemoryStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cosine returns the cosine similarity of a and b. Mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
