package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mfenderov/specialist/pkg/models"
)

// MemoryStore is an in-process Store. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.ProcessedRecord
	history map[string][]Event
	now     func() time.Time
}

// NewMemoryStore creates an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.ProcessedRecord),
		history: make(map[string][]Event),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, sourceID string) (*models.ProcessedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[sourceID]
	if !ok {
		return nil, nil
	}
	rec = clone(rec)
	return &rec, nil
}

func (m *MemoryStore) MarkPending(_ context.Context, sourceID string, origin models.Origin, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sourceID]
	if !ok {
		rec = models.ProcessedRecord{SourceID: sourceID, Origin: origin}
	}
	rec.PendingChunkIDs = union(rec.PendingChunkIDs, chunkIDs)
	m.records[sourceID] = rec
	m.append(sourceID, EventPending, "", len(chunkIDs))
	return nil
}

func (m *MemoryStore) Commit(_ context.Context, rec models.ProcessedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec = clone(rec)
	rec.PendingChunkIDs = nil
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = m.now()
	}
	m.records[rec.SourceID] = rec
	m.append(rec.SourceID, EventCommitted, rec.Fingerprint, len(rec.ChunkIDs))
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, sourceID)
	m.append(sourceID, EventDeleted, "", 0)
	return nil
}

func (m *MemoryStore) List(_ context.Context, origin models.Origin) ([]models.ProcessedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ProcessedRecord
	for _, rec := range m.records {
		if origin != "" && rec.Origin != origin {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, sourceID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[sourceID]), nil
}

func (m *MemoryStore) Close() error { return nil }

// append must be called with mu held.
func (m *MemoryStore) append(sourceID string, typ EventType, fingerprint string, chunks int) {
	m.history[sourceID] = append(m.history[sourceID], Event{
		SourceID:    sourceID,
		Type:        typ,
		Fingerprint: fingerprint,
		ChunkCount:  chunks,
		At:          m.now(),
	})
}

func clone(rec models.ProcessedRecord) models.ProcessedRecord {
	rec.ChunkIDs = slices.Clone(rec.ChunkIDs)
	rec.PendingChunkIDs = slices.Clone(rec.PendingChunkIDs)
	return rec
}
