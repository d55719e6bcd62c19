// Package indextest provides deterministic doubles for the index package.
package indextest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/mfenderov/specialist/internal/index"
	"github.com/mfenderov/specialist/pkg/models"
)

// Dims is the vector size produced by Embedder.
const Dims = 64

// Embedder hashes words into a fixed-size bag-of-words vector, so texts that
// share words are similar. It counts calls and can be told to fail.
type Embedder struct {
	mu    sync.Mutex
	Calls int
	Texts int
	Err   error
}

func (e *Embedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls++
	if e.Err != nil {
		return nil, e.Err
	}
	e.Texts += len(texts)

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t)
	}
	return out, nil
}

// Vector returns the embedding Embedder produces for text.
func Vector(text string) []float32 {
	v := make([]float32, Dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?()\"'")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%Dims]++
	}
	return v
}

// ErrInjected is returned by Store when a failure is armed.
var ErrInjected = errors.New("injected failure")

// Store wraps a MemoryStore and records calls. FailUpsert and FailDelete make
// the next calls fail.
type Store struct {
	*index.MemoryStore

	mu         sync.Mutex
	Upserted   []string
	Deleted    []string
	FailUpsert bool
	FailDelete bool
	FailSearch bool
}

// NewStore creates an empty recording store.
func NewStore() *Store {
	return &Store{MemoryStore: index.NewMemoryStore()}
}

func (s *Store) Upsert(ctx context.Context, records []models.VectorRecord) error {
	s.mu.Lock()
	fail := s.FailUpsert
	if !fail {
		for _, r := range records {
			s.Upserted = append(s.Upserted, r.Chunk.ChunkID)
		}
	}
	s.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return s.MemoryStore.Upsert(ctx, records)
}

func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	s.mu.Lock()
	fail := s.FailDelete
	if !fail {
		s.Deleted = append(s.Deleted, chunkIDs...)
	}
	s.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return s.MemoryStore.Delete(ctx, chunkIDs)
}

func (s *Store) Search(ctx context.Context, vec []float32, k int) ([]models.ScoredChunk, error) {
	s.mu.Lock()
	fail := s.FailSearch
	s.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return s.MemoryStore.Search(ctx, vec, k)
}

// Reset clears the recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upserted = nil
	s.Deleted = nil
}

// Writes returns the chunk ids upserted and deleted since the last Reset.
func (s *Store) Writes() (upserted, deleted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Upserted...), append([]string(nil), s.Deleted...)
}
