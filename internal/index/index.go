// Package index turns chunks into vector records and keeps the vector store
// in step with the ledger.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mfenderov/specialist/pkg/models"
)

// Store is a vector store keyed by chunk id.
type Store interface {
	// Upsert writes records, replacing any with the same chunk id.
	Upsert(ctx context.Context, records []models.VectorRecord) error
	// Delete removes chunks by id. Unknown ids are not an error.
	Delete(ctx context.Context, chunkIDs []string) error
	// Search returns the k nearest chunks to vec, best first.
	Search(ctx context.Context, vec []float32, k int) ([]models.ScoredChunk, error)
}

// Embedder produces one vector per input text, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder is implemented by embedders that encode questions differently
// from the documents they are matched against.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config controls embedding throughput.
type Config struct {
	BatchSize         int
	RequestsPerSecond float64 // 0 means unlimited
}

// Indexer embeds chunks and writes them to a Store.
type Indexer struct {
	store     Store
	embedder  Embedder
	batchSize int
	limiter   *rate.Limiter
	now       func() time.Time
}

// New creates an Indexer.
func New(store Store, embedder Embedder, cfg Config) *Indexer {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Indexer{
		store:     store,
		embedder:  embedder,
		batchSize: batch,
		limiter:   limiter,
		now:       time.Now,
	}
}

// Store returns the underlying vector store.
func (ix *Indexer) Store() Store {
	return ix.store
}

// Embed computes vector records for chunks. Nothing is written.
func (ix *Indexer) Embed(ctx context.Context, chunks []models.Chunk, fingerprint string) ([]models.VectorRecord, error) {
	records := make([]models.VectorRecord, 0, len(chunks))
	indexedAt := ix.now().UTC()

	for start := 0; start < len(chunks); start += ix.batchSize {
		end := min(start+ix.batchSize, len(chunks))
		batch := chunks[start:end]

		if err := ix.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}
		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedding batch %d-%d: got %d vectors for %d texts", start, end, len(vectors), len(batch))
		}

		for i, ch := range batch {
			records = append(records, models.VectorRecord{
				Chunk:       ch,
				Fingerprint: fingerprint,
				Embedding:   vectors[i],
				IndexedAt:   indexedAt,
			})
		}
		slog.Debug("embedded batch", "source_id", batch[0].SourceID, "from", start, "to", end)
	}
	return records, nil
}

// Replace deletes stale chunk ids and then writes records.
func (ix *Indexer) Replace(ctx context.Context, stale []string, records []models.VectorRecord) error {
	if len(stale) > 0 {
		if err := ix.store.Delete(ctx, stale); err != nil {
			return fmt.Errorf("deleting %d stale chunks: %w", len(stale), err)
		}
	}
	if len(records) == 0 {
		return nil
	}
	if err := ix.store.Upsert(ctx, records); err != nil {
		return fmt.Errorf("upserting %d chunks: %w", len(records), err)
	}
	return nil
}

// Remove deletes chunk ids.
func (ix *Indexer) Remove(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return ix.store.Delete(ctx, chunkIDs)
}

// EmbedQuery embeds a single question.
func (ix *Indexer) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if qe, ok := ix.embedder.(QueryEmbedder); ok {
		return qe.EmbedQuery(ctx, text)
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("got %d vectors for one query", len(vectors))
	}
	return vectors[0], nil
}

// Search embeds query and returns its k nearest chunks, best first.
func (ix *Indexer) Search(ctx context.Context, query string, k int) ([]models.ScoredChunk, error) {
	vec, err := ix.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := ix.store.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching %d nearest chunks: %w", k, err)
	}
	return hits, nil
}
