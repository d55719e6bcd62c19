// Package ledger records which source documents have been ingested, under
// which content fingerprint, and which chunk ids they own in the vector store.
package ledger

import (
	"context"
	"time"

	"github.com/mfenderov/specialist/pkg/models"
)

// Store is durable ledger persistence. Implementations must be safe for
// concurrent use by the two ingestion loops.
type Store interface {
	// Get returns the record for sourceID, or nil when the source is unknown.
	Get(ctx context.Context, sourceID string) (*models.ProcessedRecord, error)

	// MarkPending announces the chunk ids an ingestion is about to write.
	// The committed fingerprint and chunk ids are left untouched.
	MarkPending(ctx context.Context, sourceID string, origin models.Origin, chunkIDs []string) error

	// Commit replaces the record for rec.SourceID and clears pending ids.
	Commit(ctx context.Context, rec models.ProcessedRecord) error

	// Delete forgets a source entirely.
	Delete(ctx context.Context, sourceID string) error

	// List returns the records of one origin, or all records when origin is empty.
	List(ctx context.Context, origin models.Origin) ([]models.ProcessedRecord, error)

	// History returns the append-only event log of a source, oldest first.
	History(ctx context.Context, sourceID string) ([]Event, error)

	Close() error
}

// EventType names a ledger history entry.
type EventType string

const (
	EventCommitted EventType = "committed"
	EventPending   EventType = "pending"
	EventDeleted   EventType = "deleted"
)

// Event is one append-only history entry.
type Event struct {
	SourceID    string    `json:"source_id"`
	Type        EventType `json:"type"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	At          time.Time `json:"at"`
}

// Action is the outcome of Decide.
type Action string

const (
	Skip   Action = "skip"
	Ingest Action = "ingest"
)

// Decision tells the caller what to do with a fetched document.
type Decision struct {
	Action      Action
	Fingerprint string
	// Stale are the chunk ids that must be deleted before the new chunks
	// are written: the committed ids plus any left pending by an
	// interrupted ingestion.
	Stale []string
	// Changed is true when a committed record existed with another fingerprint.
	Changed bool
}

// Decide compares doc against its current record. It has no side effects.
func Decide(rec *models.ProcessedRecord, doc models.RawDocument) Decision {
	fp := models.Fingerprint(doc.RawText)
	if rec == nil {
		return Decision{Action: Ingest, Fingerprint: fp}
	}
	if rec.Fingerprint == fp && len(rec.PendingChunkIDs) == 0 {
		return Decision{Action: Skip, Fingerprint: fp}
	}
	return Decision{
		Action:      Ingest,
		Fingerprint: fp,
		Stale:       union(rec.ChunkIDs, rec.PendingChunkIDs),
		Changed:     rec.Committed() && rec.Fingerprint != fp,
	}
}

// union merges id lists preserving first-seen order.
func union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
