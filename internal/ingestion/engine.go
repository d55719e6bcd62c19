// Package ingestion runs one ingestion tick: list an origin, skip what the
// ledger already holds, and replace the vectors of everything new or changed.
package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mfenderov/specialist/internal/chunker"
	"github.com/mfenderov/specialist/internal/events"
	"github.com/mfenderov/specialist/internal/index"
	"github.com/mfenderov/specialist/internal/ledger"
	"github.com/mfenderov/specialist/internal/source"
	"github.com/mfenderov/specialist/pkg/models"
)

// Config holds ingestion engine configuration.
type Config struct {
	// PruneMissing removes sources that disappeared from a successful listing.
	PruneMissing bool
}

// Outcome is what happened to one document.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeIngested Outcome = "ingested"
)

// Failure identifies a document whose ingestion was deferred to the next tick.
type Failure struct {
	SourceID    string
	Fingerprint string
	Kind        models.ErrorKind
	Err         error
}

// Result holds tick execution results.
type Result struct {
	Origin        models.Origin
	Listed        int
	Ingested      int
	Skipped       int
	Pruned        int
	ChunksWritten int
	Unavailable   bool // the origin could not be listed
	Partial       bool // the listing skipped unreadable locations; nothing was pruned
	Failures      []Failure
	Duration      time.Duration
}

// Engine coordinates readers, the ledger, the chunker and the indexer.
type Engine struct {
	ledger  ledger.Store
	chunker *chunker.Chunker
	indexer *index.Indexer
	config  Config
	now     func() time.Time
}

// New creates a new ingestion engine.
func New(store ledger.Store, ch *chunker.Chunker, ix *index.Indexer, config Config) *Engine {
	return &Engine{
		ledger:  store,
		chunker: ch,
		indexer: ix,
		config:  config,
		now:     time.Now,
	}
}

// RunTick processes every candidate of reader once. It never returns an error:
// an unreachable origin yields an empty result and per-document failures are
// recorded in Result.Failures.
func (e *Engine) RunTick(ctx context.Context, reader source.Reader) *Result {
	start := e.now()
	origin := reader.Origin()
	result := &Result{Origin: origin}

	candidates, err := reader.ListCandidates(ctx)
	if err != nil && errors.Is(err, source.ErrPartialListing) {
		// Ingest what could be listed, but absence proves nothing.
		result.Partial = true
		slog.Warn("origin listed partially, pruning disabled this tick",
			"origin", origin, "candidates", len(candidates), "error", err)
	} else if err != nil {
		result.Unavailable = true
		result.Duration = e.now().Sub(start)
		slog.Warn("origin unavailable, no candidates this tick",
			"origin", origin, "kind", models.KindOf(err), "error", err)
		return result
	}
	result.Listed = len(candidates)
	slog.Debug("tick started", "origin", origin, "candidates", len(candidates))

	listed := make(map[string]bool, len(candidates))
	seen := make(map[string]string, len(candidates))
	for _, c := range candidates {
		listed[c.SourceID] = true
		if ctx.Err() != nil {
			break
		}

		outcome, chunks, err := e.fetchAndIngest(ctx, reader, c, seen)
		if err != nil {
			e.recordFailure(result, origin, c.SourceID, err)
			continue
		}
		switch outcome {
		case OutcomeIngested:
			result.Ingested++
			result.ChunksWritten += chunks
		case OutcomeSkipped:
			result.Skipped++
		}
	}

	if e.config.PruneMissing && !result.Partial && ctx.Err() == nil {
		e.prune(ctx, origin, listed, result)
	}

	result.Duration = e.now().Sub(start)
	slog.Info("tick complete",
		"origin", origin,
		"listed", result.Listed,
		"ingested", result.Ingested,
		"skipped", result.Skipped,
		"pruned", result.Pruned,
		"failures", len(result.Failures),
		"duration", result.Duration)
	return result
}

func (e *Engine) fetchAndIngest(ctx context.Context, reader source.Reader, c models.Candidate, seen map[string]string) (Outcome, int, error) {
	doc, err := reader.FetchBody(ctx, c)
	if err != nil {
		return "", 0, err
	}

	fp := models.Fingerprint(doc.RawText)
	if prev, ok := seen[doc.SourceID]; ok && prev != fp {
		// The later read is authoritative.
		slog.Warn("source changed identity within one tick",
			"kind", models.KindFingerprintConflict,
			"source_id", doc.SourceID,
			"previous", models.ShortFingerprint(prev),
			"fingerprint", models.ShortFingerprint(fp))
	}
	seen[doc.SourceID] = fp

	return e.Ingest(ctx, *doc)
}

// Ingest brings the index and ledger in line with one document. The order is
// fixed: announce pending ids, delete stale chunks, upsert new chunks, commit.
// A failure at any step leaves the ledger pointing at work still to be done.
func (e *Engine) Ingest(ctx context.Context, doc models.RawDocument) (Outcome, int, error) {
	rec, err := e.ledger.Get(ctx, doc.SourceID)
	if err != nil {
		return "", 0, &models.Error{Kind: models.KindIndexWriteFailure, Op: "ledger get", SourceID: doc.SourceID, Err: err}
	}

	d := ledger.Decide(rec, doc)
	if d.Action == ledger.Skip {
		slog.Debug("unchanged, skipping", "source_id", doc.SourceID, "fingerprint", models.ShortFingerprint(d.Fingerprint))
		return OutcomeSkipped, 0, nil
	}

	fail := func(kind models.ErrorKind, op string, err error) (Outcome, int, error) {
		return "", 0, &models.Error{Kind: kind, Op: op, SourceID: doc.SourceID, Fingerprint: d.Fingerprint, Err: err}
	}

	chunks := e.chunker.ChunksFor(doc)
	records, err := e.indexer.Embed(ctx, chunks, d.Fingerprint)
	if err != nil {
		return fail(models.KindEmbeddingFailure, "embed", err)
	}

	ids := models.ChunkIDs(chunks)
	if err := e.ledger.MarkPending(ctx, doc.SourceID, doc.Origin, ids); err != nil {
		return fail(models.KindIndexWriteFailure, "ledger mark pending", err)
	}
	if err := e.indexer.Replace(ctx, d.Stale, records); err != nil {
		return fail(models.KindIndexWriteFailure, "replace chunks", err)
	}
	err = e.ledger.Commit(ctx, models.ProcessedRecord{
		SourceID:    doc.SourceID,
		Origin:      doc.Origin,
		Fingerprint: d.Fingerprint,
		ProcessedAt: e.now().UTC(),
		ChunkIDs:    ids,
	})
	if err != nil {
		return fail(models.KindIndexWriteFailure, "ledger commit", err)
	}

	slog.Info("document ingested",
		"source_id", doc.SourceID,
		"origin", doc.Origin,
		"fingerprint", models.ShortFingerprint(d.Fingerprint),
		"chunks", len(ids),
		"replaced", len(d.Stale),
		"changed", d.Changed)
	return OutcomeIngested, len(ids), nil
}

// Forget removes every chunk a source owns and then its ledger record.
func (e *Engine) Forget(ctx context.Context, sourceID string) error {
	rec, err := e.ledger.Get(ctx, sourceID)
	if err != nil {
		return &models.Error{Kind: models.KindIndexWriteFailure, Op: "ledger get", SourceID: sourceID, Err: err}
	}
	if rec == nil {
		return nil
	}
	ids := append(append([]string(nil), rec.ChunkIDs...), rec.PendingChunkIDs...)
	if err := e.indexer.Remove(ctx, ids); err != nil {
		return &models.Error{Kind: models.KindIndexWriteFailure, Op: "remove chunks", SourceID: sourceID, Fingerprint: rec.Fingerprint, Err: err}
	}
	if err := e.ledger.Delete(ctx, sourceID); err != nil {
		return &models.Error{Kind: models.KindIndexWriteFailure, Op: "ledger delete", SourceID: sourceID, Fingerprint: rec.Fingerprint, Err: err}
	}
	return nil
}

// prune forgets ledger records of origin that the listing no longer contains.
func (e *Engine) prune(ctx context.Context, origin models.Origin, listed map[string]bool, result *Result) {
	records, err := e.ledger.List(ctx, origin)
	if err != nil {
		slog.Warn("prune skipped, ledger list failed", "origin", origin, "error", err)
		return
	}
	if len(listed) == 0 && len(records) > 0 {
		// An origin that lists nothing while the ledger holds its documents is
		// far more likely broken than emptied.
		slog.Warn("prune skipped, origin listed no documents",
			"origin", origin, "records", len(records))
		return
	}
	for _, rec := range records {
		if listed[rec.SourceID] {
			continue
		}
		if err := e.Forget(ctx, rec.SourceID); err != nil {
			e.recordFailure(result, origin, rec.SourceID, err)
			continue
		}
		result.Pruned++
		slog.Info("source removed", "source_id", rec.SourceID, "origin", origin, "chunks", len(rec.ChunkIDs))
	}
}

func (e *Engine) recordFailure(result *Result, origin models.Origin, sourceID string, err error) {
	f := Failure{SourceID: sourceID, Kind: models.KindOf(err), Err: err}
	var me *models.Error
	if errors.As(err, &me) {
		f.Fingerprint = me.Fingerprint
	}
	result.Failures = append(result.Failures, f)
	slog.Error("document ingestion deferred",
		"source_id", sourceID,
		"origin", origin,
		"fingerprint", models.ShortFingerprint(f.Fingerprint),
		"kind", f.Kind,
		"error", err)
}

// Event converts r into a status event.
func (r *Result) Event() events.TickCompleteEvent {
	e := events.TickCompleteEvent{
		Origin:      r.Origin,
		Listed:      r.Listed,
		Ingested:    r.Ingested,
		Skipped:     r.Skipped,
		Pruned:      r.Pruned,
		Unavailable: r.Unavailable,
		Partial:     r.Partial,
		Duration:    r.Duration,
		Timestamp:   time.Now(),
	}
	for _, f := range r.Failures {
		e.Failures = append(e.Failures, f.SourceID)
	}
	return e
}
