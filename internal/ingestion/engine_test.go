package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfenderov/specialist/internal/chunker"
	"github.com/mfenderov/specialist/internal/index"
	"github.com/mfenderov/specialist/internal/index/indextest"
	"github.com/mfenderov/specialist/internal/ledger"
	"github.com/mfenderov/specialist/internal/source"
	"github.com/mfenderov/specialist/pkg/models"
)

const (
	paraA = "Sponsors should describe the trial design in the protocol."
	paraB = "The statistical analysis plan must be finalized before unblinding."
	paraC = "Deviations from the protocol are reported in the clinical study report."
)

func doc3(middle string) string {
	return strings.Join([]string{paraA, middle, paraC}, "\n\n")
}

// fakeReader serves documents from a map. Bodies may be swapped between ticks.
type fakeReader struct {
	mu      sync.Mutex
	origin  models.Origin
	order   []string
	bodies  map[string]string
	listErr error
	// skipped, when set, is reported as an unreadable part of the listing.
	skipped error
	fetches map[string]int
	// bodyFn, when set, overrides bodies and sees the per-id fetch count.
	bodyFn func(id string, n int) string
}

func newFakeReader(origin models.Origin) *fakeReader {
	return &fakeReader{origin: origin, bodies: map[string]string{}, fetches: map[string]int{}}
}

func (r *fakeReader) put(id, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bodies[id]; !ok {
		r.order = append(r.order, id)
	}
	r.bodies[id] = body
}

func (r *fakeReader) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bodies, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *fakeReader) Origin() models.Origin { return r.origin }

func (r *fakeReader) ListCandidates(context.Context) ([]models.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, &models.Error{Kind: models.KindOriginUnavailable, Op: "list", Err: r.listErr}
	}
	out := make([]models.Candidate, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, models.Candidate{SourceID: id, Origin: r.origin, Location: id, ModuleHint: models.ModuleProtocol})
	}
	if r.skipped != nil {
		return out, &models.Error{Kind: models.KindOriginUnavailable, Op: "list", Err: fmt.Errorf("%w: %w", source.ErrPartialListing, r.skipped)}
	}
	return out, nil
}

func (r *fakeReader) FetchBody(_ context.Context, c models.Candidate) (*models.RawDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches[c.SourceID]++
	body, ok := r.bodies[c.SourceID]
	if r.bodyFn != nil {
		body, ok = r.bodyFn(c.SourceID, r.fetches[c.SourceID]), true
	}
	if !ok {
		return nil, &models.Error{Kind: models.KindOriginUnavailable, Op: "fetch", SourceID: c.SourceID, Err: errors.New("gone")}
	}
	return &models.RawDocument{
		SourceID:   c.SourceID,
		Origin:     r.origin,
		ModuleHint: c.ModuleHint,
		Title:      c.SourceID,
		RawText:    body,
		FetchedAt:  time.Now(),
	}, nil
}

type harness struct {
	engine   *Engine
	ledger   ledger.Store
	store    *indextest.Store
	embedder *indextest.Embedder
	chunker  *chunker.Chunker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ledger:   ledger.NewMemoryStore(),
		store:    indextest.NewStore(),
		embedder: &indextest.Embedder{},
		chunker:  chunker.New(chunker.Config{MaxTokens: 128, OverlapTokens: 16}),
	}
	ix := index.New(h.store, h.embedder, index.Config{BatchSize: 2})
	h.engine = New(h.ledger, h.chunker, ix, cfg)
	return h
}

func (h *harness) record(t *testing.T, id string) *models.ProcessedRecord {
	t.Helper()
	rec, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestRunTick_DocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:study-001.md", doc3(paraB))

	// First sighting: three paragraphs, three chunks.
	res := h.engine.RunTick(ctx, reader)

	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, 3, res.ChunksWritten)
	assert.Empty(t, res.Failures)
	rec := h.record(t, "csr:study-001.md")
	require.NotNil(t, rec)
	f1 := models.Fingerprint(doc3(paraB))
	assert.Equal(t, f1, rec.Fingerprint)
	require.Len(t, rec.ChunkIDs, 3)
	assert.Empty(t, rec.PendingChunkIDs)
	assert.Equal(t, 3, h.store.Len())
	firstIDs := rec.ChunkIDs

	// Re-poll without changes writes nothing.
	h.store.Reset()
	calls := h.embedder.Calls
	res = h.engine.RunTick(ctx, reader)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Ingested)
	upserted, deleted := h.store.Writes()
	assert.Empty(t, upserted)
	assert.Empty(t, deleted)
	assert.Equal(t, calls, h.embedder.Calls, "unchanged documents are not re-embedded")

	// Editing the middle paragraph replaces exactly the previous chunks.
	edited := doc3("The statistical analysis plan must be signed before database lock.")
	reader.put("csr:study-001.md", edited)
	h.store.Reset()
	res = h.engine.RunTick(ctx, reader)

	assert.Equal(t, 1, res.Ingested)
	upserted, deleted = h.store.Writes()
	assert.ElementsMatch(t, firstIDs, deleted)
	assert.Len(t, upserted, 3)
	rec = h.record(t, "csr:study-001.md")
	f2 := models.Fingerprint(edited)
	assert.Equal(t, f2, rec.Fingerprint)
	assert.NotEqual(t, f1, f2)
	assert.Equal(t, 3, h.store.Len())
	for _, id := range rec.ChunkIDs {
		vr, ok := h.store.Get(id)
		require.True(t, ok)
		assert.Equal(t, f2, vr.Fingerprint)
	}
	middle, _ := h.store.Get(rec.ChunkIDs[1])
	assert.Contains(t, middle.Chunk.Text, "database lock")
}

func TestRunTick_IdempotentAcrossEngines(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginGuideline)
	reader.put("guideline:ich-e9", doc3(paraB))
	reader.put("guideline:ich-e6", paraA)

	h.engine.RunTick(ctx, reader)
	before := h.store.IDs()

	// A fresh engine over the same ledger behaves like a restart.
	ix := index.New(h.store, h.embedder, index.Config{})
	restarted := New(h.ledger, h.chunker, ix, Config{})
	h.store.Reset()
	res := restarted.RunTick(ctx, reader)

	assert.Equal(t, 2, res.Skipped)
	upserted, deleted := h.store.Writes()
	assert.Empty(t, upserted)
	assert.Empty(t, deleted)
	assert.Equal(t, before, h.store.IDs())
}

func TestRunTick_InterruptedWriteConvergesOnRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:a.md", doc3(paraB))
	h.engine.RunTick(ctx, reader)
	committed := h.record(t, "csr:a.md")

	edited := doc3("A changed middle paragraph about interim analyses.")
	reader.put("csr:a.md", edited)
	h.store.FailUpsert = true
	res := h.engine.RunTick(ctx, reader)

	require.Len(t, res.Failures, 1)
	f := res.Failures[0]
	assert.Equal(t, "csr:a.md", f.SourceID)
	assert.Equal(t, models.KindIndexWriteFailure, f.Kind)
	assert.Equal(t, models.Fingerprint(edited), f.Fingerprint)
	assert.ErrorIs(t, f.Err, indextest.ErrInjected)

	// The ledger still names the old fingerprint and remembers what was attempted.
	rec := h.record(t, "csr:a.md")
	assert.Equal(t, committed.Fingerprint, rec.Fingerprint)
	assert.Equal(t, committed.ChunkIDs, rec.ChunkIDs)
	assert.NotEmpty(t, rec.PendingChunkIDs)
	assert.Equal(t, 0, h.store.Len(), "stale chunks were deleted before the failed upsert")

	h.store.FailUpsert = false
	res = h.engine.RunTick(ctx, reader)

	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Ingested)
	rec = h.record(t, "csr:a.md")
	assert.Equal(t, models.Fingerprint(edited), rec.Fingerprint)
	assert.Empty(t, rec.PendingChunkIDs)
	assert.ElementsMatch(t, rec.ChunkIDs, h.store.IDs())
}

func TestRunTick_FirstIngestFailureRetriesUnchangedDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:a.md", doc3(paraB))

	h.store.FailUpsert = true
	res := h.engine.RunTick(ctx, reader)
	require.Len(t, res.Failures, 1)
	rec := h.record(t, "csr:a.md")
	require.NotNil(t, rec)
	assert.False(t, rec.Committed())

	h.store.FailUpsert = false
	res = h.engine.RunTick(ctx, reader)

	assert.Equal(t, 1, res.Ingested, "a pending record is never skipped")
	assert.True(t, h.record(t, "csr:a.md").Committed())
	assert.Equal(t, 3, h.store.Len())
}

// selectiveEmbedder fails any batch containing a marker word.
type selectiveEmbedder struct {
	indextest.Embedder
	marker string
}

func (e *selectiveEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.Contains(t, e.marker) {
			return nil, fmt.Errorf("model rejected input")
		}
	}
	return e.Embedder.EmbedBatch(ctx, texts)
}

func TestRunTick_EmbeddingFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := indextest.NewStore()
	led := ledger.NewMemoryStore()
	ix := index.New(store, &selectiveEmbedder{marker: "POISON"}, index.Config{})
	engine := New(led, chunker.New(chunker.Config{MaxTokens: 128}), ix, Config{})

	reader := newFakeReader(models.OriginGuideline)
	reader.put("guideline:good", doc3(paraB))
	reader.put("guideline:bad", "POISON paragraph.")
	reader.put("guideline:also-good", paraC)

	res := engine.RunTick(ctx, reader)

	assert.Equal(t, 2, res.Ingested)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "guideline:bad", res.Failures[0].SourceID)
	assert.Equal(t, models.KindEmbeddingFailure, res.Failures[0].Kind)
	assert.True(t, errors.Is(res.Failures[0].Err, models.ErrEmbeddingFailure))

	bad, err := led.Get(ctx, "guideline:bad")
	require.NoError(t, err)
	assert.Nil(t, bad, "nothing is recorded before embedding succeeds")
}

func TestRunTick_OriginUnavailable(t *testing.T) {
	h := newHarness(t, Config{PruneMissing: true})
	reader := newFakeReader(models.OriginGuideline)
	reader.put("guideline:a", paraA)
	h.engine.RunTick(context.Background(), reader)

	reader.listErr = errors.New("catalog returned 503")
	res := h.engine.RunTick(context.Background(), reader)

	assert.True(t, res.Unavailable)
	assert.Zero(t, res.Listed)
	assert.Zero(t, res.Pruned, "a failed listing never prunes")
	assert.NotNil(t, h.record(t, "guideline:a"))
}

func TestRunTick_FetchFailureDefersDocument(t *testing.T) {
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:a.md", paraA)
	reader.put("csr:b.md", paraB)
	delete(reader.bodies, "csr:a.md") // listed but unreadable

	res := h.engine.RunTick(context.Background(), reader)

	assert.Equal(t, 1, res.Ingested)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, models.KindOriginUnavailable, res.Failures[0].Kind)
}

func TestRunTick_LaterReadWinsOnConflict(t *testing.T) {
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginCSR)
	// Listed twice within one tick, changing between reads.
	reader.order = []string{"csr:a.md", "csr:a.md"}
	reader.bodies["csr:a.md"] = ""
	reader.bodyFn = func(_ string, n int) string {
		return fmt.Sprintf("Revision %d of the report.", n)
	}

	res := h.engine.RunTick(context.Background(), reader)

	assert.Empty(t, res.Failures)
	rec := h.record(t, "csr:a.md")
	assert.Equal(t, models.Fingerprint("Revision 2 of the report."), rec.Fingerprint)
	require.Len(t, rec.ChunkIDs, 1)
	vr, ok := h.store.Get(rec.ChunkIDs[0])
	require.True(t, ok)
	assert.Equal(t, "Revision 2 of the report.", vr.Chunk.Text)
}

func TestRunTick_PrunesMissingSources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PruneMissing: true})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:keep.md", paraA)
	reader.put("csr:drop.md", doc3(paraB))
	h.engine.RunTick(ctx, reader)
	dropped := h.record(t, "csr:drop.md").ChunkIDs

	// Records of another origin are never touched.
	other := newFakeReader(models.OriginGuideline)
	other.put("guideline:x", paraC)
	h.engine.RunTick(ctx, other)

	reader.remove("csr:drop.md")
	h.store.Reset()
	res := h.engine.RunTick(ctx, reader)

	assert.Equal(t, 1, res.Pruned)
	assert.Nil(t, h.record(t, "csr:drop.md"))
	assert.NotNil(t, h.record(t, "guideline:x"))
	_, deleted := h.store.Writes()
	assert.ElementsMatch(t, dropped, deleted)
	for _, id := range dropped {
		_, ok := h.store.Get(id)
		assert.False(t, ok)
	}
}

func TestRunTick_EmptyListingNeverPrunes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PruneMissing: true})
	reader := newFakeReader(models.OriginGuideline)
	reader.put("guideline:ich-e9", doc3(paraB))
	h.engine.RunTick(ctx, reader)
	chunks := h.record(t, "guideline:ich-e9").ChunkIDs
	require.NotEmpty(t, chunks)

	// The catalog answers, but lists nothing.
	reader.remove("guideline:ich-e9")
	res := h.engine.RunTick(ctx, reader)

	assert.False(t, res.Unavailable)
	assert.Zero(t, res.Listed)
	assert.Zero(t, res.Pruned)
	assert.NotNil(t, h.record(t, "guideline:ich-e9"))
	for _, id := range chunks {
		_, ok := h.store.Get(id)
		assert.True(t, ok, "chunk %s should survive an empty listing", id)
	}
}

func TestRunTick_PartialListingIngestsButNeverPrunes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PruneMissing: true})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:a.md", paraA)
	reader.put("csr:sub/b.md", paraB)
	h.engine.RunTick(ctx, reader)

	// sub/ becomes unreadable while a new report arrives at the top level.
	reader.remove("csr:sub/b.md")
	reader.put("csr:c.md", paraC)
	reader.skipped = errors.New("open sub: permission denied")
	res := h.engine.RunTick(ctx, reader)

	assert.True(t, res.Partial)
	assert.False(t, res.Unavailable)
	assert.Equal(t, 2, res.Listed)
	assert.Equal(t, 1, res.Ingested)
	assert.Zero(t, res.Pruned)
	assert.NotNil(t, h.record(t, "csr:sub/b.md"))
	assert.True(t, res.Event().Partial)

	// Once the directory is readable again the listing is authoritative.
	reader.skipped = nil
	res = h.engine.RunTick(ctx, reader)
	assert.False(t, res.Partial)
	assert.Equal(t, 1, res.Pruned)
	assert.Nil(t, h.record(t, "csr:sub/b.md"))
}

func TestRunTick_PruneDisabledKeepsRecords(t *testing.T) {
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:a.md", paraA)
	h.engine.RunTick(context.Background(), reader)

	reader.remove("csr:a.md")
	res := h.engine.RunTick(context.Background(), reader)

	assert.Zero(t, res.Pruned)
	assert.NotNil(t, h.record(t, "csr:a.md"))
}

func TestForget_RemovesPendingChunksToo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.ledger.Commit(ctx, models.ProcessedRecord{
		SourceID: "csr:a.md", Origin: models.OriginCSR, Fingerprint: "f", ChunkIDs: []string{"c1"},
	}))
	require.NoError(t, h.ledger.MarkPending(ctx, "csr:a.md", models.OriginCSR, []string{"c2"}))

	require.NoError(t, h.engine.Forget(ctx, "csr:a.md"))

	_, deleted := h.store.Writes()
	assert.ElementsMatch(t, []string{"c1", "c2"}, deleted)
	assert.Nil(t, h.record(t, "csr:a.md"))
	assert.NoError(t, h.engine.Forget(ctx, "csr:unknown"))
}

func TestForget_DeleteFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.ledger.Commit(ctx, models.ProcessedRecord{
		SourceID: "csr:a.md", Origin: models.OriginCSR, Fingerprint: "f", ChunkIDs: []string{"c1"},
	}))
	h.store.FailDelete = true

	err := h.engine.Forget(ctx, "csr:a.md")

	assert.ErrorIs(t, err, models.ErrIndexWriteFailure)
	assert.NotNil(t, h.record(t, "csr:a.md"))
}

func TestRunTick_StopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, Config{PruneMissing: true})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:a.md", paraA)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.engine.RunTick(ctx, reader)

	assert.Equal(t, 1, res.Listed)
	assert.Zero(t, res.Ingested)
	assert.Zero(t, h.store.Len())
}

func TestResult_Event(t *testing.T) {
	h := newHarness(t, Config{})
	reader := newFakeReader(models.OriginCSR)
	reader.put("csr:a.md", paraA)
	reader.put("csr:b.md", "POISON")
	reader.mu.Lock()
	delete(reader.bodies, "csr:b.md")
	reader.mu.Unlock()

	e := h.engine.RunTick(context.Background(), reader).Event()

	assert.Equal(t, models.OriginCSR, e.Origin)
	assert.Equal(t, 2, e.Listed)
	assert.Equal(t, 1, e.Ingested)
	assert.Equal(t, []string{"csr:b.md"}, e.Failures)
	assert.False(t, e.Timestamp.IsZero())
}
