// Package pipeline builds the Specialist's components from configuration and
// runs the ingestion loops.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mfenderov/specialist/internal/agent"
	"github.com/mfenderov/specialist/internal/chunker"
	"github.com/mfenderov/specialist/internal/config"
	"github.com/mfenderov/specialist/internal/elasticsearch"
	"github.com/mfenderov/specialist/internal/embeddings"
	"github.com/mfenderov/specialist/internal/events"
	"github.com/mfenderov/specialist/internal/index"
	"github.com/mfenderov/specialist/internal/ingestion"
	"github.com/mfenderov/specialist/internal/ledger"
	"github.com/mfenderov/specialist/internal/llm"
	"github.com/mfenderov/specialist/internal/scheduler"
	"github.com/mfenderov/specialist/internal/scraper"
	"github.com/mfenderov/specialist/internal/source"
	"github.com/mfenderov/specialist/internal/storage"
	"github.com/mfenderov/specialist/pkg/models"
)

// Pipeline owns the ledger, the vector store, the readers and the agent.
type Pipeline struct {
	config   config.Config
	ledger   ledger.Store
	store    index.Store
	esClient *elasticsearch.Client // nil with the memory backend
	indexer  *index.Indexer
	engine   *ingestion.Engine
	status   *events.Status
	readers  map[models.Origin]source.Reader
	csr      *source.CSRReader // nil when the upload loop is disabled

	generator *lazyGenerator
	agent     *agent.Service
}

// New creates a Pipeline. The completion model is only contacted when the
// first question is asked, so ingestion works without one.
func New(ctx context.Context, cfg config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	embedder, err := newEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings client: %w", err)
	}

	p := &Pipeline{
		config:  cfg,
		status:  events.NewStatus(),
		readers: make(map[models.Origin]source.Reader),
		generator: &lazyGenerator{newGenerator: func(ctx context.Context) (llm.Generator, error) {
			return newGenerator(ctx, cfg.LLM)
		}},
	}

	switch cfg.VectorStore.Backend {
	case "memory":
		p.store = index.NewMemoryStore()
		slog.Warn("using in-memory vector store, the index is lost on exit")
	default:
		dims := cfg.Embeddings.Dimensions
		if dims == 0 {
			dims = embeddings.Dimensions(cfg.Embeddings.Model)
		}
		p.esClient, err = elasticsearch.New(elasticsearch.Config{
			Addresses:  cfg.Elasticsearch.Addresses,
			Index:      cfg.Elasticsearch.Index,
			Username:   cfg.Elasticsearch.Username,
			Password:   cfg.Elasticsearch.Password,
			Dimensions: dims,
		})
		if err != nil {
			return nil, err
		}
		p.store = p.esClient
	}

	p.ledger, err = ledger.OpenSQLite(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	p.indexer = index.New(p.store, embedder, index.Config{
		BatchSize:         cfg.Embeddings.BatchSize,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
	})
	ch := chunker.New(chunker.Config{
		MaxTokens:     cfg.Chunker.MaxTokens,
		OverlapTokens: cfg.Chunker.OverlapTokens,
		MaxChunks:     cfg.Chunker.MaxChunks,
	})
	p.engine = ingestion.New(p.ledger, ch, p.indexer, ingestion.Config{
		PruneMissing: cfg.Ingestion.PruneMissing,
	})
	p.agent = agent.New(p.indexer, p.generator, agent.Config{
		TokenBudget: cfg.Retrieval.TokenBudget,
		Candidates:  cfg.Retrieval.Candidates,
		ModuleBoost: cfg.Retrieval.ModuleBoost,
		Timeout:     cfg.Retrieval.Timeout,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	if err := p.buildReaders(ctx); err != nil {
		p.ledger.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) buildReaders(ctx context.Context) error {
	cfg := p.config

	if cfg.Guidelines.Enabled {
		module, err := models.ParseModule(cfg.Guidelines.DefaultModule)
		if err != nil {
			return fmt.Errorf("guidelines.default_module: %w", err)
		}
		sc := scraper.New(scraper.Config{
			UserAgent:        cfg.Guidelines.UserAgent,
			Timeout:          cfg.Guidelines.Timeout,
			TryMarkdownFirst: cfg.Guidelines.TryMarkdownFirst,
			LinkSelector:     cfg.Guidelines.LinkSelector,
		})

		// A nil *storage.Client must not become a non-nil Cache.
		var cache source.Cache
		if cfg.Storage.Enabled {
			client, err := storage.New(storage.Config{
				Endpoint:        cfg.Storage.Endpoint,
				Bucket:          cfg.Storage.Bucket,
				AccessKeyID:     cfg.Storage.AccessKeyID,
				SecretAccessKey: cfg.Storage.SecretAccessKey,
				UseSSL:          cfg.Storage.UseSSL,
				Prefix:          cfg.Storage.Prefix,
			})
			if err != nil {
				return fmt.Errorf("failed to create storage client: %w", err)
			}
			if err := client.EnsureBucket(ctx); err != nil {
				slog.Warn("guideline cache unavailable, fetching directly", "bucket", cfg.Storage.Bucket, "error", err)
			} else {
				cache = client
			}
		}

		p.readers[models.OriginGuideline] = source.NewGuidelineReader(source.GuidelineConfig{
			CatalogURL:    cfg.Guidelines.CatalogURL,
			Format:        cfg.Guidelines.Format,
			DefaultModule: module,
		}, sc, cache)
	}

	if cfg.CSR.Enabled {
		module, err := models.ParseModule(cfg.CSR.Module)
		if err != nil {
			return fmt.Errorf("csr.module: %w", err)
		}
		p.csr = source.NewCSRReader(source.CSRConfig{
			Dir:        cfg.CSR.Dir,
			Extensions: cfg.CSR.Extensions,
			Module:     module,
		})
		p.readers[models.OriginCSR] = p.csr
	}
	return nil
}

func newEmbedder(ctx context.Context, cfg config.Embeddings) (index.Embedder, error) {
	if cfg.Provider == "genai" {
		return embeddings.NewGenAI(ctx, embeddings.GenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	}
	return embeddings.New(embeddings.Config{
		SocketPath: cfg.SocketPath,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
	})
}

func newGenerator(ctx context.Context, cfg config.LLM) (llm.Generator, error) {
	if cfg.Provider == "genai" {
		return llm.NewGenAI(ctx, llm.GenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model})
	}
	return llm.New(llm.Config{
		SocketPath: cfg.SocketPath,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
	})
}

// EnsureIndex creates the vector index if the backend needs one.
func (p *Pipeline) EnsureIndex(ctx context.Context) error {
	if p.esClient == nil {
		return nil
	}
	return p.esClient.CreateIndex(ctx)
}

// Agent returns the Specialist. Retrieval works without a completion model;
// the completion client is created on the first question, and creation is
// retried on later questions when it fails.
func (p *Pipeline) Agent() *agent.Service {
	return p.agent
}

// Origins returns the enabled origins.
func (p *Pipeline) Origins() []models.Origin {
	var out []models.Origin
	for _, o := range []models.Origin{models.OriginGuideline, models.OriginCSR} {
		if _, ok := p.readers[o]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Ingest runs one tick for origin.
func (p *Pipeline) Ingest(ctx context.Context, origin models.Origin) (*ingestion.Result, error) {
	reader, ok := p.readers[origin]
	if !ok {
		return nil, fmt.Errorf("origin %q is not enabled", origin)
	}

	result := p.engine.RunTick(ctx, reader)
	p.status.Record(result.Event())

	if p.esClient != nil && result.Ingested+result.Pruned > 0 {
		if err := p.esClient.Refresh(ctx); err != nil {
			slog.Warn("failed to refresh index", "error", err)
		}
	}
	return result, nil
}

// Forget removes a source's chunks and ledger record.
func (p *Pipeline) Forget(ctx context.Context, sourceID string) error {
	return p.engine.Forget(ctx, sourceID)
}

// Loops returns one scheduler loop per enabled origin.
func (p *Pipeline) Loops() []*scheduler.Loop {
	var loops []*scheduler.Loop
	if _, ok := p.readers[models.OriginGuideline]; ok {
		loops = append(loops, scheduler.NewLoop("guidelines", p.config.Guidelines.Interval, p.tick(models.OriginGuideline)))
	}
	if _, ok := p.readers[models.OriginCSR]; ok {
		loops = append(loops, scheduler.NewLoop("csr", p.config.CSR.Interval, p.tick(models.OriginCSR)))
	}
	return loops
}

func (p *Pipeline) tick(origin models.Origin) scheduler.TickFunc {
	return func(ctx context.Context) {
		if _, err := p.Ingest(ctx, origin); err != nil {
			slog.Error("ingestion tick failed", "origin", origin, "error", err)
		}
	}
}

// Run runs the ingestion loops, and the upload watcher when enabled, until
// ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.EnsureIndex(ctx); err != nil {
		// Ticks will fail and retry; retrieval may still work against an existing index.
		slog.Error("failed to ensure vector index", "error", err)
	}

	loops := p.Loops()
	if len(loops) == 0 {
		slog.Warn("no ingestion origin enabled")
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.New(loops...).Run(ctx)
	})

	if p.csr != nil && p.config.CSR.Watch {
		var csrLoop *scheduler.Loop
		for _, l := range loops {
			if l.Name == "csr" {
				csrLoop = l
			}
		}
		w, err := source.NewWatcher(p.csr.Dir(), p.config.CSR.Debounce, csrLoop.Trigger)
		if err != nil {
			slog.Warn("upload watcher disabled, relying on the poll interval", "dir", p.csr.Dir(), "error", err)
		} else {
			g.Go(func() error {
				return w.Run(ctx)
			})
		}
	}

	return g.Wait()
}

// Ledger returns the processed ledger.
func (p *Pipeline) Ledger() ledger.Store {
	return p.ledger
}

// Indexer returns the indexer.
func (p *Pipeline) Indexer() *index.Indexer {
	return p.indexer
}

// Status returns the ingestion status board.
func (p *Pipeline) Status() *events.Status {
	return p.status
}

// Close releases the ledger.
func (p *Pipeline) Close() error {
	return p.ledger.Close()
}
