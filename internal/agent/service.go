// Package agent answers questions from the indexed knowledge: retrieve,
// assemble a bounded context, complete, and parse the answer and tasks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mfenderov/specialist/internal/llm"
	"github.com/mfenderov/specialist/pkg/models"
)

// State is a step of one request.
type State string

const (
	StateReceived         State = "received"
	StateRetrieving       State = "retrieving"
	StateContextAssembled State = "context_assembled"
	StateCompleting       State = "completing"
	StateResponded        State = "responded"
	StateFailed           State = "failed"
)

const (
	DefaultTokenBudget = 3000
	DefaultCandidates  = 20
	DefaultModuleBoost = 0.1
	DefaultTimeout     = 60 * time.Second
	DefaultMaxTokens   = 1024
)

// Searcher finds the chunks nearest to a question.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]models.ScoredChunk, error)
}

// Config holds retrieval and completion settings. Zero values fall back to defaults.
type Config struct {
	TokenBudget int
	Candidates  int
	// ModuleBoost is added to the similarity score of chunks whose module
	// matches the question's module.
	ModuleBoost float64
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Service is the Specialist. It is safe for concurrent use.
type Service struct {
	searcher  Searcher
	generator llm.Generator
	config    Config

	// trace observes state transitions; tests use it.
	trace func(requestID string, s State)
}

// New creates a Service.
func New(searcher Searcher, generator llm.Generator, config Config) *Service {
	if config.TokenBudget <= 0 {
		config.TokenBudget = DefaultTokenBudget
	}
	if config.Candidates <= 0 {
		config.Candidates = DefaultCandidates
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	return &Service{searcher: searcher, generator: generator, config: config}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.config
}

// request carries one question through the state machine.
type request struct {
	id    string
	state State
	log   *slog.Logger
	trace func(string, State)
	start time.Time
}

func (s *Service) newRequest(q models.QueryContext) *request {
	r := &request{
		id:    uuid.NewString(),
		trace: s.trace,
		start: time.Now(),
	}
	r.log = slog.With("request_id", r.id, "module", q.Module)
	r.enter(StateReceived)
	return r
}

func (r *request) enter(s State) {
	r.state = s
	r.log.Debug("request state", "state", s, "elapsed", time.Since(r.start))
	if r.trace != nil {
		r.trace(r.id, s)
	}
}

// fail moves the request to FAILED and classifies err. A done context
// always reports as a timeout.
func (r *request) fail(ctx context.Context, kind models.ErrorKind, op string, err error) error {
	from := r.state
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind = models.KindTimeout
		err = fmt.Errorf("%w (after %s)", ctxErr, time.Since(r.start).Round(time.Millisecond))
	}
	r.enter(StateFailed)
	r.log.Warn("request failed", "from", from, "kind", kind, "error", err)
	return models.NewError(kind, op, err)
}

// Validate normalizes q, defaulting an empty module to general.
func Validate(q models.QueryContext) (models.QueryContext, error) {
	q.Question = strings.TrimSpace(q.Question)
	if q.Question == "" {
		return q, models.NewError(models.KindInvalidRequest, "validate", errors.New("question is required"))
	}
	m, err := models.ParseModule(string(q.Module))
	if err != nil {
		return q, models.NewError(models.KindInvalidRequest, "validate", err)
	}
	q.Module = m
	return q, nil
}

// Ask answers q. Upstream failures return a typed *models.Error and never a
// partial response.
func (s *Service) Ask(ctx context.Context, q models.QueryContext) (*models.AgentResponse, error) {
	q, err := Validate(q)
	if err != nil {
		return nil, err
	}
	r := s.newRequest(q)

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	retrieved, err := s.retrieve(ctx, r, q)
	if err != nil {
		return nil, err
	}

	r.enter(StateCompleting)
	system, prompt := BuildPrompt(q, retrieved)
	text, err := s.generator.Generate(ctx, llm.Request{
		System:      system,
		Prompt:      prompt,
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	})
	if err != nil {
		return nil, r.fail(ctx, models.KindCompletionFailure, "complete", err)
	}

	parsed, err := ParseCompletion(text, q.Module)
	if err != nil {
		return nil, r.fail(ctx, models.KindCompletionFailure, "parse completion", err)
	}
	if parsed.TaskErr != nil {
		r.log.Warn("task block unusable, answering without tasks", "kind", models.KindMalformedTaskOutput, "error", parsed.TaskErr)
	}

	r.enter(StateResponded)
	r.log.Info("question answered",
		"chunks", len(retrieved.Chunks),
		"context_tokens", retrieved.TotalTokens,
		"tasks", len(parsed.Tasks),
		"duration", time.Since(r.start))
	return &models.AgentResponse{Answer: parsed.Answer, Tasks: parsed.Tasks}, nil
}

// Retrieve runs retrieval and context assembly only.
func (s *Service) Retrieve(ctx context.Context, q models.QueryContext) (*models.RetrievalResult, error) {
	q, err := Validate(q)
	if err != nil {
		return nil, err
	}
	r := s.newRequest(q)

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	result, err := s.retrieve(ctx, r, q)
	if err != nil {
		return nil, err
	}
	r.enter(StateResponded)
	return &result, nil
}

func (s *Service) retrieve(ctx context.Context, r *request, q models.QueryContext) (models.RetrievalResult, error) {
	r.enter(StateRetrieving)
	hits, err := s.searcher.Search(ctx, q.Question, s.config.Candidates)
	if err != nil {
		return models.RetrievalResult{}, r.fail(ctx, models.KindRetrievalFailure, "retrieve", err)
	}

	result := Assemble(Rank(hits, q.Module, s.config.ModuleBoost), s.config.TokenBudget)
	r.enter(StateContextAssembled)
	r.log.Debug("context assembled",
		"hits", len(hits),
		"kept", len(result.Chunks),
		"dropped", result.Dropped,
		"tokens", result.TotalTokens,
		"budget", result.Budget)
	return result, nil
}
