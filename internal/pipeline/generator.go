package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/mfenderov/specialist/internal/llm"
)

// lazyGenerator creates the completion client on first use. A failed creation
// is not remembered, so a model that comes up later is picked up.
type lazyGenerator struct {
	newGenerator func(ctx context.Context) (llm.Generator, error)

	mu  sync.Mutex
	gen llm.Generator
}

func (l *lazyGenerator) get(ctx context.Context) (llm.Generator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != nil {
		return l.gen, nil
	}
	gen, err := l.newGenerator(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	l.gen = gen
	return gen, nil
}

// Generate implements llm.Generator.
func (l *lazyGenerator) Generate(ctx context.Context, r llm.Request) (string, error) {
	gen, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	return gen.Generate(ctx, r)
}
