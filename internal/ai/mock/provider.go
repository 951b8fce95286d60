package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// DefaultTokens is the token count reported by the canned generators.
const DefaultTokens = 50

// MockGenerator satisfies models.TextGenerator for tests and local development.
// It records every request it receives.
type MockGenerator struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.GenerationRequest) (models.Generation, error)

	mu    sync.Mutex
	calls []models.GenerationRequest
}

func (m *MockGenerator) Name() string { return m.Name_ }

func (m *MockGenerator) Generate(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return models.Generation{}, nil
}

// Calls returns a copy of the requests received so far, in call order.
func (m *MockGenerator) Calls() []models.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.GenerationRequest(nil), m.calls...)
}

// NewMockGenerator returns a generator that answers immediately with canned text
// and DefaultTokens tokens.
func NewMockGenerator() *MockGenerator {
	return NewSlowGenerator(0)
}

// NewSlowGenerator returns a canned generator that takes delay per call. It
// returns early with ai.ErrInferenceTimeout if ctx ends first.
func NewSlowGenerator(delay time.Duration) *MockGenerator {
	return &MockGenerator{
		Name_: "mock",
		GenerateFunc: func(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-ctx.Done():
					return models.Generation{}, ai.ErrInferenceTimeout
				case <-t.C:
				}
			}
			return models.Generation{
				Content: "Mock response to: " + req.Prompt,
				Tokens:  DefaultTokens,
			}, nil
		},
	}
}

// NewFailingGenerator returns a generator that always returns err.
func NewFailingGenerator(err error) *MockGenerator {
	return &MockGenerator{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ models.GenerationRequest) (models.Generation, error) {
			return models.Generation{}, err
		},
	}
}

// NewFailOnPrompts returns a canned generator that returns err for the listed
// prompt texts and succeeds for everything else.
func NewFailOnPrompts(err error, prompts ...string) *MockGenerator {
	failing := make(map[string]bool, len(prompts))
	for _, p := range prompts {
		failing[p] = true
	}
	ok := NewMockGenerator()
	return &MockGenerator{
		Name_: "mock-partial",
		GenerateFunc: func(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
			if failing[req.Prompt] {
				return models.Generation{}, err
			}
			return ok.GenerateFunc(ctx, req)
		},
	}
}

// NewFailOnIndexes returns a canned generator that returns err on the listed
// zero-based calls. A job runs its prompts one at a time, so call i is prompt
// index i even when prompt texts repeat. Use one generator per job.
func NewFailOnIndexes(err error, indexes ...int) *MockGenerator {
	failing := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		failing[i] = true
	}
	ok := NewMockGenerator()
	var (
		mu    sync.Mutex
		calls int
	)
	return &MockGenerator{
		Name_: "mock-partial",
		GenerateFunc: func(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
			mu.Lock()
			n := calls
			calls++
			mu.Unlock()
			if failing[n] {
				return models.Generation{}, err
			}
			return ok.GenerateFunc(ctx, req)
		},
	}
}

// NewTimeoutGenerator returns a generator that blocks until ctx is cancelled.
func NewTimeoutGenerator() *MockGenerator {
	return &MockGenerator{
		Name_: "mock-timeout",
		GenerateFunc: func(ctx context.Context, _ models.GenerationRequest) (models.Generation, error) {
			<-ctx.Done()
			return models.Generation{}, ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockGenerator implements TextGenerator.
var _ models.TextGenerator = (*MockGenerator)(nil)
