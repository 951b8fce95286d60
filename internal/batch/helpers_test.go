package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai/mock"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockCache struct {
	mu       sync.Mutex
	progress map[string]models.JobProgress
	setCalls int
}

func newMockCache() *mockCache {
	return &mockCache{progress: make(map[string]models.JobProgress)}
}

func (c *mockCache) Ping(context.Context) error { return nil }
func (c *mockCache) Close() error               { return nil }

func (c *mockCache) SetJobProgress(_ context.Context, p models.JobProgress, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[p.JobID] = p
	c.setCalls++
	return nil
}

func (c *mockCache) GetJobProgress(_ context.Context, jobID string) (*models.JobProgress, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[jobID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *mockCache) DeleteJobProgress(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progress, jobID)
	return nil
}

func (c *mockCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (c *mockCache) has(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.progress[jobID]
	return ok
}

var _ cache.Cache = (*mockCache)(nil)

type mockPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *mockPublisher) PublishJob(_ context.Context, jobID string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, jobID)
	return nil
}

// failingStore fails PutJob for a running job that is about to hold failAt results.
type failingStore struct {
	store.Store
	failAt int
}

func (s *failingStore) PutJob(ctx context.Context, job *models.BatchJob) error {
	if job.Status == models.JobStatusRunning && len(job.Results) == s.failAt {
		return errDiskFull
	}
	return s.Store.PutJob(ctx, job)
}

// gate blocks every Generate call until release is closed.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 100), release: make(chan struct{})}
}

func (g *gate) generator() *mock.MockGenerator {
	return &mock.MockGenerator{
		Name_: "gate",
		GenerateFunc: func(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
			g.entered <- req.Prompt
			select {
			case <-g.release:
			case <-ctx.Done():
				return models.Generation{}, ctx.Err()
			}
			return models.Generation{Content: "ok: " + req.Prompt, Tokens: 5}, nil
		},
	}
}

func (g *gate) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case p := <-g.entered:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a Generate call")
		return ""
	}
}

// --- helpers ---

func newTestService(t *testing.T, st store.Store, gen models.TextGenerator, opts Options) *Service {
	t.Helper()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "mock-v1"
	}
	svc := NewService(st, gen, newMockCache(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func putJob(t *testing.T, st store.Store, id string, status models.JobStatus, prompts ...string) *models.BatchJob {
	t.Helper()
	if len(prompts) == 0 {
		prompts = []string{"What is AI?", "Explain machine learning"}
	}
	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:        id,
		Name:      "job " + id,
		Prompts:   prompts,
		Model:     "gpt-3.5-turbo",
		Status:    status,
		Results:   []models.BatchJobResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status != models.JobStatusPending {
		job.StartedAt = &now
	}
	if status.IsTerminal() {
		job.CompletedAt = &now
	}
	require.NoError(t, st.PutJob(context.Background(), job))
	return job
}

// waitForTerminal polls the store until the job reaches a terminal status.
func waitForTerminal(t *testing.T, svc *Service, id string) *models.BatchJob {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := svc.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job %s to finish, status %s", id, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// waitForIdle polls until no run is tracked in this process.
func waitForIdle(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		svc.runsMu.Lock()
		n := len(svc.runs)
		svc.runsMu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for runs to finish, %d still tracked", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
