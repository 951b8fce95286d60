// Package batch runs named batches of prompts against a text generator and
// owns the job lifecycle: create, run, cancel, delete, import and statistics.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

// ProgressFunc receives the job's completion percentage after each prompt.
type ProgressFunc func(progress float64)

// Publisher hands a job to an out-of-process worker. When a Service has no
// Publisher, jobs run on local goroutines.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Notifier receives every persisted progress snapshot, in store order per job.
type Notifier interface {
	Publish(ctx context.Context, p models.JobProgress) error
}

// CreateJobParams holds the caller-supplied fields of a new job.
type CreateJobParams struct {
	Name    string
	Prompts []string
	Model   string
	Config  models.GenerationConfig
}

// Options tune a Service. Zero values fall back to defaults.
type Options struct {
	// ItemTimeout bounds each Generate call.
	ItemTimeout time.Duration
	// DefaultModel is recorded on jobs created without a model.
	DefaultModel string
	// ProgressTTL is how long progress snapshots live in the cache.
	ProgressTTL time.Duration
	// MaxConcurrentJobs caps jobs running at once under local dispatch.
	MaxConcurrentJobs int
	// Publisher switches dispatch to an external queue.
	Publisher Publisher
	// Notifier, if set, streams snapshots to live subscribers.
	Notifier Notifier
}

const (
	defaultItemTimeout = 60 * time.Second
	defaultProgressTTL = 24 * time.Hour
	defaultMaxJobs     = 4
)

// Service is the job lifecycle API and the batch runner.
type Service struct {
	store        store.Store
	generator    models.TextGenerator
	cache        cache.Cache
	publisher    Publisher
	notifier     Notifier
	itemTimeout  time.Duration
	defaultModel string
	progressTTL  time.Duration

	jobLocks *keyedMutex
	sem      *semaphore.Weighted

	runsMu sync.Mutex
	runs   map[string]*runState

	dispatchMu sync.Mutex
	closing    atomic.Bool
	wg         sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// runState is the process-local handle of a job that is queued or running here.
type runState struct {
	cancelled  atomic.Bool
	onProgress ProgressFunc
}

// NewService creates a Service. ca may be cache.NoopCache{} when no Redis is configured.
func NewService(st store.Store, gen models.TextGenerator, ca cache.Cache, opts Options) *Service {
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = defaultItemTimeout
	}
	if opts.ProgressTTL <= 0 {
		opts.ProgressTTL = defaultProgressTTL
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = defaultMaxJobs
	}
	if ca == nil {
		ca = cache.NoopCache{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        st,
		generator:    gen,
		cache:        ca,
		publisher:    opts.Publisher,
		notifier:     opts.Notifier,
		itemTimeout:  opts.ItemTimeout,
		defaultModel: opts.DefaultModel,
		progressTTL:  opts.ProgressTTL,
		jobLocks:     newKeyedMutex(),
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		runs:         make(map[string]*runState),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// CreateBatchJob validates p, persists a pending job and dispatches it. It
// returns without waiting for the job to run. onProgress may be nil; it is
// only honoured under local dispatch.
func (s *Service) CreateBatchJob(ctx context.Context, p CreateJobParams, onProgress ProgressFunc) (*models.BatchJob, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}

	model := p.Model
	if model == "" {
		model = s.defaultModel
	}

	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:        ulid.Make().String(),
		Name:      p.Name,
		Prompts:   append([]string(nil), p.Prompts...),
		Model:     model,
		Config:    p.Config,
		Status:    models.JobStatusPending,
		Results:   []models.BatchJobResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.publishProgress(ctx, job)

	if err := s.dispatch(ctx, job.ID, onProgress); err != nil {
		// Never leave a job behind that nothing will pick up.
		if _, delErr := s.store.DeleteJob(context.WithoutCancel(ctx), job.ID); delErr != nil {
			slog.Error("failed to remove undispatched job", "job_id", job.ID, "error", delErr)
		}
		_ = s.cache.DeleteJobProgress(context.WithoutCancel(ctx), job.ID)
		return nil, fmt.Errorf("dispatching job: %w", err)
	}

	slog.Info("batch job created",
		"job_id", job.ID,
		"prompts", len(job.Prompts),
		"model", job.Model,
	)
	return job, nil
}

func validateParams(p CreateJobParams) error {
	if len(p.Prompts) == 0 {
		return &ValidationError{Field: "prompts", Err: ErrEmptyPrompts}
	}
	c := p.Config
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return &ValidationError{Field: "config.temperature", Err: fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidConfig)}
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return &ValidationError{Field: "config.top_p", Err: fmt.Errorf("%w: top_p must be in (0, 1]", ErrInvalidConfig)}
	}
	if c.MaxTokens < 0 {
		return &ValidationError{Field: "config.max_tokens", Err: fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidConfig)}
	}
	return nil
}

// GetJob returns store.ErrNotFound for an unknown id.
func (s *Service) GetJob(ctx context.Context, id string) (*models.BatchJob, error) {
	return s.store.GetJob(ctx, id)
}

// GetAllJobs returns every job, newest first.
func (s *Service) GetAllJobs(ctx context.Context) ([]*models.BatchJob, error) {
	return s.store.ListJobs(ctx)
}

// allowed lists the legal status transitions.
var allowed = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusCancelled},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

func canTransition(from, to models.JobStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateJobStatus moves a job to status. startedAt is stamped on the move to
// running and completedAt on the move to a terminal status, each at most once.
// Illegal moves return ErrInvalidTransition.
func (s *Service) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) (*models.BatchJob, error) {
	return s.transition(ctx, id, status, "")
}

func (s *Service) transition(ctx context.Context, id string, to models.JobStatus, errMsg string) (*models.BatchJob, error) {
	return s.mutate(ctx, id, func(job *models.BatchJob) error {
		if !canTransition(job.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
		}
		now := time.Now().UTC()
		job.Status = to
		if to == models.JobStatusRunning && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if to.IsTerminal() && job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		if to == models.JobStatusFailed {
			job.Error = errMsg
		}
		return nil
	})
}

// CancelJob moves a pending or running job to cancelled. It returns false for
// a job that is already terminal. A running job stops before its next prompt;
// the prompt in flight when the cancel lands is still recorded.
func (s *Service) CancelJob(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	job, err := s.mutate(ctx, id, func(job *models.BatchJob) error {
		if job.Status.IsTerminal() {
			return errUnchanged
		}
		now := time.Now().UTC()
		job.Status = models.JobStatusCancelled
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}

	s.runsMu.Lock()
	if rs, ok := s.runs[id]; ok {
		rs.cancelled.Store(true)
	}
	s.runsMu.Unlock()

	slog.Info("batch job cancelled", "job_id", id, "processed", len(job.Results))
	return true, nil
}

// DeleteJob removes a job that is not running. It returns false when the job
// does not exist and store.ErrJobRunning when it is running.
func (s *Service) DeleteJob(ctx context.Context, id string) (bool, error) {
	unlock := s.jobLocks.Lock(id)
	defer unlock()

	ok, err := s.store.DeleteJob(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		_ = s.cache.DeleteJobProgress(ctx, id)
		slog.Info("batch job deleted", "job_id", id)
	}
	return ok, nil
}

// GetJobStatistics computes statistics for the job's current results.
func (s *Service) GetJobStatistics(ctx context.Context, id string) (*models.JobStatistics, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := ComputeStatistics(job)
	return &stats, nil
}

// GetJobProgress reads the cached progress snapshot, falling back to the store.
func (s *Service) GetJobProgress(ctx context.Context, id string) (*models.JobProgress, error) {
	if p, found, err := s.cache.GetJobProgress(ctx, id); err == nil && found {
		return p, nil
	} else if err != nil {
		slog.Warn("progress cache read failed", "job_id", id, "error", err)
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	p := job.ProgressSnapshot()
	return &p, nil
}

// ImportJob stores a previously exported terminal job under its original id.
func (s *Service) ImportJob(ctx context.Context, job *models.BatchJob) (*models.BatchJob, error) {
	if err := job.Validate(); err != nil {
		return nil, &ValidationError{Field: "job", Err: err}
	}
	if !job.Status.IsTerminal() {
		return nil, &ValidationError{Field: "status", Err: ErrJobNotTerminal}
	}

	unlock := s.jobLocks.Lock(job.ID)
	defer unlock()

	_, err := s.store.GetJob(ctx, job.ID)
	if err == nil {
		return nil, ErrJobExists
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("importing job: %w", err)
	}

	imported := job.Clone()
	if imported.Results == nil {
		imported.Results = []models.BatchJobResult{}
	}
	imported.UpdatedAt = time.Now().UTC()
	if err := s.store.PutJob(ctx, imported); err != nil {
		return nil, fmt.Errorf("importing job: %w", err)
	}

	slog.Info("batch job imported", "job_id", imported.ID, "status", imported.Status)
	return imported, nil
}

// RecoverJobs is called once at startup under local dispatch. Jobs left running
// by a previous process are marked failed; pending jobs are dispatched again.
func (s *Service) RecoverJobs(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	var failed, requeued int
	// Oldest first so requeued jobs keep their submission order.
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		switch job.Status {
		case models.JobStatusRunning:
			if _, err := s.transition(ctx, job.ID, models.JobStatusFailed, "interrupted: process restarted"); err != nil && !errors.Is(err, ErrInvalidTransition) {
				return fmt.Errorf("failing interrupted job %s: %w", job.ID, err)
			}
			failed++
		case models.JobStatusPending:
			if err := s.dispatch(ctx, job.ID, nil); err != nil {
				return fmt.Errorf("requeueing job %s: %w", job.ID, err)
			}
			requeued++
		}
	}

	if failed > 0 || requeued > 0 {
		slog.Info("recovered batch jobs", "failed", failed, "requeued", requeued)
	}
	return nil
}

// Shutdown stops accepting jobs and waits for local runs to finish. Running
// jobs stop before their next prompt and are marked failed. If ctx expires
// first, in-flight generation calls are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.dispatchMu.Lock()
	s.closing.Store(true)
	s.dispatchMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// mutate applies fn to the current record under the job's lock, persists the
// result and publishes its progress snapshot before releasing the lock, so
// snapshots reach the cache in the same order as the writes reach the store.
// fn returning errUnchanged skips the write.
func (s *Service) mutate(ctx context.Context, id string, fn func(job *models.BatchJob) error) (*models.BatchJob, error) {
	unlock := s.jobLocks.Lock(id)
	defer unlock()

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		if errors.Is(err, errUnchanged) {
			return job, nil
		}
		return nil, err
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	s.publishProgress(ctx, job)
	return job, nil
}

// publishProgress is best effort: a cache or notifier failure never fails a job.
func (s *Service) publishProgress(ctx context.Context, job *models.BatchJob) {
	p := job.ProgressSnapshot()
	_ = s.cache.SetJobProgress(ctx, p, s.progressTTL)
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, p); err != nil {
			slog.Debug("progress notify failed", "job_id", p.JobID, "error", err)
		}
	}
}
