package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const shutdownReason = "interrupted by shutdown"

// dispatch hands the job to the configured publisher, or starts a local
// goroutine that waits for a free slot and runs it.
func (s *Service) dispatch(ctx context.Context, id string, onProgress ProgressFunc) error {
	if s.publisher != nil {
		return s.publisher.PublishJob(ctx, id)
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.closing.Load() {
		return ErrShuttingDown
	}

	s.trackRun(id, onProgress)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			// Shutdown gave up waiting; the job stays pending for RecoverJobs.
			s.untrackRun(id)
			return
		}
		defer s.sem.Release(1)

		if s.closing.Load() {
			s.untrackRun(id)
			return
		}
		if err := s.RunJob(s.baseCtx, id); err != nil {
			slog.Error("batch job run failed", "job_id", id, "error", err)
		}
	}()
	return nil
}

func (s *Service) trackRun(id string, onProgress ProgressFunc) *runState {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	rs, ok := s.runs[id]
	if !ok {
		rs = &runState{}
		s.runs[id] = rs
	}
	if onProgress != nil {
		rs.onProgress = onProgress
	}
	return rs
}

func (s *Service) untrackRun(id string) {
	s.runsMu.Lock()
	delete(s.runs, id)
	s.runsMu.Unlock()
}

// RunJob executes a pending job to a terminal status. Prompts run strictly in
// order, one at a time. A failing prompt is recorded and the batch continues.
// A job that is no longer pending, or no longer exists, is skipped without error.
func (s *Service) RunJob(ctx context.Context, id string) (err error) {
	rs := s.trackRun(id, nil)
	defer s.untrackRun(id)

	logger := slog.With("job_id", id)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in batch runner", "error", r)
			s.fail(ctx, logger, id, fmt.Sprintf("panic: %v", r))
			err = nil
		}
	}()

	job, err := s.transition(ctx, id, models.JobStatusRunning, "")
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		logger.Info("batch job not runnable, skipping", "reason", err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("starting job: %w", err)
	}
	logger.Info("batch job started", "prompts", len(job.Prompts), "model", job.Model)

	for i, prompt := range job.Prompts {
		if stop, err := s.shouldStop(ctx, logger, id, rs); stop || err != nil {
			return err
		}

		result, interrupted := s.runItem(ctx, job, i, prompt)
		if interrupted {
			s.fail(ctx, logger, id, shutdownReason)
			return nil
		}

		updated, err := s.appendResult(ctx, id, result)
		if errors.Is(err, errJobFinalized) {
			logger.Info("batch job finalized mid-item, result discarded", "prompt_index", i)
			return nil
		}
		if err != nil {
			s.fail(ctx, logger, id, fmt.Sprintf("persisting result %d: %v", i, err))
			return fmt.Errorf("persisting result %d: %w", i, err)
		}

		level := slog.LevelDebug
		if !result.Success {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "batch item processed",
			"prompt_index", i,
			"success", result.Success,
			"duration_ms", result.DurationMs,
			"error", result.Error,
		)

		s.notify(logger, rs, updated)
	}

	done, err := s.transition(ctx, id, models.JobStatusCompleted, "")
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		s.fail(ctx, logger, id, fmt.Sprintf("completing job: %v", err))
		return fmt.Errorf("completing job: %w", err)
	}

	stats := ComputeStatistics(done)
	logger.Info("batch job completed",
		"completed", stats.Completed,
		"failed", stats.Failed,
		"total_tokens", stats.TotalTokens,
		"duration_ms", stats.TotalDurationMs,
	)
	return nil
}

// shouldStop is checked before every prompt. It reports true once the job was
// cancelled, left running in the store, or the service is shutting down.
func (s *Service) shouldStop(ctx context.Context, logger *slog.Logger, id string, rs *runState) (bool, error) {
	if rs.cancelled.Load() {
		logger.Info("batch job cancelled, stopping")
		return true, nil
	}
	if s.closing.Load() || ctx.Err() != nil {
		s.fail(ctx, logger, id, shutdownReason)
		return true, nil
	}

	// TODO: jobLocks only serialize this process; a compare-and-swap on
	// updated_at in PutJob would stop a cross-process cancel racing the append.
	current, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		s.fail(ctx, logger, id, fmt.Sprintf("reading job: %v", err))
		return true, fmt.Errorf("reading job: %w", err)
	}
	if current.Status != models.JobStatusRunning {
		logger.Info("batch job left running, stopping", "status", current.Status)
		return true, nil
	}
	return false, nil
}

// runItem calls the generator for one prompt. interrupted is true when ctx
// itself ended; the item is then not recorded.
func (s *Service) runItem(ctx context.Context, job *models.BatchJob, i int, prompt string) (result models.BatchJobResult, interrupted bool) {
	genCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	start := time.Now()
	out, err := s.generator.Generate(genCtx, models.GenerationRequest{
		Prompt: prompt,
		Model:  job.Model,
		Config: job.Config,
	})

	result = models.BatchJobResult{
		PromptIndex: i,
		Prompt:      prompt,
		DurationMs:  time.Since(start).Milliseconds(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return result, true
		}
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ai.ErrInferenceTimeout) {
			err = fmt.Errorf("%w: %v", ai.ErrInferenceTimeout, err)
		}
		result.Error = err.Error()
		if result.Error == "" {
			result.Error = "generation failed"
		}
		return result, false
	}

	result.Success = true
	result.Response = out.Content
	result.Tokens = max(out.Tokens, 0)
	return result, false
}

// appendResult records one item and recomputes progress. A job cancelled while
// the item was in flight still takes it, since the cancel is only observed
// between prompts. Results for a completed or failed job are refused with
// errJobFinalized.
func (s *Service) appendResult(ctx context.Context, id string, result models.BatchJobResult) (*models.BatchJob, error) {
	return s.mutate(ctx, id, func(job *models.BatchJob) error {
		if job.Status != models.JobStatusRunning && job.Status != models.JobStatusCancelled {
			return errJobFinalized
		}
		if result.PromptIndex != len(job.Results) {
			return fmt.Errorf("result for prompt %d out of order, have %d results", result.PromptIndex, len(job.Results))
		}
		job.Results = append(job.Results, result)
		job.Progress = models.ProgressOf(len(job.Results), len(job.Prompts))
		return nil
	})
}

// notify invokes the caller's callback. The snapshot itself was already
// published by mutate. A panicking callback is logged and otherwise ignored.
func (s *Service) notify(logger *slog.Logger, rs *runState, job *models.BatchJob) {
	if rs.onProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("progress callback panicked", "error", r, "progress", job.Progress)
		}
	}()
	rs.onProgress(job.Progress)
}

// fail moves a running job to failed. It writes with a context that outlives
// ctx so shutdown can still record the outcome.
func (s *Service) fail(ctx context.Context, logger *slog.Logger, id, reason string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	job, err := s.transition(wctx, id, models.JobStatusFailed, reason)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error("failed to mark job failed", "reason", reason, "error", err)
		return
	}
	logger.Error("batch job failed", "reason", reason, "processed", len(job.Results))
}
