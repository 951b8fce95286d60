package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai/mock"
	"github.com/kiranshivaraju/promptbatch/internal/events"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- CreateBatchJob tests ---

func TestCreateBatchJob_RejectsEmptyPrompts(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})

	for _, prompts := range [][]string{nil, {}} {
		job, err := svc.CreateBatchJob(context.Background(), CreateJobParams{
			Name:    "empty",
			Prompts: prompts,
			Model:   "gpt-3.5-turbo",
		}, nil)
		require.Error(t, err)
		assert.Nil(t, job)
		assert.ErrorIs(t, err, ErrEmptyPrompts)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "prompts", verr.Field)
	}

	jobs, err := st.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing is persisted for an invalid request")
}

func TestCreateBatchJob_RejectsInvalidConfig(t *testing.T) {
	hot, negTopP := 2.5, 0.0
	tests := []struct {
		name  string
		cfg   models.GenerationConfig
		field string
	}{
		{"temperature too high", models.GenerationConfig{Temperature: &hot}, "config.temperature"},
		{"top_p zero", models.GenerationConfig{TopP: &negTopP}, "config.top_p"},
		{"negative max tokens", models.GenerationConfig{MaxTokens: -1}, "config.max_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, store.NewMemoryStore(), mock.NewMockGenerator(), Options{})
			_, err := svc.CreateBatchJob(context.Background(), CreateJobParams{Prompts: []string{"x"}, Config: tt.cfg}, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateBatchJob_DefaultsModelAndCopiesPrompts(t *testing.T) {
	gen := mock.NewMockGenerator()
	svc := newTestService(t, store.NewMemoryStore(), gen, Options{DefaultModel: "llama3"})

	prompts := []string{"a", "b"}
	job, err := svc.CreateBatchJob(context.Background(), CreateJobParams{Name: "defaults", Prompts: prompts}, nil)
	require.NoError(t, err)
	prompts[0] = "mutated by caller"

	assert.Equal(t, "llama3", job.Model)
	done := waitForTerminal(t, svc, job.ID)
	assert.Equal(t, []string{"a", "b"}, done.Prompts)
	assert.Equal(t, "llama3", gen.Calls()[0].Model)
}

func TestCreateBatchJob_PublishesWhenQueueConfigured(t *testing.T) {
	st := store.NewMemoryStore()
	gen := mock.NewMockGenerator()
	pub := &mockPublisher{}
	svc := newTestService(t, st, gen, Options{Publisher: pub})

	job, err := svc.CreateBatchJob(context.Background(), CreateJobParams{Prompts: []string{"a"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{job.ID}, pub.published)
	time.Sleep(20 * time.Millisecond)
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status, "the worker runs it, not this process")
	assert.Empty(t, gen.Calls())
}

func TestCreateBatchJob_PublishFailureLeavesNoJob(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &mockPublisher{err: errors.New("channel closed")}
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{Publisher: pub})

	job, err := svc.CreateBatchJob(context.Background(), CreateJobParams{Prompts: []string{"a"}}, nil)
	require.Error(t, err)
	assert.Nil(t, job)
	assert.Contains(t, err.Error(), "channel closed")

	jobs, err := st.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// --- UpdateJobStatus tests ---

func TestUpdateJobStatus_Transitions(t *testing.T) {
	tests := []struct {
		from    models.JobStatus
		to      models.JobStatus
		allowed bool
	}{
		{models.JobStatusPending, models.JobStatusRunning, true},
		{models.JobStatusPending, models.JobStatusCancelled, true},
		{models.JobStatusPending, models.JobStatusCompleted, false},
		{models.JobStatusPending, models.JobStatusFailed, false},
		{models.JobStatusRunning, models.JobStatusCompleted, true},
		{models.JobStatusRunning, models.JobStatusFailed, true},
		{models.JobStatusRunning, models.JobStatusCancelled, true},
		{models.JobStatusRunning, models.JobStatusPending, false},
		{models.JobStatusRunning, models.JobStatusRunning, false},
		{models.JobStatusCompleted, models.JobStatusRunning, false},
		{models.JobStatusFailed, models.JobStatusCompleted, false},
		{models.JobStatusCancelled, models.JobStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			st := store.NewMemoryStore()
			svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
			putJob(t, st, "j", tt.from)

			job, err := svc.UpdateJobStatus(context.Background(), "j", tt.to)
			if !tt.allowed {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				got, _ := st.GetJob(context.Background(), "j")
				assert.Equal(t, tt.from, got.Status, "record left unchanged")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, job.Status)
		})
	}
}

func TestUpdateJobStatus_StampsTimestampsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
	putJob(t, st, "j", models.JobStatusPending)

	running, err := svc.UpdateJobStatus(context.Background(), "j", models.JobStatusRunning)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)
	startedAt := *running.StartedAt

	time.Sleep(2 * time.Millisecond)
	done, err := svc.UpdateJobStatus(context.Background(), "j", models.JobStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, startedAt.Equal(*done.StartedAt), "started_at is not rewritten")
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))
	assert.Empty(t, done.Error)
}

func TestUpdateJobStatus_NotFound(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), mock.NewMockGenerator(), Options{})
	_, err := svc.UpdateJobStatus(context.Background(), "missing", models.JobStatusRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- CancelJob / DeleteJob tests ---

func TestCancelJob_NotFound(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), mock.NewMockGenerator(), Options{})
	ok, err := svc.CancelJob(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, ok)
}

func TestCancelJob_TerminalJobsAreNoOps(t *testing.T) {
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			st := store.NewMemoryStore()
			svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
			before := putJob(t, st, "j", status)

			ok, err := svc.CancelJob(context.Background(), "j")
			require.NoError(t, err)
			assert.False(t, ok)

			got, _ := st.GetJob(context.Background(), "j")
			assert.Equal(t, status, got.Status)
			assert.True(t, before.UpdatedAt.Equal(got.UpdatedAt), "no write for a no-op cancel")
		})
	}
}

func TestDeleteJob_GuardsRunningJobs(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
	ca := svc.cache.(*mockCache)
	putJob(t, st, "busy", models.JobStatusRunning)

	ok, err := svc.DeleteJob(context.Background(), "busy")
	assert.ErrorIs(t, err, store.ErrJobRunning)
	assert.EqualError(t, err, "cannot delete running job")
	assert.False(t, ok)

	_, err = svc.GetJob(context.Background(), "busy")
	require.NoError(t, err, "record must be left intact")

	_, err = svc.UpdateJobStatus(context.Background(), "busy", models.JobStatusCompleted)
	require.NoError(t, err)
	svc.publishProgress(context.Background(), &models.BatchJob{ID: "busy"})
	require.True(t, ca.has("busy"))

	ok, err = svc.DeleteJob(context.Background(), "busy")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, ca.has("busy"), "cached progress is evicted")

	_, err = svc.GetJob(context.Background(), "busy")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err = svc.DeleteJob(context.Background(), "busy")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- read model tests ---

func TestGetAllJobs_NewestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})

	old := putJob(t, st, "old", models.JobStatusCompleted)
	old.CreatedAt = old.CreatedAt.Add(-time.Hour)
	require.NoError(t, st.PutJob(context.Background(), old))
	putJob(t, st, "new", models.JobStatusCompleted)

	jobs, err := svc.GetAllJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "old", jobs[1].ID)
}

func TestGetJobProgress_PrefersCache(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
	putJob(t, st, "j", models.JobStatusRunning)

	p, err := svc.GetJobProgress(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, p.Status)
	assert.Equal(t, 2, p.Total)
	assert.Zero(t, p.Processed)

	svc.publishProgress(context.Background(), &models.BatchJob{
		ID:       "j",
		Status:   models.JobStatusRunning,
		Prompts:  []string{"a", "b"},
		Results:  []models.BatchJobResult{{PromptIndex: 0, Success: true}},
		Progress: 50,
	})

	p, err = svc.GetJobProgress(context.Background(), "j")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, p.Progress, 1e-9)
	assert.Equal(t, 1, p.Processed)

	_, err = svc.GetJobProgress(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNotifier_ReceivesEverySnapshotInOrder(t *testing.T) {
	st := store.NewMemoryStore()
	hub := events.NewHub()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{Notifier: hub})
	putJob(t, st, "notified", models.JobStatusPending, "a", "b")

	sub := hub.Subscribe("notified")
	defer sub.Close()

	require.NoError(t, svc.RunJob(context.Background(), "notified"))

	var got []models.JobProgress
	for len(sub.C()) > 0 {
		got = append(got, <-sub.C())
	}
	require.Len(t, got, 4)
	assert.Equal(t, models.JobStatusRunning, got[0].Status)
	assert.Zero(t, got[0].Processed)
	assert.InDelta(t, 50.0, got[1].Progress, 1e-9)
	assert.Equal(t, 2, got[2].Processed)
	assert.Equal(t, models.JobStatusCompleted, got[3].Status)
	assert.InDelta(t, 100.0, got[3].Progress, 1e-9)

	ok, err := svc.CancelJob(context.Background(), "notified")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, sub.C(), "a no-op cancel publishes nothing")
}

func TestGetJobStatistics(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
	job := putJob(t, st, "j", models.JobStatusCompleted, "a", "b")
	job.Results = []models.BatchJobResult{
		{PromptIndex: 0, Prompt: "a", Response: "x", Tokens: 10, DurationMs: 100, Success: true},
		{PromptIndex: 1, Prompt: "b", DurationMs: 300, Error: "boom"},
	}
	require.NoError(t, st.PutJob(context.Background(), job))

	stats, err := svc.GetJobStatistics(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPrompts)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 200.0, stats.AvgDurationMs, 1e-9)
	require.Len(t, stats.FailureGroups, 1)
	assert.Equal(t, []int{1}, stats.FailureGroups[0].PromptIndexes)

	_, err = svc.GetJobStatistics(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- ImportJob tests ---

func exportedJob(id string) *models.BatchJob {
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Second)
	return &models.BatchJob{
		ID:      id,
		Name:    "archived",
		Prompts: []string{"a", "b"},
		Model:   "gpt-3.5-turbo",
		Status:  models.JobStatusCompleted,
		Results: []models.BatchJobResult{
			{PromptIndex: 0, Prompt: "a", Response: "ra", Tokens: 4, DurationMs: 1000, Success: true},
			{PromptIndex: 1, Prompt: "b", DurationMs: 2000, Error: "timeout"},
		},
		Progress:    100,
		CreatedAt:   started.Add(-time.Second),
		StartedAt:   &started,
		CompletedAt: &completed,
		UpdatedAt:   completed,
	}
}

func TestImportJob(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})

	imported, err := svc.ImportJob(context.Background(), exportedJob("01HZX3Q4V9K2M8N7P6R5S4T3W2"))
	require.NoError(t, err)
	assert.Equal(t, "01HZX3Q4V9K2M8N7P6R5S4T3W2", imported.ID)

	got, err := st.GetJob(context.Background(), imported.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Len(t, got.Results, 2)

	_, err = svc.ImportJob(context.Background(), exportedJob("01HZX3Q4V9K2M8N7P6R5S4T3W2"))
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestImportJob_RejectsNonTerminal(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), mock.NewMockGenerator(), Options{})
	job := exportedJob("running")
	job.Status = models.JobStatusRunning
	job.CompletedAt = nil

	_, err := svc.ImportJob(context.Background(), job)
	assert.ErrorIs(t, err, ErrJobNotTerminal)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestImportJob_RejectsInvariantViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(j *models.BatchJob)
	}{
		{"no id", func(j *models.BatchJob) { j.ID = "" }},
		{"no prompts", func(j *models.BatchJob) { j.Prompts = nil }},
		{"duplicate index", func(j *models.BatchJob) { j.Results[1].PromptIndex = 0 }},
		{"index out of range", func(j *models.BatchJob) { j.Results[1].PromptIndex = 5 }},
		{"completed with missing results", func(j *models.BatchJob) { j.Results = j.Results[:1] }},
		{"completed below full progress", func(j *models.BatchJob) { j.Progress = 50 }},
		{"results out of prompt order", func(j *models.BatchJob) {
			j.Results[0], j.Results[1] = j.Results[1], j.Results[0]
		}},
		{"unknown status", func(j *models.BatchJob) { j.Status = "paused" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
			job := exportedJob("bad")
			tt.mutate(job)

			_, err := svc.ImportJob(context.Background(), job)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			jobs, _ := st.ListJobs(context.Background())
			assert.Empty(t, jobs)
		})
	}
}

// --- RecoverJobs tests ---

func TestRecoverJobs(t *testing.T) {
	st := store.NewMemoryStore()
	putJob(t, st, "interrupted", models.JobStatusRunning)
	putJob(t, st, "queued", models.JobStatusPending, "a", "b")
	putJob(t, st, "finished", models.JobStatusCompleted)

	svc := newTestService(t, st, mock.NewMockGenerator(), Options{})
	require.NoError(t, svc.RecoverJobs(context.Background()))

	interrupted, err := st.GetJob(context.Background(), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, interrupted.Status)
	assert.Contains(t, interrupted.Error, "interrupted")
	assert.NotNil(t, interrupted.CompletedAt)

	queued := waitForTerminal(t, svc, "queued")
	assert.Equal(t, models.JobStatusCompleted, queued.Status)
	assert.Len(t, queued.Results, 2)

	finished, err := st.GetJob(context.Background(), "finished")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, finished.Status)
	assert.Empty(t, finished.Results, "terminal jobs are untouched")
}
