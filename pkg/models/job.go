package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a BatchJob.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the runner will never mutate a job in this status again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// BatchJob is one batch execution request: immutable configuration (name, prompts,
// model, config) plus mutable execution state (status, results, progress, timestamps).
type BatchJob struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Prompts     []string         `json:"prompts"`
	Model       string           `json:"model"`
	Config      GenerationConfig `json:"config"`
	Status      JobStatus        `json:"status"`
	Results     []BatchJobResult `json:"results"`
	Progress    float64          `json:"progress"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// BatchJobResult is the outcome of executing a single prompt.
type BatchJobResult struct {
	PromptIndex int    `json:"prompt_index"`
	Prompt      string `json:"prompt"`
	Response    string `json:"response"`
	Tokens      int    `json:"tokens"`
	DurationMs  int64  `json:"duration_ms"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// GenerationConfig holds generation parameters. Zero values mean provider default.
type GenerationConfig struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Stop         []string `json:"stop,omitempty"`
}

// ProgressOf returns the completion percentage for done out of total prompts.
func ProgressOf(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// Clone returns a deep copy of the job.
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Prompts = append([]string(nil), j.Prompts...)
	c.Results = append([]BatchJobResult(nil), j.Results...)
	c.Config = j.Config.clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (g GenerationConfig) clone() GenerationConfig {
	c := g
	if g.Temperature != nil {
		v := *g.Temperature
		c.Temperature = &v
	}
	if g.TopP != nil {
		v := *g.TopP
		c.TopP = &v
	}
	c.Stop = append([]string(nil), g.Stop...)
	return c
}

// Validate checks the record-level invariants of a job.
func (j *BatchJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(j.Prompts) == 0 {
		return fmt.Errorf("prompts must not be empty")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	if len(j.Results) > len(j.Prompts) {
		return fmt.Errorf("%d results for %d prompts", len(j.Results), len(j.Prompts))
	}
	for i, r := range j.Results {
		if r.PromptIndex < 0 || r.PromptIndex >= len(j.Prompts) {
			return fmt.Errorf("prompt_index %d out of range", r.PromptIndex)
		}
		// Prompts run in order, so result i answers prompt i.
		if r.PromptIndex != i {
			return fmt.Errorf("result %d has prompt_index %d", i, r.PromptIndex)
		}
		if r.Tokens < 0 {
			return fmt.Errorf("negative tokens at prompt_index %d", r.PromptIndex)
		}
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("progress %v out of range", j.Progress)
	}
	if j.Status == JobStatusCompleted {
		if len(j.Results) != len(j.Prompts) {
			return fmt.Errorf("completed job has %d results for %d prompts", len(j.Results), len(j.Prompts))
		}
		if j.Progress != 100 {
			return fmt.Errorf("completed job has progress %v", j.Progress)
		}
	}
	if j.StartedAt != nil && j.CompletedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		return fmt.Errorf("completed_at before started_at")
	}
	return nil
}

// JobProgress is the live snapshot published while a job runs.
type JobProgress struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Progress  float64   `json:"progress"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressSnapshot builds a JobProgress from the current job record.
func (j *BatchJob) ProgressSnapshot() JobProgress {
	return JobProgress{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Processed: len(j.Results),
		Total:     len(j.Prompts),
		UpdatedAt: j.UpdatedAt,
	}
}
