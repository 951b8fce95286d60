package store

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrJobRunning = errors.New("cannot delete running job")

// Store is the job persistence interface. Every write is a full-record upsert;
// callers read-modify-write the whole job. Implementations must be safe for
// concurrent use and must not let upserts to different ids block each other.
type Store interface {
	Ping(ctx context.Context) error

	// PutJob inserts or replaces the full job record.
	PutJob(ctx context.Context, job *models.BatchJob) error
	// GetJob returns ErrNotFound when no job has the given id.
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)
	// ListJobs returns all jobs, newest created first.
	ListJobs(ctx context.Context) ([]*models.BatchJob, error)
	// DeleteJob reports whether a record existed. A running job is left intact
	// and ErrJobRunning is returned.
	DeleteJob(ctx context.Context, id string) (bool, error)
}
