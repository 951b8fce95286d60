package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// MemoryStore is a process-local Store. Jobs are deep-copied on the way in and
// out so callers never share memory with the stored record.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.BatchJob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.BatchJob)}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) PutJob(_ context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context) ([]*models.BatchJob, error) {
	s.mu.RLock()
	jobs := make([]*models.BatchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if job.Status == models.JobStatusRunning {
		return false, ErrJobRunning
	}
	delete(s.jobs, id)
	return true, nil
}

// sortNewestFirst orders by created_at descending, then id descending.
func sortNewestFirst(jobs []*models.BatchJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
