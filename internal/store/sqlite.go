package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// jobRecord is the gorm row for a BatchJob. Collections are stored as JSON text.
type jobRecord struct {
	ID          string                  `gorm:"primaryKey;size:32"`
	Name        string                  `gorm:"not null;default:''"`
	Model       string                  `gorm:"not null"`
	Status      string                  `gorm:"not null;index"`
	Prompts     []string                `gorm:"serializer:json;not null"`
	Config      models.GenerationConfig `gorm:"serializer:json;not null"`
	Results     []models.BatchJobResult `gorm:"serializer:json;not null"`
	Progress    float64                 `gorm:"not null"`
	Error       string                  `gorm:"not null;default:''"`
	CreatedAt   time.Time               `gorm:"autoCreateTime:false;not null;index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false;not null"`
}

func (jobRecord) TableName() string { return "batch_jobs" }

func toRecord(job *models.BatchJob) jobRecord {
	results := job.Results
	if results == nil {
		results = []models.BatchJobResult{}
	}
	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return jobRecord{
		ID:          job.ID,
		Name:        job.Name,
		Model:       job.Model,
		Status:      string(job.Status),
		Prompts:     job.Prompts,
		Config:      job.Config,
		Results:     results,
		Progress:    job.Progress,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		UpdatedAt:   updatedAt,
	}
}

func (r jobRecord) toModel() *models.BatchJob {
	return &models.BatchJob{
		ID:          r.ID,
		Name:        r.Name,
		Model:       r.Model,
		Status:      models.JobStatus(r.Status),
		Prompts:     r.Prompts,
		Config:      r.Config,
		Results:     r.Results,
		Progress:    r.Progress,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// SQLiteStore implements the Store interface on an embedded SQLite database via gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path and migrates
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection serializes access and keeps
	// an in-memory database alive for the life of the store.
	sqlDB.SetMaxOpenConns(1)

	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an open gorm connection and migrates the schema.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) PutJob(ctx context.Context, job *models.BatchJob) error {
	rec := toRecord(job)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.BatchJob, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*models.BatchJob, error) {
	var recs []jobRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*models.BatchJob, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, rec.toModel())
	}
	// SQLite compares timestamps as text; re-sort on the parsed values.
	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec jobRecord
		err := tx.Select("id", "status").Where("id = ?", id).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if models.JobStatus(rec.Status) == models.JobStatusRunning {
			return ErrJobRunning
		}
		if err := tx.Where("id = ?", id).Delete(&jobRecord{}).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if errors.Is(err, ErrJobRunning) {
		return false, ErrJobRunning
	}
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return deleted, nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
