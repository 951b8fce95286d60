package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/batch"
	"github.com/kiranshivaraju/promptbatch/internal/export"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const (
	maxBodyBytes = 10 << 20
	defaultLimit = 50
	maxLimit     = 200
)

// BatchService defines the interface the batch handlers depend on.
type BatchService interface {
	CreateBatchJob(ctx context.Context, p batch.CreateJobParams, onProgress batch.ProgressFunc) (*models.BatchJob, error)
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)
	GetAllJobs(ctx context.Context) ([]*models.BatchJob, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	GetJobProgress(ctx context.Context, id string) (*models.JobProgress, error)
	GetJobStatistics(ctx context.Context, id string) (*models.JobStatistics, error)
	ImportJob(ctx context.Context, job *models.BatchJob) (*models.BatchJob, error)
}

type createBatchRequest struct {
	Name    string                  `json:"name"`
	Prompts []string                `json:"prompts"`
	Model   string                  `json:"model"`
	Config  models.GenerationConfig `json:"config"`
}

// NewCreateBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
// The job runs in the background; the response carries it as pending.
func NewCreateBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.CreateBatchJob(r.Context(), batch.CreateJobParams{
			Name:    req.Name,
			Prompts: req.Prompts,
			Model:   req.Model,
			Config:  req.Config,
		}, nil)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.Accepted(w, job)
	}
}

// NewListBatchesHandler returns an http.HandlerFunc for GET /api/v1/batches.
// Jobs are listed newest first and paginated with page and limit.
func NewListBatchesHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := queryInt(r, "page", 1)
		if !ok || page < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, ok := queryInt(r, "limit", defaultLimit)
		if !ok || limit < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = min(limit, maxLimit)

		jobs, err := svc.GetAllJobs(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}

		// Compare page counts rather than offsets; (page-1)*limit can overflow.
		total := len(jobs)
		start := total
		if page-1 <= total/limit {
			start = (page - 1) * limit
		}
		end := start + min(limit, total-start)

		response.Collection(w, jobs[start:end], response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: end < total,
		})
	}
}

// NewGetBatchHandler returns an http.HandlerFunc for GET /api/v1/batches/{jobID}.
func NewGetBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.GetJob(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewBatchProgressHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{jobID}/progress.
func NewBatchProgressHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.GetJobProgress(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, p)
	}
}

// NewBatchStatisticsHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{jobID}/statistics.
func NewBatchStatisticsHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.GetJobStatistics(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, stats)
	}
}

// NewCancelBatchHandler returns an http.HandlerFunc for
// POST /api/v1/batches/{jobID}/cancel. Cancelling a finished job is not an
// error; the response reports cancelled false.
func NewCancelBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cancelled, err := svc.CancelJob(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, map[string]bool{"cancelled": cancelled})
	}
}

// NewDeleteBatchHandler returns an http.HandlerFunc for DELETE /api/v1/batches/{jobID}.
func NewDeleteBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := svc.DeleteJob(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !ok {
			writeServiceError(w, store.ErrNotFound)
			return
		}
		response.NoContent(w)
	}
}

// NewExportBatchHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{jobID}/export. The body is the raw file, not an envelope.
func NewExportBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"format must be csv, json or xlsx", nil)
			return
		}

		job, err := svc.GetJob(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		body, err := export.Render(job, format)
		if err != nil {
			slog.Error("export render failed", "job_id", job.ID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Attachment(w, format.ContentType(), export.Filename(job, format), body)
	}
}

// NewImportBatchHandler returns an http.HandlerFunc for POST /api/v1/batches/import.
// The body is a job previously produced by the JSON export.
func NewImportBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := export.ParseJSON(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		imported, err := svc.ImportJob(r.Context(), job)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, imported)
	}
}

// writeServiceError maps service and store errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *batch.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", verr.Error(),
			map[string]string{"field": verr.Field})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Batch job not found", nil)
	case errors.Is(err, store.ErrJobRunning):
		response.Error(w, http.StatusConflict, "JOB_RUNNING", "Cannot delete a running job", nil)
	case errors.Is(err, batch.ErrJobExists):
		response.Error(w, http.StatusConflict, "JOB_EXISTS", "A job with this id already exists", nil)
	case errors.Is(err, batch.ErrShuttingDown):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
	default:
		slog.Error("batch request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}
