package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/promptbatch/internal/events"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// ProgressSubscriber is the slice of events.Hub the stream handler needs.
type ProgressSubscriber interface {
	Subscribe(jobID string) *events.Subscription
}

// heartbeatInterval keeps idle streams alive through proxies.
var heartbeatInterval = 15 * time.Second

// NewBatchEventsHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{jobID}/events. It streams progress snapshots as
// server-sent events, starting with the current one, and ends the stream after
// a terminal status.
func NewBatchEventsHandler(svc BatchService, hub ProgressSubscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")

		// Subscribe before reading the current snapshot so nothing published in
		// between is lost.
		sub := hub.Subscribe(id)
		defer sub.Close()

		current, err := svc.GetJobProgress(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		logger := slog.With("job_id", id)
		last := *current
		if err := writeProgressEvent(w, last); err != nil || rc.Flush() != nil {
			return
		}
		if last.Status.IsTerminal() {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			case p, ok := <-sub.C():
				if !ok {
					return
				}
				// Snapshots buffered before the initial read may be older.
				if p.UpdatedAt.Before(last.UpdatedAt) {
					continue
				}
				last = p
				if err := writeProgressEvent(w, p); err != nil {
					logger.Debug("progress stream write failed", "error", err)
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
				if p.Status.IsTerminal() {
					return
				}
			}
		}
	}
}

func writeProgressEvent(w io.Writer, p models.JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
