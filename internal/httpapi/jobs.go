package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/cluster"
)

// JobHandler serves read-only job queries. Submission and cancellation stay
// on the streaming protocol (TCP or WebSocket), where the caller also sees
// the resulting updates.
type JobHandler struct {
	cluster *cluster.Server
	logger  *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(cluster *cluster.Server, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		cluster: cluster,
		logger:  logger.Named("job_handler"),
	}
}

// List handles GET /api/v1/jobs. The include_finished and limit query
// parameters follow the jobs_list frame: finished jobs are included by
// default, limit defaults to 200 and an explicit 0 returns an empty list.
// Malformed values fall back to the defaults.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	includeFinished := true
	if v := r.URL.Query().Get("include_finished"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			includeFinished = b
		}
	}

	limit := cluster.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 0 {
		limit = 0
	}

	Ok(w, h.cluster.JobViews(includeFinished, limit))
}

// GetByID handles GET /api/v1/jobs/{id}. The log_tail query parameter
// follows the job_get frame, including the store-backed tail refresh and
// the 0-means-no-tail reading.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	logTail := cluster.DefaultGetLogTail
	if v := r.URL.Query().Get("log_tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			logTail = n
		}
	}
	if logTail < 0 {
		logTail = 0
	}
	if logTail > cluster.MaxGetLogTail {
		logTail = cluster.MaxGetLogTail
	}

	view, ok := h.cluster.JobView(r.Context(), id, logTail)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, view)
}
