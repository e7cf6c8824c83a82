package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/cluster"
	"github.com/enginefarm-io/enginefarm/internal/store"
)

// StatusHandler serves the liveness probe and the server status document.
type StatusHandler struct {
	cluster *cluster.Server
	store   *store.Store
	logger  *zap.Logger
}

// NewStatusHandler creates a new StatusHandler. store may be nil.
func NewStatusHandler(cluster *cluster.Server, store *store.Store, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		cluster: cluster,
		store:   store,
		logger:  logger.Named("status_handler"),
	}
}

// Health handles GET /healthz. With a store configured it pings the
// database, so orchestrators see persistence outages as unhealthy.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			ErrUnavailable(w, "store unreachable")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Status handles GET /api/v1/status. The payload is the same document the
// server pushes as a server_status frame.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.cluster.StatusDoc())
}
