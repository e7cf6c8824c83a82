// Package httpapi is the optional HTTP ops surface of the server: liveness
// and Prometheus endpoints, read-only job queries answering exactly like
// their line-protocol counterparts, and a WebSocket feed that joins the
// same broadcast hub as the TCP clients.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/cluster"
	"github.com/enginefarm-io/enginefarm/internal/store"
)

// RouterConfig holds the dependencies needed to build the HTTP router. It
// is populated in main after all components are initialized.
type RouterConfig struct {
	Cluster *cluster.Server

	// Store backs the health check; nil when persistence is disabled.
	Store *store.Store

	// Metrics is the registry scraped by /metrics. Defaults to the global
	// gatherer when nil.
	Metrics prometheus.Gatherer

	Logger *zap.Logger
}

// NewRouter builds the fully configured chi router. API routes live under
// /api/v1; /healthz and /metrics are at the root for probes and scrapers.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	statusHandler := NewStatusHandler(cfg.Cluster, cfg.Store, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Cluster, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Cluster, cfg.Logger)

	r.Get("/healthz", statusHandler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", statusHandler.Status)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Get("/ws", wsHandler.ServeWS)
	})

	return r
}

// RequestLogger returns a chi-compatible middleware that logs each request
// with method, path, status and size. middleware.RequestID is expected to
// run first so the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
