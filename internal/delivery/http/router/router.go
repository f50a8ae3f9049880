package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/delivery/http/handler"
	"github.com/user/pt-crawler/internal/delivery/http/middleware"
	"github.com/user/pt-crawler/pkg/metrics"
)

func New(h *handler.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/health", h.HandleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Post("/runs", h.HandleStartRun)
			r.Get("/pending", h.HandleGetPending)
			r.Post("/pending/replay", h.HandleReplayPending)
			r.Get("/session", h.HandleGetSession)
		})
		r.Get("/runs", h.HandleListRuns)
		r.Get("/runs/{runID}", h.HandleGetRun)
		r.Delete("/runs/{runID}", h.HandleCancelRun)
	})

	return r
}
