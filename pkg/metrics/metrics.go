package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector of the service.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LoginAttemptsTotal *prometheus.CounterVec
	LoginDuration      *prometheus.HistogramVec
	CaptchaSolvesTotal *prometheus.CounterVec

	PagesTotal   *prometheus.CounterVec
	PageDuration *prometheus.HistogramVec

	SyncBatchesTotal *prometheus.CounterVec
	PendingBatches   *prometheus.GaugeVec
}

// New registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		LoginAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptcrawler_login_attempts_total",
				Help: "Total number of login attempts.",
			},
			[]string{"site", "status"}, // status: success, failure
		),
		LoginDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptcrawler_login_duration_seconds",
				Help:    "Duration of login flows.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"site"},
		),
		CaptchaSolvesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptcrawler_captcha_solves_total",
				Help: "Total number of CAPTCHA resolution attempts.",
			},
			[]string{"resolver", "status"},
		),
		PagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptcrawler_pages_total",
				Help: "Total number of page visits.",
			},
			[]string{"task", "status"},
		),
		PageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptcrawler_page_duration_seconds",
				Help:    "Duration of page visits including extraction.",
				Buckets: []float64{0.5, 1, 5, 10, 15, 30, 60},
			},
			[]string{"task"},
		),
		SyncBatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptcrawler_sync_batches_total",
				Help: "Total number of batches handled by the sync pipeline.",
			},
			[]string{"task", "status"}, // delivered, deferred, replayed, replay_failed
		),
		PendingBatches: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ptcrawler_pending_batches",
				Help: "Pending batches found by the last replay scan.",
			},
			[]string{"task"},
		),
	}
}
