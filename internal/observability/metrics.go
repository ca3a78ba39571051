package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backfill_engine"

// Metrics stores Prometheus collectors used by the coordinator and the status API.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	batchesClaimedTotal *prometheus.CounterVec
	batchesSucceeded    *prometheus.CounterVec
	batchesFailedTotal  *prometheus.CounterVec
	batchDuration       *prometheus.HistogramVec
	batchesInflight     *prometheus.GaugeVec
	retryScheduledTotal *prometheus.CounterVec
	leasesLostTotal     *prometheus.CounterVec
	finalizationsTotal  *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_claimed_total",
				Help:      "Total number of batches claimed by this process.",
			},
			[]string{"migration"},
		),
		batchesSucceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_succeeded_total",
				Help:      "Total number of batches that completed successfully.",
			},
			[]string{"migration"},
		),
		batchesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_failed_total",
				Help:      "Total number of batches that ended in failed state.",
			},
			[]string{"migration", "reason"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Batch execution duration in seconds grouped by migration.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"migration"},
		),
		batchesInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batches_inflight",
				Help:      "Current number of batches executing in this process.",
			},
			[]string{"migration"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of failed batches scheduled for another attempt.",
			},
			[]string{"migration"},
		),
		leasesLostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_lost_total",
				Help:      "Total number of batch results dropped because another worker owned the batch.",
			},
			[]string{"migration"},
		),
		finalizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "finalizations_total",
				Help:      "Total number of finalize steps run grouped by result.",
			},
			[]string{"migration", "result"},
		),
		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_status_transitions_total",
				Help:      "Total number of migration status changes made by this process.",
			},
			[]string{"migration", "status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesClaimedTotal,
		m.batchesSucceeded,
		m.batchesFailedTotal,
		m.batchDuration,
		m.batchesInflight,
		m.retryScheduledTotal,
		m.leasesLostTotal,
		m.finalizationsTotal,
		m.statusTransitions,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatchClaimed(migration string) {
	if m == nil {
		return
	}
	m.batchesClaimedTotal.WithLabelValues(normalizeLabel(migration)).Inc()
}

func (m *Metrics) IncBatchSucceeded(migration string) {
	if m == nil {
		return
	}
	m.batchesSucceeded.WithLabelValues(normalizeLabel(migration)).Inc()
}

func (m *Metrics) IncBatchFailed(migration string, reason string) {
	if m == nil {
		return
	}
	m.batchesFailedTotal.WithLabelValues(normalizeLabel(migration), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveBatchDuration(migration string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.batchDuration.WithLabelValues(normalizeLabel(migration)).Observe(seconds)
}

func (m *Metrics) IncBatchesInFlight(migration string) {
	if m == nil {
		return
	}
	m.batchesInflight.WithLabelValues(normalizeLabel(migration)).Inc()
}

func (m *Metrics) DecBatchesInFlight(migration string) {
	if m == nil {
		return
	}
	m.batchesInflight.WithLabelValues(normalizeLabel(migration)).Dec()
}

func (m *Metrics) IncRetryScheduled(migration string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(migration)).Inc()
}

func (m *Metrics) IncLeaseLost(migration string) {
	if m == nil {
		return
	}
	m.leasesLostTotal.WithLabelValues(normalizeLabel(migration)).Inc()
}

func (m *Metrics) IncFinalization(migration string, result string) {
	if m == nil {
		return
	}
	m.finalizationsTotal.WithLabelValues(normalizeLabel(migration), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncStatusTransition(migration string, status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(normalizeLabel(migration), normalizeLabel(status)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
