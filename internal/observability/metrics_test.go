package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCoordinatorCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	migration := "20240115120000_Assign_Assessment_Numbers.go"

	metrics.IncBatchClaimed(migration)
	metrics.IncBatchSucceeded(migration)
	metrics.IncBatchFailed(migration, "Retry_Exhausted")
	metrics.ObserveBatchDuration(migration, 120*time.Millisecond)
	metrics.IncBatchesInFlight(migration)
	metrics.DecBatchesInFlight(migration)
	metrics.IncRetryScheduled(migration)
	metrics.IncLeaseLost(migration)
	metrics.IncFinalization(migration, "succeeded")
	metrics.IncStatusTransition(migration, "running")

	label := "20240115120000_assign_assessment_numbers.go"
	if got := testutil.ToFloat64(metrics.batchesClaimedTotal.WithLabelValues(label)); got != 1 {
		t.Fatalf("batches_claimed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesSucceeded.WithLabelValues(label)); got != 1 {
		t.Fatalf("batches_succeeded_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesFailedTotal.WithLabelValues(label, "retry_exhausted")); got != 1 {
		t.Fatalf("batches_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues(label)); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesInflight.WithLabelValues(label)); got != 0 {
		t.Fatalf("batches_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.leasesLostTotal.WithLabelValues(label)); got != 1 {
		t.Fatalf("leases_lost_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.finalizationsTotal.WithLabelValues(label, "succeeded")); got != 1 {
		t.Fatalf("finalizations_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.statusTransitions.WithLabelValues(label, "running")); got != 1 {
		t.Fatalf("migration_status_transitions_total = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncBatchClaimed("m")
	metrics.IncBatchFailed("m", "")
	metrics.ObserveBatchDuration("m", time.Second)
	metrics.IncFinalization("m", "failed")
	if metrics.Handler() == nil {
		t.Fatal("nil metrics should still expose a handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
