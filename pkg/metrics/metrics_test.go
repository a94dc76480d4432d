package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSyncMetricsExistAndIncrement(t *testing.T) {
	// Use a test label to avoid colliding with other tests
	server, kind := "test-server", "full"

	SyncJobRuns.WithLabelValues(server, kind, "success").Inc()
	if v := testutil.ToFloat64(SyncJobRuns.WithLabelValues(server, kind, "success")); v < 1 {
		t.Fatalf("expected SyncJobRuns >= 1, got %v", v)
	}

	SyncJobsSkipped.WithLabelValues(server, kind).Add(2)
	if v := testutil.ToFloat64(SyncJobsSkipped.WithLabelValues(server, kind)); v < 2 {
		t.Fatalf("expected SyncJobsSkipped >= 2, got %v", v)
	}

	SyncJobsRunning.WithLabelValues(server, kind).Set(1)
	if v := testutil.ToFloat64(SyncJobsRunning.WithLabelValues(server, kind)); v != 1 {
		t.Fatalf("expected SyncJobsRunning == 1, got %v", v)
	}
	SyncJobsRunning.WithLabelValues(server, kind).Set(0)
}

func TestArtifactAppliesLabelCardinality(t *testing.T) {
	ArtifactApplies.Reset()
	defer ArtifactApplies.Reset()
	labels := []string{"directory.main", "applied"}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("ArtifactApplies panicked with labels %v: %v", labels, r)
		}
	}()

	ArtifactApplies.WithLabelValues(labels...).Inc()
	if v := testutil.ToFloat64(ArtifactApplies.WithLabelValues(labels...)); v != 1 {
		t.Fatalf("expected metric value 1 after increment, got %v", v)
	}
}

func TestMetricsHandlerServesRegisteredCollectors(t *testing.T) {
	ReconcilePasses.WithLabelValues("no_change").Inc()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "omnibus_reconcile_passes_total") {
		t.Fatalf("expected reconcile pass counter in exposition output")
	}
}

func TestLeaderElectedGauge(t *testing.T) {
	LeaderElected.Set(1)
	if v := testutil.ToFloat64(LeaderElected); v != 1 {
		t.Fatalf("expected gauge 1 while leading, got %v", v)
	}
	LeaderElected.Set(0)
	if v := testutil.ToFloat64(LeaderElected); v != 0 {
		t.Fatalf("expected gauge 0 after stepping down, got %v", v)
	}
}
