package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.RecordItems("succeeded", 2)
	r.RecordItems("failed", 1)
	r.RecordItems("skipped", 0)
	r.RecordRun(2*time.Second, 7, 3, 1, time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(r.items.WithLabelValues("succeeded")); got != 2 {
		t.Fatalf("succeeded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.items.WithLabelValues("skipped")); got != 0 {
		t.Fatalf("skipped = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.newRecords); got != 7 {
		t.Fatalf("new records = %v, want 7", got)
	}
	if got := testutil.ToFloat64(r.candidates.WithLabelValues("buy")); got != 3 {
		t.Fatalf("buy candidates = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.lastRun); got != 1700000000 {
		t.Fatalf("last run = %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordItems("failed", 1)
	r.RecordFetch(time.Second)
	r.RecordRun(time.Second, 1, 1, 1, time.Now())
	r.RecordRequest("/api/ping", "200")
	if r.Registry() != nil {
		t.Fatal("nil recorder should have no registry")
	}
}

func TestRegistryGathersItemOutcomes(t *testing.T) {
	r := New()
	r.RecordItems("succeeded", 3)
	r.RecordItems("failed", 1)

	expected := `
# HELP market_analyzer_items_total Items processed by ingestion runs, by outcome
# TYPE market_analyzer_items_total counter
market_analyzer_items_total{outcome="failed"} 1
market_analyzer_items_total{outcome="succeeded"} 3
`
	if err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "market_analyzer_items_total"); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RecordRequest("/api/candidates", "200")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `market_analyzer_api_requests_total{route="/api/candidates",status="200"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}
