package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/catalog"
	"market-analyzer/internal/metrics"
)

type stubSource struct {
	got analysis.Criteria
	res analysis.Result
	err error
}

func (s *stubSource) Candidates(_ context.Context, _ *catalog.Catalog, c analysis.Criteria) (analysis.Result, error) {
	s.got = c
	if s.err != nil {
		return analysis.Result{}, s.err
	}
	return s.res, nil
}

var defaultCriteria = analysis.Criteria{MinVolume: 50, ZThreshold: 2, Limit: 50}

func newTestServer(t *testing.T, src *stubSource) (*Server, *metrics.Recorder) {
	t.Helper()
	cat, err := catalog.New([]analysis.Item{{TypeID: 34, TypeName: "Tritanium"}})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	rec := metrics.New()
	return New(src, cat, defaultCriteria, rec, zerolog.Nop()), rec
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func sampleResult() analysis.Result {
	return analysis.Result{
		Buy: []analysis.Candidate{{
			TypeID: 34, TypeName: "Tritanium",
			Date:         time.Date(2025, 1, 21, 0, 0, 0, 0, time.UTC),
			AveragePrice: 4, RollingMean: 4.95, RollingStd: 0.2179, ZScore: -4.36,
			Volume: 1000, PctDiff: -0.1919, BandUpper: 5.3858, BandLower: 4.5142,
			Side: analysis.SideBuy,
		}},
		Sell: []analysis.Candidate{},
	}
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t, &stubSource{})
	rec := get(t, s, "/api/ping")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("ping: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCandidatesDefaultsAndShape(t *testing.T) {
	src := &stubSource{res: sampleResult()}
	s, _ := newTestServer(t, src)

	rec := get(t, s, "/api/candidates")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if src.got != defaultCriteria {
		t.Fatalf("criteria = %+v, want defaults", src.got)
	}

	var body map[string][]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["buy"]) != 1 || body["sell"] == nil || len(body["sell"]) != 0 {
		t.Fatalf("body = %s", rec.Body.String())
	}
	for _, key := range []string{"type_id", "type_name", "date", "average_price", "rolling_mean", "rolling_std", "z_score", "volume", "pct_diff", "band_upper", "band_lower"} {
		if _, ok := body["buy"][0][key]; !ok {
			t.Fatalf("candidate missing %q: %s", key, rec.Body.String())
		}
	}
}

func TestCandidatesQueryOverrides(t *testing.T) {
	src := &stubSource{res: sampleResult()}
	s, _ := newTestServer(t, src)

	rec := get(t, s, "/api/candidates?min_volume=0&z_threshold=1.5&limit=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	want := analysis.Criteria{MinVolume: 0, ZThreshold: 1.5, Limit: 3}
	if src.got != want {
		t.Fatalf("criteria = %+v, want %+v", src.got, want)
	}
}

func TestCandidatesRejectsInvalidParameters(t *testing.T) {
	cases := map[string]string{
		"negative min_volume": "/api/candidates?min_volume=-1",
		"zero threshold":      "/api/candidates?z_threshold=0",
		"zero limit":          "/api/candidates?limit=0",
		"non-numeric limit":   "/api/candidates?limit=ten",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			src := &stubSource{res: sampleResult()}
			s, _ := newTestServer(t, src)
			rec := get(t, s, target)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.Errors) == 0 {
				t.Fatalf("expected validation errors: %s", rec.Body.String())
			}
			if src.got != (analysis.Criteria{}) {
				t.Fatal("source must not be queried with invalid parameters")
			}
		})
	}
}

func TestValidationErrorNamesQueryField(t *testing.T) {
	s, _ := newTestServer(t, &stubSource{})
	rec := get(t, s, "/api/candidates?z_threshold=-1")
	var body errorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Errors) != 1 || body.Errors[0].Field != "z_threshold" || body.Errors[0].Code != "ERR_GT" {
		t.Fatalf("errors = %+v", body.Errors)
	}
}

func TestUndervaluedReturnsBuyList(t *testing.T) {
	src := &stubSource{res: sampleResult()}
	s, _ := newTestServer(t, src)

	rec := get(t, s, "/api/undervalued?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if src.got.MinVolume != 50 || src.got.Limit != 5 || src.got.ZThreshold != defaultCriteria.ZThreshold {
		t.Fatalf("criteria = %+v", src.got)
	}
	var list []analysis.Candidate
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].TypeID != 34 {
		t.Fatalf("list = %+v", list)
	}
}

func TestSourceFailureIsInternalError(t *testing.T) {
	s, _ := newTestServer(t, &stubSource{err: errors.New("disk gone")})
	rec := get(t, s, "/api/candidates")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk gone") {
		t.Fatal("internal error details must not leak")
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	s, _ := newTestServer(t, &stubSource{res: sampleResult()})
	get(t, s, "/api/ping")

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `market_analyzer_api_requests_total{route="/api/ping",status="200"} 1`) {
		t.Fatalf("metrics missing ping counter:\n%s", rec.Body.String())
	}
}
