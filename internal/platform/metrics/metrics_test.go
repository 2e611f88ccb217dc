package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_jobs_and_segments(t *testing.T) {
	m := New()
	m.JobStarted()
	m.AddSegments(3, 1)
	m.JobFinished(JobSucceeded, 2*time.Second)

	out := scrape(t, m, func() { m.SetActiveChannels(2) })
	for _, want := range []string{
		`m3u8_jobs_total{status="succeeded"} 1`,
		`m3u8_segments_total{result="fetched"} 3`,
		`m3u8_segments_total{result="dropped"} 1`,
		`m3u8_active_jobs 0`,
		`m3u8_active_channels 2`,
		`m3u8_job_duration_seconds_count 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	out := scrape(t, m, nil)
	if !strings.Contains(out, "m3u8_requests_total 2") {
		t.Errorf("expected 2 requests:\n%s", out)
	}
	if !strings.Contains(out, "m3u8_errors_total 1") {
		t.Errorf("expected 1 error:\n%s", out)
	}
}
