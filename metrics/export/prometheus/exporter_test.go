package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/fedauth"
)

type fakeSource struct {
	snapshot fedauth.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() fedauth.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                     { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	m := fedauth.NewMetrics(fedauth.MetricsConfig{Enabled: false})
	exp := NewExporter(fakeSource{snapshot: m.Snapshot()})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderCountersAndHistogram(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: fedauth.MetricsSnapshot{
			Counters: map[fedauth.MetricID]uint64{
				fedauth.MetricLoginSuccess:         7,
				fedauth.MetricRefreshReuseDetected: 1,
			},
			Histograms: map[fedauth.MetricID][]uint64{
				fedauth.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"fedauth_login_success_total 7",
		"fedauth_refresh_reuse_detected_total 1",
		"fedauth_mfa_failure_total 0",
		`fedauth_validate_latency_seconds_bucket{le="0.005"} 1`,
		`fedauth_validate_latency_seconds_bucket{le="+Inf"} 36`,
		"fedauth_validate_latency_seconds_count 36",
		"fedauth_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderSkipsDisabledHistogram(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: fedauth.MetricsSnapshot{
			Counters:   map[fedauth.MetricID]uint64{fedauth.MetricLogout: 1},
			Histograms: map[fedauth.MetricID][]uint64{},
		},
	})
	if strings.Contains(exp.Render(), "fedauth_validate_latency_seconds") {
		t.Fatal("expected no histogram when latency histograms are off")
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: fedauth.MetricsSnapshot{
			Counters:   map[fedauth.MetricID]uint64{fedauth.MetricLoginSuccess: 1},
			Histograms: map[fedauth.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
