package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerEndpoints(t *testing.T) {
	CasAttempts.Inc()
	srv := httptest.NewServer(NewServer("", func() any {
		return map[string]int{"values": 3}
	}).Handler)
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, body := get("/info"); code != http.StatusOK || !strings.Contains(body, `"values":3`) || !strings.Contains(body, `"pid"`) {
		t.Fatalf("/info = %d %q", code, body)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "glomer_cas_attempts_total") {
		t.Fatalf("/metrics = %d, missing glomer_cas_attempts_total", code)
	}
}

func TestTrackObserves(t *testing.T) {
	done := Track("test")
	done()
	if n := testCount(t, "test"); n != 1 {
		t.Fatalf("observations = %d, want 1", n)
	}
}

func testCount(t *testing.T, category string) uint64 {
	t.Helper()
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "glomer_handle_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "category" && lp.GetValue() == category {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}
