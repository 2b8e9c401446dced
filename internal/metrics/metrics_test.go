package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryExposesRecordedCounters(t *testing.T) {
	reg := NewRegistry()
	reg.TransfersTotal.WithLabelValues("origin", "success").Inc()
	reg.BytesDownloaded.WithLabelValues("origin").Add(2048)
	reg.MirrorRank.WithLabelValues("origin").Set(0.75)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"powerloader_transfers_total",
		"powerloader_bytes_downloaded_total",
		"powerloader_mirror_rank",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
