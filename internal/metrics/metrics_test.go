package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionStateIsOneHot(t *testing.T) {
	r := New()
	r.SetConnectionState("connecting")
	r.SetConnectionState("connected")
	if got := testutil.ToFloat64(r.connectionState.WithLabelValues("connected")); got != 1 {
		t.Fatalf("expected connected=1, got %v", got)
	}
	if got := testutil.ToFloat64(r.connectionState.WithLabelValues("connecting")); got != 0 {
		t.Fatalf("expected connecting=0, got %v", got)
	}
}

func TestCountersAndHandler(t *testing.T) {
	r := New()
	r.IncReconnect("disconnect")
	r.IncReconnect("disconnect")
	r.IncEvent("call:incoming", "routed")
	r.IncCall("busy")
	r.IncLockDenied("wake")
	if got := testutil.ToFloat64(r.reconnects.WithLabelValues("disconnect")); got != 2 {
		t.Fatalf("expected 2 reconnects, got %v", got)
	}
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"keeper_reconnects_total", "keeper_calls_total", "keeper_lock_denials_total"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
