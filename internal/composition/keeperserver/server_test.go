package keeperserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"eblusha/keeper/internal/config"
	"eblusha/keeper/internal/credstore"
)

func TestNewRPCServerMountsHealthAndMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Credentials.Backend = credstore.BackendMemory
	srv, err := NewRPCServerWithOutput(cfg, io.Discard)
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status: %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("unexpected metrics response: status=%d", resp.StatusCode)
	}
}

func TestNewRPCServerRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Credentials.Backend = "floppy"
	if _, err := NewRPCServerWithOutput(cfg, io.Discard); err == nil {
		t.Fatal("expected unknown credential backend to fail")
	}
}
