package transport_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/transport"
)

func TestClientRoundTripIsCountedInMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := transport.NewPool(transport.DefaultPoolConfig())
	defer pool.Close()
	hc := pool.Client(5 * time.Second)

	resp, err := hc.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	m := pool.Metrics()
	if m.Total != 1 {
		t.Errorf("Metrics().Total = %d, want 1", m.Total)
	}
	if m.Errors != 0 {
		t.Errorf("Metrics().Errors = %d, want 0", m.Errors)
	}
}

func TestClientRoundTripErrorIsCounted(t *testing.T) {
	pool := transport.NewPool(transport.DefaultPoolConfig())
	defer pool.Close()
	hc := pool.Client(100 * time.Millisecond)

	// Nothing listens here; the round trip must fail.
	_, err := hc.Get("http://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected an error dialing an unreachable address")
	}

	m := pool.Metrics()
	if m.Errors != 1 {
		t.Errorf("Metrics().Errors = %d, want 1", m.Errors)
	}
}

func TestDefaultPoolUsesProductionDefaults(t *testing.T) {
	cfg := transport.DefaultPoolConfig()
	if cfg.MaxIdleConns == 0 {
		t.Error("DefaultPoolConfig().MaxIdleConns should be non-zero")
	}
	pool := transport.DefaultPool()
	defer pool.Close()
	if pool.Metrics().Total != 0 {
		t.Error("a freshly constructed pool should have no recorded round trips")
	}
}
