package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type fakeLookup struct {
	chain string
	node  uint64
	state []byte
}

func (f fakeLookup) NetworkState(chainLabel string, nodeID uint64) ([]byte, bool) {
	if chainLabel == f.chain && nodeID == f.node {
		return f.state, true
	}
	return nil, false
}

func TestHealthzReturnsOK(t *testing.T) {
	mux := NewMux(fakeLookup{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestMetricsIsServed(t *testing.T) {
	mux := NewMux(fakeLookup{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNetworkStateFound(t *testing.T) {
	lookup := fakeLookup{chain: "0xabc", node: 7, state: []byte(`{"peers":[]}`)}
	mux := NewMux(lookup, zerolog.Nop())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/network_state/0xabc/7/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"peers":[]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestNetworkStateNotFound(t *testing.T) {
	mux := NewMux(fakeLookup{}, zerolog.Nop())

	cases := []string{
		"/network_state/0xabc/999/",
		"/network_state/0xabc/not-a-number/",
		"/network_state/0xabc/",
		"/network_state//7/",
	}
	for _, path := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("path %q: status = %d, want 404", path, rec.Code)
		}
	}
}
