// Package httpapi serves the plain HTTP surface: health/readiness,
// Prometheus scraping, and the per-node network-state introspection
// endpoint.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StateLookup is the minimal surface the HTTP API needs from the
// aggregator.
type StateLookup interface {
	NetworkState(chainLabel string, nodeID uint64) ([]byte, bool)
}

// NewMux builds the HTTP handler tree for the admin listener.
func NewMux(lookup StateLookup, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/network_state/", func(w http.ResponseWriter, r *http.Request) {
		handleNetworkState(lookup, w, r)
	})

	return mux
}

// handleNetworkState serves GET /network_state/<chain_label>/<node_id>/.
func handleNetworkState(lookup StateLookup, w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/network_state/")
	path = strings.TrimSuffix(path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}

	nodeID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	state, ok := lookup.NetworkState(parts[0], nodeID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(state)
}
