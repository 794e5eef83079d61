package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the small HTTP surface the ops team scrapes: Prometheus
// metrics and a liveness probe. It carries no TLS or auth of its own,
// matching the rest of the stack's plaintext internal-network posture.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the /metrics and /healthz router bound to addr. reg
// must be the same registerer every component's metrics were created
// against, so promhttp.HandlerFor actually serves what they recorded.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods("GET")

	return &Server{httpServer: &http.Server{Addr: addr, Handler: router}}
}

// ListenAndServe blocks serving the metrics/health endpoints until the
// server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the HTTP server down immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
