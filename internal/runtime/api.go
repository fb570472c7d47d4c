package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/docflow/internal/runtime/jsoncodec"
)

// registerOperatorAPI mounts the health and consumer statistics endpoints on
// APIPort and the Prometheus scrape endpoint on MetricsPort.
func (s *Service) registerOperatorAPI() {
	if s.Conf.APIEnabled {
		port := s.Conf.APIPort
		s.RegisterHTTPHandler(port, "/health", s.health.Handler())
		s.RegisterHTTPHandler(port, "/api/consumers", http.HandlerFunc(s.handleGetConsumers))
	}

	if s.Conf.MetricsEnabled && s.registry != nil {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			Registry: s.registry,
		}))
	}
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers based on configuration
	if s.Conf != nil && len(s.Conf.APICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.WriteJSON(w, http.StatusOK, s.Snapshot()); err != nil {
		s.Logger.Error("Failed to encode consumer snapshot", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.APICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
