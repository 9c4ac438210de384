package api

import (
	"net/http"

	"github.com/flowpbx/pbxsim/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegistryProvider is the read-only slice of *pbx.Registry the admin API
// needs. *pbx.Registry returns its own pbx types, so it is wrapped in an
// adapter (see cmd/pbxsim) rather than satisfying this interface directly.
type RegistryProvider interface {
	Len() int
	Cap() int
	Snapshot() []ExtensionStatus
}

// ExtensionStatus mirrors pbx.ExtensionStatus, kept dependency-free the
// same way the metrics package does.
type ExtensionStatus struct {
	Extension     int
	State         string
	PeerExtension int
}

// Server is the read-only admin HTTP surface: health, Prometheus metrics,
// and a point-in-time snapshot of the registry. It never mutates PBX
// state, so it carries no authentication of its own.
type Server struct {
	router   *chi.Mux
	registry RegistryProvider
}

// NewServer builds the admin HTTP handler with all routes mounted.
// metricsHandler is typically promhttp.HandlerFor(reg, ...).
func NewServer(registry RegistryProvider, metricsHandler http.Handler) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
	}
	s.routes(metricsHandler)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(metricsHandler http.Handler) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Get("/metrics", metricsHandler.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"extensions": s.registry.Snapshot(),
		"active":     s.registry.Len(),
		"capacity":   s.registry.Cap(),
	})
}
