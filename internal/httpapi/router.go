// Package httpapi implements spec.md §6's public HTTP surface: the
// PoW challenge endpoint, comment submission and listing, and the SSE
// subscription stream. Grounded on the teacher's server/api.go route
// registration via gorilla/mux and its middleware-as-http.Handler
// shape.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Curious-r/cumments/internal/pipeline"
	"github.com/Curious-r/cumments/internal/pow"
	"github.com/Curious-r/cumments/internal/store"
)

type logger interface {
	LogDebug(msg string, kv ...any)
	LogInfo(msg string, kv ...any)
	LogWarn(msg string, kv ...any)
	LogError(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) LogDebug(string, ...any) {}
func (noopLogger) LogInfo(string, ...any)  {}
func (noopLogger) LogWarn(string, ...any)  {}
func (noopLogger) LogError(string, ...any) {}

// Server holds everything the public HTTP handlers need.
type Server struct {
	pipeline    *pipeline.Pipeline
	rooms       store.Store
	hub         *pipeline.Hub
	gate        *pow.Gate
	corsOrigins []string
	log         logger
}

// NewServer builds a Server. log may be nil, which installs a no-op.
func NewServer(pl *pipeline.Pipeline, rooms store.Store, hub *pipeline.Hub, gate *pow.Gate, corsOrigins []string, log logger) *Server {
	if log == nil {
		log = noopLogger{}
	}
	return &Server{pipeline: pl, rooms: rooms, hub: hub, gate: gate, corsOrigins: corsOrigins, log: log}
}

// Router builds the public API's mux.Router. Callers in appservice
// mode additionally register matrix.AppServiceAdapter's routes on the
// same router (or mount it on a different port per
// CUMMENTS_MATRIX__LISTEN_PORT) since both share the gorilla/mux
// convention.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.loggingMiddleware, corsMiddleware(s.corsOrigins))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/challenge", s.handleChallenge).Methods(http.MethodGet)
	api.HandleFunc("/{site_id}/comments", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/{site_id}/comments/{slug}", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/{site_id}/comments/{slug}/sse", s.handleSSE).Methods(http.MethodGet)

	return r
}
