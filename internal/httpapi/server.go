// Package httpapi implements HttpApi (spec §4.9): the OpenAI-compatible
// HTTP surface plus the supplemental session/status/metrics endpoints
// listed in SPEC_FULL.md §4.9. Routing follows the teacher's
// routeHandlers()-map-over-a-ServeMux idiom
// (pkg/inference/scheduling/http_handler.go), using Go 1.22 method+
// wildcard patterns instead of a third-party router.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/tiagoflino/capi/internal/apperr"
	"github.com/tiagoflino/capi/internal/config"
	"github.com/tiagoflino/capi/internal/context"
	"github.com/tiagoflino/capi/internal/engine"
	"github.com/tiagoflino/capi/internal/logging"
	"github.com/tiagoflino/capi/internal/middleware"
	"github.com/tiagoflino/capi/internal/registry"
	"github.com/tiagoflino/capi/internal/session"
	"github.com/tiagoflino/capi/internal/telemetry"
)

// maxRequestBytes bounds request bodies, mirroring the teacher's
// http.MaxBytesReader guard in http_handler.go.
const maxRequestBytes = 10 << 20

// Server is HttpApi. It holds only references to the core components; it
// never owns backend resources (spec §3 Ownership).
type Server struct {
	manager   *engine.Manager
	registry  *registry.Manager
	sessions  *session.Store
	tracker   *telemetry.Tracker
	cfg       *config.Store
	log       logging.Logger

	mu     sync.RWMutex
	router http.Handler
}

// New constructs a Server and builds its route table.
func New(manager *engine.Manager, reg *registry.Manager, sessions *session.Store, tracker *telemetry.Tracker, cfg *config.Store, log logging.Logger) *Server {
	s := &Server{
		manager:  manager,
		registry: reg,
		sessions: sessions,
		tracker:  tracker,
		cfg:      cfg,
		log:      log,
	}
	s.rebuildRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.router
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// rebuildRoutes wires the route table behind CorsMiddleware, matching the
// teacher's RebuildRoutes, and swaps it in behind a lock. It is called only
// from New, so AllowedOrigins is read once; a later Config.Set does not
// change the CORS behaviour of a running Server.
func (s *Server) rebuildRoutes() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /v1/models/{name...}", s.handleGetModel)

	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleGetSessionMessages)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/unload", s.handleUnload)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	s.mu.Lock()
	s.router = middleware.CorsMiddleware(s.cfg.Get().AllowedOrigins, mux)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	var resp errorResponse
	resp.Error.Message = message
	writeJSON(w, status, resp)
}

func writeAppError(w http.ResponseWriter, log logging.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		log.WithError(err).Errorf("request failed")
	}
	writeError(w, status, err.Error())
}

// newAssembler builds a per-request ContextAssembler against the
// tokenizer the resolved worker's backend exposes (spec §4.8/§9).
func newAssembler(tok engine.Tokenizer) *context.Assembler {
	return context.New(tokenizerAdapter{tok})
}

type tokenizerAdapter struct{ tok engine.Tokenizer }

func (t tokenizerAdapter) Count(text string) int { return t.tok.Count(text) }
