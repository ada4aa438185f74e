// Package httpserver exposes the OpenAI-compatible REST surface of the
// gateway: chat completions (streaming and non-streaming), the model
// catalog, session management, credential status, usage and health.
package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/backend"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/ledger"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/modelmeta"
	"github.com/agentgate/agentgate/internal/openai"
	"github.com/agentgate/agentgate/internal/ratelimit"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/stream"
	"github.com/agentgate/agentgate/internal/translate"
)

// Server wires the request path together: translation, backend runner,
// response parsing, session store and the streaming pipeline.
type Server struct {
	cfg        config.GatewayConfig
	runner     backend.Runner
	parser     *backend.Parser
	translator *translate.Translator
	pipeline   *stream.Pipeline
	sessions   *session.Store
	resolver   *auth.Resolver
	catalog    *modelmeta.Catalog
	ledger     ledger.Store
	collector  *metrics.Collector
	limiter    *ratelimit.Limiter

	logger    *log.Logger
	logLevel  string
	startedAt time.Time
}

// Deps carries the constructed dependencies for a Server.
type Deps struct {
	Config   config.GatewayConfig
	Runner   backend.Runner
	Sessions *session.Store
	Resolver *auth.Resolver
	Catalog  *modelmeta.Catalog
	Ledger   ledger.Store
	Metrics  *metrics.Collector
	Limiter  *ratelimit.Limiter
	Logger   *log.Logger
}

// New constructs a Server with the required dependencies.
func New(d Deps) *Server {
	parser := &backend.Parser{Logger: d.Logger}

	s := &Server{
		cfg:       d.Config,
		runner:    d.Runner,
		parser:    parser,
		sessions:  d.Sessions,
		resolver:  d.Resolver,
		catalog:   d.Catalog,
		ledger:    d.Ledger,
		collector: d.Metrics,
		limiter:   d.Limiter,
		logger:    d.Logger,
		logLevel:  d.Config.LogLevel,
		startedAt: time.Now(),
	}
	s.translator = &translate.Translator{
		Catalog:               d.Catalog,
		Sessions:              d.Sessions,
		DefaultPermissionMode: d.Config.DefaultPermissionMode,
		DefaultMaxTurns:       d.Config.SessionMaxTurns,
	}
	s.pipeline = &stream.Pipeline{
		Parser:        parser,
		Sessions:      d.Sessions,
		Logger:        d.Logger,
		ChunkDeadline: d.Config.StreamChunkDeadline,
		BufferSize:    d.Config.StreamBufferSize,
	}
	return s
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(ratelimit.Middleware(s.limiter, s.logger))
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/chat/completions", s.handleChatCompletions)
		api.Get("/models", s.handleModels)
		api.Get("/auth/status", s.handleAuthStatus)
		api.Get("/usage", s.handleUsage)

		api.Route("/sessions", func(sr chi.Router) {
			sr.Get("/", s.handleSessionList)
			sr.Get("/stats", s.handleSessionStats)
			sr.Get("/{id}", s.handleSessionGet)
			sr.Delete("/{id}", s.handleSessionDelete)
		})
	})

	r.Get("/health", s.handleHealth)
	if s.collector != nil {
		r.Method(http.MethodGet, "/metrics", s.collector.Handler())
	}

	return r
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError maps any error onto the OpenAI-compatible envelope. Errors
// that are not APIErrors are wrapped as internal errors so raw backend text
// never reaches the client.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	apiErr := openai.AsAPIError(err)
	if apiErr == nil {
		apiErr = openai.NewInternalError(err)
	}
	if apiErr.Status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Printf("[ERROR] %v", err)
	}
	s.respondJSON(w, apiErr.Status, apiErr.Envelope())
}

func (s *Server) observe(endpoint string, status int, start time.Time) {
	if s.collector == nil {
		return
	}
	s.collector.ObserveRequest(endpoint, strconv.Itoa(status), time.Since(start))
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() && s.logger != nil {
		s.logger.Printf("[DEBUG] "+format, args...)
	}
}
