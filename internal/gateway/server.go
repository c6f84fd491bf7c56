// Package gateway implements the request path of the proxy: the
// OpenAI-compatible HTTP surface, prompt routing, request deduplication,
// the provider fallback loop and response translation.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/blockrun/blockrun/internal/catalog"
	"github.com/blockrun/blockrun/internal/config"
	"github.com/blockrun/blockrun/internal/dedup"
	"github.com/blockrun/blockrun/internal/llm"
	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
	"github.com/blockrun/blockrun/internal/routing"
	"github.com/blockrun/blockrun/internal/session"
	"github.com/blockrun/blockrun/internal/tokens"
	"github.com/blockrun/blockrun/internal/usage"
)

// Identity is the service name reported by /health.
const Identity = "blockrun"

// Deps are the collaborators the server coordinates. The caller constructs
// all of them, so tests can run a gateway against a fresh set.
type Deps struct {
	Catalog  *catalog.Catalog
	Registry *llm.Registry
	Sessions *session.Store
	Dedup    *dedup.Deduplicator
	Usage    *usage.Recorder
	Balance  BalancePolicy
	Version  string
}

// Server is the gateway HTTP server. Scorer and selector sit behind a
// read/write lock so the routing section of the config can be swapped at
// runtime without dropping requests.
type Server struct {
	cfg  config.Config
	deps Deps

	estimator *tokens.Estimator

	routeMu  sync.RWMutex
	scorer   *routing.Scorer
	selector *routing.Selector

	handler  http.Handler
	server   *http.Server
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  time.Time
}

// NewServer wires the gateway. The selector validates that every model
// named by the routing config exists in the catalog.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("gateway: catalog is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("gateway: provider registry is required")
	}
	if deps.Dedup == nil {
		return nil, fmt.Errorf("gateway: deduplicator is required")
	}

	selector, err := routing.NewSelector(deps.Catalog, cfg.Routing, cfg.Fallback.MaxAttempts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       *cfg,
		deps:      deps,
		estimator: tokens.Get(),
		scorer:    routing.NewScorer(cfg.Routing),
		selector:  selector,
		started:   time.Now(),
	}
	s.handler = s.routes()

	requestTimeout := time.Duration(cfg.Proxy.RequestTimeoutMs) * time.Millisecond
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// Streaming responses may legitimately run the full request
		// deadline, so the write timeout sits past it.
		WriteTimeout: requestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("gateway: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("gateway: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server, letting in-flight requests
// finish. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err = s.server.Shutdown(ctx); err != nil {
			L_error("gateway: shutdown error", "error", err)
			return
		}

		s.wg.Wait()
		L_info("gateway: server stopped")
	})
	return err
}

// ReloadRouting swaps the classifier and selector for a new routing
// config. In-flight requests keep the instances they started with.
func (s *Server) ReloadRouting(rc config.RoutingConfig) error {
	selector, err := routing.NewSelector(s.deps.Catalog, rc, s.cfg.Fallback.MaxAttempts)
	if err != nil {
		return err
	}
	scorer := routing.NewScorer(rc)

	s.routeMu.Lock()
	s.scorer = scorer
	s.selector = selector
	s.cfg.Routing = rc
	s.routeMu.Unlock()

	L_info("gateway: routing configuration reloaded")
	MetricInc("gateway", "routing_reload")
	return nil
}

// routingSnapshot returns the scorer/selector pair a request should use
// for its whole lifetime.
func (s *Server) routingSnapshot() (*routing.Scorer, *routing.Selector) {
	s.routeMu.RLock()
	defer s.routeMu.RUnlock()
	return s.scorer, s.selector
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(s.requestID)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequest)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/models", s.handleModels)
		r.HandleFunc("/*", s.handlePassthrough)
	})

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		// Unrecognized verbs on /v1 routes still forward upstream.
		if strings.HasPrefix(req.URL.Path, "/v1/") {
			s.handlePassthrough(w, req)
			return
		}
		s.handleNotFound(w, req)
	})

	return r
}

// requestID tags every request, honoring an inbound X-Request-Id.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// logRequest logs each request with its final status and duration.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lw, r)

		L_trace("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
		MetricDuration("gateway", "request", time.Since(start))
	})
}

// loggingResponseWriter wraps ResponseWriter to capture the status code.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
