// Package server provides the HTTP server exposing the JSON-RPC tool
// protocol over the synchronous gateway and the SSE transport.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/config"
	"github.com/sourcecheck-ai/sourcecheck/internal/event"
	"github.com/sourcecheck-ai/sourcecheck/internal/history"
	"github.com/sourcecheck-ai/sourcecheck/internal/jsonrpc"
	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
	"github.com/sourcecheck-ai/sourcecheck/internal/metrics"
	"github.com/sourcecheck-ai/sourcecheck/internal/registry"
	"github.com/sourcecheck-ai/sourcecheck/internal/rpc"
)

// Version is the protocol server version reported by initialize and /health.
const Version = "0.1.0"

// Server is the HTTP server. All collaborators are injected; nothing is
// global, so independent instances can run side by side in tests.
type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	httpSrv *http.Server

	registry  *registry.Registry
	sweeper   *registry.Sweeper
	handler   *rpc.Handler
	bus       *event.Bus
	collector *metrics.Collector
	history   *history.Store

	heartbeat time.Duration
	log       zerolog.Logger

	cancelSweeper context.CancelFunc
	unsubscribe   func()
}

// New creates a server wired to the given collaborators. The collector and
// history store may be nil, in which case their routes are not registered.
func New(cfg *config.Config, reg *registry.Registry, handler *rpc.Handler, bus *event.Bus, collector *metrics.Collector, hist *history.Store) *Server {
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		registry:  reg,
		sweeper:   registry.NewSweeper(reg, bus),
		handler:   handler,
		bus:       bus,
		collector: collector,
		history:   hist,
		heartbeat: cfg.Server.HeartbeatInterval.Std(30 * time.Second),
		log:       logging.Component("server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	// Pushes a list_changed notification onto every open stream when the
	// tool registry changes.
	if bus != nil {
		s.unsubscribe = bus.Subscribe(event.ToolsChanged, s.broadcastToolsChanged)
	}

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.cfg.CORSEnabled() {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// broadcastToolsChanged fans a tools/list_changed notification out to every
// open SSE client.
func (s *Server) broadcastToolsChanged(e event.Event) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"method":  "notifications/tools/list_changed",
		"params":  e.Data,
	})
	if err != nil {
		return
	}
	reached := s.registry.Broadcast(registry.Message{Event: "jsonrpc", Payload: payload})
	s.log.Debug().Int("clients", reached).Msg("broadcast tools change")
}

// Start starts the HTTP server and the liveness sweeper. It blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelSweeper = cancel
	go s.sweeper.Run(ctx)

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE streams are long-lived.
		WriteTimeout: 0,
	}

	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server, stopping the sweeper and the
// broadcast subscription.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelSweeper != nil {
		s.cancelSweeper()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, primarily for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Sweeper returns the liveness sweeper, primarily for tests.
func (s *Server) Sweeper() *registry.Sweeper {
	return s.sweeper
}
