// Package server is the HTTP/SSE gateway in front of the storage engine,
// provider registry, and debate orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TanyuSylvain/unify-llm/pkg/config"
	"github.com/TanyuSylvain/unify-llm/pkg/conversation"
	"github.com/TanyuSylvain/unify-llm/pkg/debate"
	"github.com/TanyuSylvain/unify-llm/pkg/llms"
	"github.com/TanyuSylvain/unify-llm/pkg/observability"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// ErrBind wraps listener failures so main can map them to exit code 2.
var ErrBind = errors.New("failed to bind listen address")

// Server is the HTTP gateway.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	registry     *llms.Registry
	modes        *conversation.Manager
	orchestrator *debate.Orchestrator
	obs          *observability.Manager

	httpServer *http.Server
}

// New creates the gateway with its dependencies passed explicitly.
func New(cfg *config.Config, st *store.Store, registry *llms.Registry, obs *observability.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: registry,
		modes:    conversation.NewManager(st),
		orchestrator: debate.NewOrchestrator(registry, st,
			cfg.Debate.CallTimeout, cfg.Debate.TotalTimeout),
		obs: obs,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/models", s.handleModels)
	r.Get("/models/", s.handleModels)
	r.Get("/models/providers/{name}", s.handleProviderInfo)

	r.Post("/chat/stream", s.handleChatStream)
	r.Post("/chat/multi-agent/stream", s.handleMultiAgentStream)

	r.Get("/conversations", s.handleListConversations)
	r.Delete("/conversations", s.handleDeleteAllConversations)
	r.Get("/conversations/{id}", s.handleGetConversation)
	r.Get("/conversations/{id}/info", s.handleConversationInfo)
	r.Delete("/conversations/{id}", s.handleDeleteConversation)
	r.Post("/conversations/{id}/switch-mode", s.handleSwitchMode)

	if s.obs != nil {
		r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	}
	return r
}

// requestLogger logs completed requests with latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// Start binds the listener and serves until ctx is cancelled. Bind
// failures are wrapped in ErrBind.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	slog.Info("Gateway listening", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
