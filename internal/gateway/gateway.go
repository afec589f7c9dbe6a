// ABOUTME: Gateway wiring for the livechat server
// ABOUTME: Owns the store, registry, presence tracker, router, and HTTP surface

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillworks/livechat/internal/auth"
	"github.com/quillworks/livechat/internal/config"
	"github.com/quillworks/livechat/internal/presence"
	"github.com/quillworks/livechat/internal/responder"
	"github.com/quillworks/livechat/internal/router"
	"github.com/quillworks/livechat/internal/session"
	"github.com/quillworks/livechat/internal/store"
)

// Gateway is the process-scoped composition root for the chat core. All
// shared state (registry, presence) is created here at startup and torn down
// at shutdown; handlers receive it by injection, never as ambient globals.
type Gateway struct {
	cfg      *config.Config
	store    store.Store
	sessions *session.Registry
	presence *presence.Tracker
	router   *router.Router
	verifier auth.TokenVerifier
	logger   *slog.Logger
}

// New builds a Gateway from configuration: opens the SQLite store, wires the
// registry, presence tracker, router, and (optionally) the AI responder.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var ai responder.Responder
	if cfg.Responder.Enabled {
		httpResponder := responder.NewHTTPResponder(cfg.Responder.BaseURL, cfg.Responder.Model, cfg.Responder.APIKey)
		ai = httpResponder
		logger.Info("AI fallback enabled", "base_url", cfg.Responder.BaseURL, "model", httpResponder.Model)
	}

	sessions := session.NewRegistry(st, logger)
	tracker := presence.NewTracker(logger)
	rt := router.New(st, sessions, tracker, ai, router.Options{
		ClaimGracePeriod: cfg.Chat.ClaimGracePeriod,
		ResponderTimeout: cfg.Responder.Timeout,
	}, logger)

	return &Gateway{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		presence: tracker,
		router:   rt,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:   logger.With("component", "gateway"),
	}, nil
}

// Routes returns the HTTP surface: health, session bootstrap, transcript
// fetch, the agent console listing, and the WebSocket endpoint.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", g.handleHealth)
	r.Get("/ws", g.handleWS)

	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/sessions", g.handleCreateSession)
		r.Get("/sessions", g.handleListSessions)
		r.Get("/sessions/{sessionID}/messages", g.handleListMessages)
	})

	return r
}

// Run serves HTTP until the context is cancelled, then shuts down cleanly.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    g.cfg.Server.HTTPAddr,
		Handler: g.Routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if g.cfg.Chat.SessionIdleTimeout > 0 {
		go g.runJanitor(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.store.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown incomplete", "error", err)
	}
	return g.store.Close()
}
