// ABOUTME: HTTP server wiring the store, generator, queue, bus and engine together
// ABOUTME: Owns startup, route registration and graceful shutdown

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/generator"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tasks"
)

// Server hosts the chat and voice adapters, the operator API, the live
// event streams and the health endpoints on one HTTP listener. It owns
// every component's lifecycle: the background worker and sweeper start
// with Run and everything is released in Shutdown.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	store      store.Store
	queue      tasks.Queue
	eventBus   *bus.Bus
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	worker     *tasks.Worker
	sweeper    *engine.Sweeper
	verifier   *auth.JWTVerifier
	httpServer *http.Server
}

// New assembles a server from configuration. The context is used for
// backend handshakes (Postgres pool, Gemini client) during construction
// only. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gen, err := openGenerator(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	queue, err := openQueue(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eventBus := bus.New(queue, logger)

	engineCfg := engine.Config{
		Thresholds: engine.Thresholds{
			ConfidenceFloor:  cfg.Policy.ConfidenceFloor,
			ConfidenceStreak: cfg.Policy.ConfidenceStreak,
			SentimentFloor:   cfg.Policy.SentimentFloor,
			SentimentAlpha:   cfg.Policy.SentimentAlpha,
			FailureStreak:    cfg.Policy.FailureStreak,
		},
		GeneratorTimeout: cfg.Generator.Timeout,
		ContextWindow:    cfg.Generator.Window,
		IdleTimeout:      cfg.Policy.IdleTimeout,
	}
	eng := engine.New(st, gen, eventBus, queue, engineCfg, logger)

	var notifier tasks.Notifier
	if cfg.Notifications.WebhookURL != "" {
		notifier = tasks.NewWebhookNotifier(cfg.Notifications.WebhookURL)
	}

	s := &Server{
		config:     cfg,
		logger:     logger.With("component", "server"),
		store:      st,
		queue:      queue,
		eventBus:   eventBus,
		engine:     eng,
		dispatcher: dispatch.New(eng, logger),
		worker:     tasks.NewWorker(st, queue, notifier),
		sweeper: engine.NewSweeper(eng, engine.SweeperConfig{
			Interval:  cfg.Policy.SweepInterval,
			Retention: cfg.Retention(),
		}, logger),
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Database.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database.URL)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func openGenerator(ctx context.Context, cfg *config.Config) (generator.Generator, error) {
	switch cfg.Generator.Provider {
	case "rules":
		return generator.NewRulesGenerator(), nil
	case "gemini":
		return generator.NewGeminiGenerator(ctx, cfg.Generator.APIKey, cfg.Generator.Model)
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Generator.Provider)
	}
}

func openQueue(cfg *config.Config) (tasks.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return tasks.NewMemoryQueue(), nil
	case "nats":
		return tasks.NewNATSQueue(cfg.Queue.URL, cfg.Queue.SubjectPrefix)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// routes builds the HTTP mux. Operator endpoints sit behind the bearer
// middleware; guest endpoints are open.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /voice/inbound", s.handleVoiceInbound)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/conversations/{id}/stream", s.handleConversationStream)

	protected := auth.RequireToken(s.verifier)
	mux.Handle("GET /api/dashboard/stream", protected(http.HandlerFunc(s.handleDashboardStream)))
	mux.Handle("GET /api/admin/stats", protected(http.HandlerFunc(s.handleAdminStats)))
	mux.Handle("GET /api/admin/conversations", protected(http.HandlerFunc(s.handleListConversations)))
	mux.Handle("POST /api/conversations/{id}/resolve", protected(http.HandlerFunc(s.handleResolve)))
	mux.Handle("POST /api/conversations/{id}/escalate", protected(http.HandlerFunc(s.handleEscalate)))
	mux.Handle("POST /api/conversations/{id}/assign", protected(http.HandlerFunc(s.handleAssign)))

	return mux
}

// Run starts the server and blocks until the context is canceled or the
// listener fails. It returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}

	if err := s.worker.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("starting task worker: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Go(func() {
		s.sweeper.Run(runCtx)
	})

	errCh := s.startHTTPServer(ln)
	serverErr := s.waitForShutdownSignal(runCtx, errCh)

	// Stop the sweeper before tearing components down; it must not run a
	// sweep against a closing store.
	cancel()
	shutdownErr := s.gracefulShutdown()
	background.Wait()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startHTTPServer serves on the listener in a goroutine, returning the
// error channel.
func (s *Server) startHTTPServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and the
// configured timeout. Uses context.Background() intentionally since the
// run context is already canceled.
func (s *Server) gracefulShutdown() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every owned component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	// The broadcaster goes first: SSE handlers hold their connections open
	// until their subscriber channel closes, and the HTTP shutdown below
	// waits for those connections to drain.
	s.eventBus.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.engine.Close()
	errs = appendCloseError(errs, "queue close", s.queue.Close())
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness based on store and queue reachability.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, h)
}
