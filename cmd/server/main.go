// ChatFunnel - conversation engine server for the embedded chat widget.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/chatfunnel/internal/agentpath"
	"github.com/ashureev/chatfunnel/internal/api"
	"github.com/ashureev/chatfunnel/internal/cohort"
	"github.com/ashureev/chatfunnel/internal/config"
	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/identity"
	"github.com/ashureev/chatfunnel/internal/middleware"
	"github.com/ashureev/chatfunnel/internal/notify"
	"github.com/ashureev/chatfunnel/internal/retrieval"
	"github.com/ashureev/chatfunnel/internal/session"
	"github.com/ashureev/chatfunnel/internal/shadow"
	"github.com/ashureev/chatfunnel/internal/store"
	"github.com/ashureev/chatfunnel/internal/widget"
	"github.com/ashureev/chatfunnel/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"shadow_enabled", cfg.ShadowEnabled,
		"rollout_percentage", cfg.RolloutPercentage)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Answer provider (optional: without it the engine still runs the
	// dialogue flows with fallback responses).
	var provider dialogue.AnswerProvider
	if cfg.AnswerServiceURL != "" {
		provider = retrieval.NewClient(cfg.AnswerServiceURL, cfg.AnswerTimeout)
		slog.Info("Answer service configured", "url", cfg.AnswerServiceURL, "timeout", cfg.AnswerTimeout)
	} else {
		slog.Warn("ANSWER_SERVICE_URL not set, turns will use fallback responses")
	}

	machine := dialogue.NewMachine(provider, cfg.AnswerTimeout)
	agent := agentpath.NewRunner(provider, cfg.AnswerTimeout)
	cohorts := cohort.NewAssigner(repo, cfg.RolloutPercentage)
	shadowRunner := shadow.NewRunner(repo, agent, cfg.AnswerTimeout, cfg.ShadowEnabled)

	var sink notify.Sink = notify.NoopSink{}
	if cfg.LeadWebhookURL != "" {
		webhookSink := notify.NewWebhookSink(cfg.LeadWebhookURL, cfg.LeadWebhookWait)
		defer webhookSink.Close()
		sink = webhookSink
		slog.Info("Lead webhook configured", "url", cfg.LeadWebhookURL)
	}

	svc := session.NewService(repo, machine, agent, cohorts, shadowRunner, sink, cfg.SessionTTL)

	// Initialize handlers.
	baseHandler := api.NewHandler()
	chatHandler := api.NewChatHandler(baseHandler, svc)
	adminHandler := api.NewAdminHandler(baseHandler, repo, cohorts, shadowRunner)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := widget.NewWebSocketHandler(svc, widget.NewConnManager(), cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)
	adminHandler.RegisterRoutes(r)

	r.Get("/ws/widget", wsHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/widget.js", web.WidgetScriptHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.StartSweeper(ctx, repo, cfg.SessionTTL, cfg.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Let in-flight shadow comparisons land before the process exits.
	shadowRunner.Wait()

	slog.Info("Server stopped")
}
