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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/suPer8Hu/chunkflow/internal/ai"
	"github.com/suPer8Hu/chunkflow/internal/config"
	"github.com/suPer8Hu/chunkflow/internal/db"
	"github.com/suPer8Hu/chunkflow/internal/delivery"
	"github.com/suPer8Hu/chunkflow/internal/httpapi"
	"github.com/suPer8Hu/chunkflow/internal/httpapi/handlers"
	"github.com/suPer8Hu/chunkflow/internal/logging"
	"github.com/suPer8Hu/chunkflow/internal/report"
	"github.com/suPer8Hu/chunkflow/internal/store/rabbitmq"
	"github.com/suPer8Hu/chunkflow/internal/store/redisstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(append(delivery.Models(), &report.Report{})...); err != nil {
		slog.Error("automigrate failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var registry delivery.Registry
	switch cfg.RegistryBackend {
	case "file":
		registry = delivery.NewFileRegistry(cfg.RegistryFile)
	default:
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rds.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rds.Ping(pingCtx); err != nil {
			// resolution degrades to open-ended mode until redis is back
			slog.Warn("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		registry = rds.Registry(cfg.RegistryKey, cfg.RegistryMaxAge)
	}

	providers := ai.NewRegistry()
	providers.RegisterBuiltins(ai.ProviderSettings{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
		GeminiAPIKey:      cfg.GeminiAPIKey,
		GeminiModel:       cfg.GeminiModel,
	})
	llm, err := providers.Get(ctx, cfg.AIProvider, cfg.AIModel)
	if err != nil {
		// lead-ins are skipped and open-ended turns get the fallback text
		slog.Warn("llm provider unavailable", "provider", cfg.AIProvider, "error", err)
		llm = nil
	}

	repo := delivery.NewRepo(gdb)
	journal := delivery.NewJournal(repo)
	settings := delivery.NewSettingsStore(repo, delivery.Defaults{
		PersonalizationEnabled: cfg.DefaultPersonalization,
		ConversationAware:      cfg.DefaultConversationAware,
	})
	sessions := delivery.NewSessions(repo, settings, registry)
	reports := report.NewStore(gdb)

	var generator delivery.ReportGenerator
	switch cfg.ReportMode {
	case "queue":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			slog.Error("rabbit publisher failed", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		generator = report.NewQueuedGenerator(reports, pub)
	default:
		generator = report.NewGenerator(reports, repo, cfg.ReportDir)
	}

	orch := delivery.NewOrchestrator(delivery.OrchestratorDeps{
		Resolver: delivery.NewResolver(repo, registry,
			delivery.WithRetry(cfg.ResolverAttempts, cfg.ResolverBackoff),
			delivery.WithMaxAge(cfg.RegistryMaxAge),
		),
		Sessions:   sessions,
		Repo:       repo,
		LeadIn:     delivery.NewLeadInGenerator(llm, cfg.LeadInTimeout),
		Completion: delivery.NewCompletionHandler(journal, generator, cfg.ReportWait),
		OpenEnded:  delivery.NewOpenEnded(llm, cfg.OpenEndedSystemPrompt, cfg.ChatContextWindowSize),
	})

	h := handlers.NewHandler(handlers.Deps{
		Orchestrator: orch,
		Sessions:     sessions,
		Journal:      journal,
		Settings:     settings,
		Reports:      reports,
		ModelName:    cfg.WebhookModelName,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", cfg.HTTPAddr, "registry", cfg.RegistryBackend, "reports", cfg.ReportMode, "llm", cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
