package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/staffdesk/agent-server-go/internal/config"
	"github.com/staffdesk/agent-server-go/internal/database"
	"github.com/staffdesk/agent-server-go/internal/handler"
	"github.com/staffdesk/agent-server-go/internal/jobs"
	"github.com/staffdesk/agent-server-go/internal/middleware"
	"github.com/staffdesk/agent-server-go/internal/permission"
	"github.com/staffdesk/agent-server-go/internal/provider"
	"github.com/staffdesk/agent-server-go/internal/redis"
	"github.com/staffdesk/agent-server-go/internal/repository"
	"github.com/staffdesk/agent-server-go/internal/service"
	"github.com/staffdesk/agent-server-go/internal/staffops"
	"github.com/staffdesk/agent-server-go/internal/stream"
	"github.com/staffdesk/agent-server-go/internal/tool"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	accountRepo := repository.NewAccountRepository(db.DB)
	chatRepo := repository.NewChatSessionRepository(db.DB)
	msgRepo := repository.NewMessageRepository(db.DB)
	actionRepo := repository.NewPendingActionRepository(db.DB)
	grantRepo := repository.NewToolGrantRepository(db.DB)

	broker := stream.NewBroker(redisClient)
	defer broker.Close()

	staffopsClient := staffops.NewClient(cfg.StaffOpsBaseURL, cfg.StaffOpsAPIKey)
	registry, err := tool.NewRegistry(staffops.ToolDefinitions(staffopsClient))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid tool registry")
	}

	gate := permission.NewGate(grantRepo)
	completion := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderModel)

	sessionService := service.NewSessionService(chatRepo, msgRepo, actionRepo)
	turnService := service.NewTurnService(
		chatRepo, msgRepo, actionRepo, completion, registry, gate,
		staffopsClient, broker,
		service.TurnConfig{
			HistoryWindow:   cfg.HistoryWindow,
			MaxToolRounds:   cfg.MaxToolRounds,
			ConfirmationTTL: cfg.ConfirmationTTL(),
		},
	)
	confirmationService := service.NewConfirmationService(
		db, chatRepo, msgRepo, actionRepo, registry, gate, broker,
	)

	authMiddleware := middleware.NewAuthMiddleware(accountRepo)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	chatHandler := handler.NewChatHandler(sessionService, turnService)
	actionHandler := handler.NewActionHandler(confirmationService, turnService)
	eventsHandler := handler.NewEventsHandler(broker, sessionService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	// the watcher stream, message-send stream and action decisions are
	// long-lived responses; only the plain CRUD routes sit behind the
	// request timeout
	requestTimeout := chimiddleware.Timeout(config.ServerRequestTimeout)

	r.Route("/v1/chats", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Get("/{chatID}/events", eventsHandler.ServeHTTP)
		r.Mount("/", chatHandler.Routes(requestTimeout, rateLimitMiddleware.Handler))
	})

	r.Route("/v1/actions", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Mount("/", actionHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(accountRepo, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		// streams are long-lived; no write timeout
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
