package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"relay/internal/auth"
	"relay/internal/capabilities"
	"relay/internal/config"
	"relay/internal/git"
	"relay/internal/handler"
	"relay/internal/handler/sse"
	"relay/internal/middleware"
	"relay/internal/realtime"
	"relay/internal/repository/postgres"
	postgresChat "relay/internal/repository/postgres/chat"
	"relay/internal/service"
	"relay/internal/service/chat/engine"
	"relay/internal/service/chat/orchestrator"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	// In debug mode, tee logs to a timestamped file as well
	var logOut io.Writer = os.Stdout
	if cfg.Debug {
		if logFile, err := config.SetupLogFile("logs", 5); err == nil {
			defer logFile.Close()
			logOut = io.MultiWriter(os.Stdout, logFile)
		}
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Create JWT verifier
	jwtVerifier, err := auth.NewJWTVerifier(cfg.JWKSURL, logger)
	if err != nil {
		log.Fatalf("Failed to create JWT verifier: %v", err)
	}
	defer jwtVerifier.Close()

	// Create pgx connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Create repositories
	tables := postgres.NewTableNames(cfg.TablePrefix)
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	messageRepo := postgresChat.NewMessageRepository(repoConfig)
	taskRepo := postgresChat.NewTaskRepository(repoConfig)
	checkpointRepo := postgresChat.NewCheckpointRepository(repoConfig)
	userPrefsRepo := postgres.NewUserPreferencesRepository(repoConfig)

	// Initialize capability registry
	capabilityRegistry, err := capabilities.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to initialize capability registry: %v", err)
	}
	logger.Info("capability registry initialized")

	// Completion engine (Anthropic provider + git tools)
	completionEngine, err := engine.NewEngine(cfg.AnthropicAPIKey, cfg.MaxToolRounds, logger)
	if err != nil {
		log.Fatalf("Failed to create completion engine: %v", err)
	}

	// Realtime hub for SSE fan-out; cleanup runs for the process lifetime
	hub := realtime.NewHub(time.Minute, 5*time.Minute)
	go hub.StartCleanup(ctx)

	// Orchestrator: streaming turns, queuing, interruption, automation
	orchestratorService := orchestrator.NewService(orchestrator.Config{
		Engine:       completionEngine,
		Messages:     messageRepo,
		Tasks:        taskRepo,
		Checkpoints:  checkpointRepo,
		Preferences:  userPrefsRepo,
		Hub:          hub,
		Tx:           postgres.NewTransactionManager(pool),
		Logger:       logger,
		DefaultModel: cfg.DefaultModel,
		Agent: git.Identity{
			Name:  cfg.AgentName,
			Email: cfg.AgentEmail,
		},
		FlushInterval:  cfg.FlushInterval,
		InterruptGrace: cfg.InterruptGrace,
	})

	// User preferences service
	userPrefsService := service.NewUserPreferencesService(userPrefsRepo, capabilityRegistry, logger)

	// Create handlers
	taskHandler := handler.NewTaskHandler(taskRepo, messageRepo, orchestratorService, logger)
	messageHandler := handler.NewMessageHandler(orchestratorService, taskHandler, logger)
	sseHandler := handler.NewSSEHandler(hub, taskRepo, messageRepo, sse.DefaultConfig(), logger)
	modelsHandler := handler.NewModelsHandler(cfg, logger, capabilityRegistry)
	userPrefsHandler := handler.NewUserPreferencesHandler(userPrefsService, logger)

	logger.Info("services initialized")

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", taskHandler.HealthCheck)

	// Task routes
	mux.HandleFunc("POST /api/tasks", taskHandler.CreateTask)
	mux.HandleFunc("GET /api/tasks", taskHandler.ListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", taskHandler.GetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", taskHandler.DeleteTask)
	mux.HandleFunc("GET /api/tasks/{id}/messages", taskHandler.ListMessages)
	mux.HandleFunc("GET /api/tasks/{id}/queued", taskHandler.GetQueuedAction)

	// Turn routes
	mux.HandleFunc("POST /api/tasks/{id}/messages", messageHandler.SubmitMessage)
	mux.HandleFunc("POST /api/tasks/{id}/stop", messageHandler.StopStream)
	mux.HandleFunc("POST /api/tasks/{id}/stack", messageHandler.CreateStackedTask)
	mux.HandleFunc("PATCH /api/messages/{id}", messageHandler.EditMessage)

	// Streaming routes
	mux.HandleFunc("GET /api/tasks/{id}/stream", sseHandler.StreamTask) // SSE streaming endpoint

	// Model capabilities routes
	mux.HandleFunc("GET /api/models/capabilities", modelsHandler.GetCapabilities)

	// User preferences routes
	mux.HandleFunc("GET /api/users/me/preferences", userPrefsHandler.GetPreferences)
	mux.HandleFunc("PATCH /api/users/me/preferences", userPrefsHandler.UpdatePreferences)

	// Build middleware chain
	var httpHandler http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Logging → Recovery → Auth → Routes
	httpHandler = middleware.Auth(jwtVerifier)(httpHandler)
	httpHandler = middleware.Recovery(logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	logger.Info("server listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
