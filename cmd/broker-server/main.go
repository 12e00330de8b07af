package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opsbridge-ai/toolbroker/internal/agent"
	"github.com/opsbridge-ai/toolbroker/internal/agent/openai"
	"github.com/opsbridge-ai/toolbroker/internal/api"
	"github.com/opsbridge-ai/toolbroker/internal/broker"
	"github.com/opsbridge-ai/toolbroker/internal/gateway"
	"github.com/opsbridge-ai/toolbroker/internal/guard"
	"github.com/opsbridge-ai/toolbroker/internal/policy"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
	"github.com/opsbridge-ai/toolbroker/internal/route"
	"github.com/opsbridge-ai/toolbroker/internal/storage"
	"github.com/opsbridge-ai/toolbroker/internal/store"
)

func main() {
	_ = godotenv.Load()

	// Logger
	logger := mustBuildLogger(envOrDefault("BROKER_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("BROKER_HTTP_PORT", "8080")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	openaiModel := envOrDefault("BROKER_MODEL", "gpt-4o")
	openaiBase := os.Getenv("OPENAI_BASE_URL")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	cacheTTL := envOrDefaultInt("BROKER_AUTH_CACHE_TTL_S", 30)

	logger.Info("starting broker server",
		zap.String("http_port", httpPort),
		zap.String("model", openaiModel),
	)

	// Prompt extraction + parameter resolution
	extractor := resolve.NewPatternExtractor()
	resolver, err := resolve.New(extractor)
	if err != nil {
		logger.Fatal("failed to build resolver", zap.Error(err))
	}

	// Policy + intent guard
	firewall := policy.NewFirewall()
	intentGuard := guard.New(extractor, firewall)

	// LLM provider
	if openaiKey == "" {
		logger.Fatal("OPENAI_API_KEY is required")
	}
	var providerOpts []openai.Option
	if openaiBase != "" {
		providerOpts = append(providerOpts, openai.WithBaseURL(openaiBase))
	}
	providerOpts = append(providerOpts, openai.WithTimeout(envOrDefaultDuration("BROKER_LLM_TIMEOUT_S", 120)))
	var provider agent.Provider
	provider, err = openai.New(openaiKey, openaiModel, providerOpts...)
	if err != nil {
		logger.Fatal("failed to build llm provider", zap.Error(err))
	}

	// Backend process supervisor — subprocess commands from env, e.g.
	// BROKER_BACKEND_PR_CMD="python3 pr_server.py".
	supConfigs := map[string]gateway.Config{}
	for backend, timeout := range map[string]time.Duration{
		"pr":      route.DefaultTimeouts().PR,
		"pricing": route.DefaultTimeouts().Pricing,
	} {
		envKey := "BROKER_BACKEND_" + strings.ToUpper(backend) + "_CMD"
		cmd := os.Getenv(envKey)
		if cmd == "" {
			continue
		}
		supConfigs[backend] = gateway.Config{
			Command: strings.Fields(cmd),
			Dir:     os.Getenv("BROKER_BACKEND_" + strings.ToUpper(backend) + "_DIR"),
			WarmUp:  envOrDefaultDuration("BROKER_BACKEND_WARMUP_S", 0),
			Timeout: timeout,
		}
		logger.Info("supervised backend configured", zap.String("backend", backend))
	}
	supervisor := gateway.NewSupervisor(supConfigs, logger)

	supervised := make([]string, 0, len(supConfigs))
	for backend := range supConfigs {
		supervised = append(supervised, backend)
	}
	router := route.New(supervisor, supervised, route.DefaultTimeouts(), logger)

	// Storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Authenticator — Postgres-backed keys, or static dev keys
	var auth api.Authenticator
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		auth = api.NewPostgresAuthenticator(store.NewStore(db), time.Duration(cacheTTL)*time.Second, logger)
		logger.Info("postgres connected")
	} else {
		auth = api.NewStaticAuthenticator()
		logger.Warn("no POSTGRES_DSN set, accepting any tbk_ key as admin")
	}

	// Broker orchestrator
	b := broker.New(provider, firewall, resolver, intentGuard, router, writer, logger)

	deps := &api.Dependencies{
		Broker:    b,
		Firewall:  firewall,
		Auth:      auth,
		Backends:  router,
		Processes: supervisor,
		Logger:    logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	supervisor.Shutdown()

	logger.Info("broker server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(envOrDefaultInt(key, defaultSeconds)) * time.Second
}
