package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kireilab/armory/api"
	"github.com/kireilab/armory/internal/auth"
	"github.com/kireilab/armory/internal/config"
	"github.com/kireilab/armory/internal/editor"
	"github.com/kireilab/armory/internal/ratelimit"
	"github.com/kireilab/armory/internal/server"
	"github.com/kireilab/armory/internal/service/bandit"
	"github.com/kireilab/armory/internal/service/generate"
	"github.com/kireilab/armory/internal/service/optimizer"
	"github.com/kireilab/armory/internal/storage"
	"github.com/kireilab/armory/internal/telemetry"
	"github.com/kireilab/armory/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	if len(os.Args) > 1 && os.Args[1] == "genkey" {
		return genkey()
	}

	level := slog.LevelInfo
	if os.Getenv("ARMORY_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// genkey prints a fresh operator key with its Argon2id hash. The key goes
// to the operator; the hash goes into ARMORY_OPERATOR_KEY_HASH.
func genkey() int {
	key, err := auth.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "genkey:", err)
		return 1
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "genkey:", err)
		return 1
	}
	fmt.Println("operator key: ", key)
	fmt.Println("key hash:     ", hash)
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("armory starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Image editor client.
	editorClient := editor.New(cfg.EditorURL, cfg.EditorModel, cfg.EditorTimeout)
	if !editorClient.Healthy(ctx) {
		logger.Warn("editor backend unreachable at startup", "url", cfg.EditorURL)
	}

	// Bandit core: selection, feedback, guardrail, arm lifecycle.
	banditSvc := bandit.New(db, cfg, logger)

	// Optimizer: LLM-assisted diff proposal. Disabled without an API key;
	// every optimizer failure is soft, so the serving path never depends
	// on it.
	var optimizerSvc *optimizer.Service
	if cfg.OpenAIAPIKey != "" {
		llm := optimizer.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OptimizerModel, logger)
		proposer := optimizer.NewProposer(llm, cfg.ProposerTimeout, logger)
		optimizerSvc = optimizer.New(db, banditSvc, proposer, cfg, logger)
		banditSvc.SetNegativeFeedbackHook(optimizerSvc.OptimizeArmDetached)
		logger.Info("optimizer: enabled", "model", cfg.OptimizerModel)
	} else {
		logger.Info("optimizer: disabled (no OPENAI_API_KEY)")
	}

	generateSvc := generate.New(banditSvc, editorClient, db, cfg.EditorModel, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srvCfg := server.ServerConfig{
		DB:                  db,
		GenerateSvc:         generateSvc,
		BanditSvc:           banditSvc,
		EditorHealth:        editorClient,
		Limiter:             limiter,
		OperatorKeyHash:     cfg.OperatorKeyHash,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	}
	// A typed-nil *optimizer.Service in the interface field would read as
	// configured; only assign when the optimizer actually exists.
	if optimizerSvc != nil {
		srvCfg.OptimizerSvc = optimizerSvc
	}
	srv := server.New(srvCfg)

	// Scheduled batch sweep over all active arms.
	if optimizerSvc != nil && cfg.BatchInterval > 0 {
		go batchOptimizeLoop(ctx, optimizerSvc, logger, cfg.BatchInterval)
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("armory shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("armory stopped")
	return nil
}

// batchOptimizeLoop periodically sweeps every active arm through the
// optimizer. Proposals out of the sweep register inactive; an operator
// reviews and activates them.
func batchOptimizeLoop(ctx context.Context, svc *optimizer.Service, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.RunBatch(ctx)
			if err != nil {
				logger.Warn("batch optimize sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("batch optimize sweep complete", "proposed", n)
			}
		}
	}
}
