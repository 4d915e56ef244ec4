// Package armory is the public API for embedding the Armory bandit server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := armory.New(
//	    armory.WithVersion(version),
//	    armory.WithLogger(logger),
//	    armory.WithLLMClient(myLocalModel),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: armory (root) imports
// internal/*, but internal/* never imports armory (root).
package armory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/kireilab/armory/api"
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

// App is the Armory server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	limiter      ratelimit.Limiter
	optimizerSvc *optimizer.Service
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Armory server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.operatorKeyHash != "" {
		cfg.OperatorKeyHash = o.operatorKeyHash
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("armory starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	editorClient := editor.New(cfg.EditorURL, cfg.EditorModel, cfg.EditorTimeout)
	banditSvc := bandit.New(db, cfg, logger)

	// LLM client — external override takes priority over OPENAI_API_KEY.
	var llm optimizer.LLMClient
	switch {
	case o.llm != nil:
		llm = o.llm
	case cfg.OpenAIAPIKey != "":
		llm = optimizer.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OptimizerModel, logger)
	}

	var optimizerSvc *optimizer.Service
	if llm != nil {
		proposer := optimizer.NewProposer(llm, cfg.ProposerTimeout, logger)
		optimizerSvc = optimizer.New(db, banditSvc, proposer, cfg, logger)
		banditSvc.SetNegativeFeedbackHook(optimizerSvc.OptimizeArmDetached)
		logger.Info("optimizer: enabled")
	} else {
		logger.Info("optimizer: disabled (no LLM client)")
	}

	generateSvc := generate.New(banditSvc, editorClient, db, cfg.EditorModel, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
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
	if optimizerSvc != nil {
		srvCfg.OptimizerSvc = optimizerSvc
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          server.New(srvCfg),
		limiter:      limiter,
		optimizerSvc: optimizerSvc,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for mounting the App inside a
// larger server or exercising it with httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and the scheduled batch optimization sweep,
// then blocks until ctx is cancelled or the server fails. On cancellation
// it drains in-flight requests and releases all resources.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.optimizerSvc != nil && a.cfg.BatchInterval > 0 {
		go a.batchLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	a.logger.Info("armory shutting down")

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.logger.Info("armory stopped")
	return nil
}

func (a *App) batchLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.optimizerSvc.RunBatch(ctx)
			if err != nil {
				a.logger.Warn("batch optimize sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("batch optimize sweep complete", "proposed", n)
			}
		}
	}
}

func (a *App) close() {
	_ = a.limiter.Close()
	a.db.Close()
	_ = a.otelShutdown(context.Background())
}
