// Command aoipipe serves the AOI pipeline API: it starts pipeline runs,
// streams their progress over SSE and records run history in PostGIS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/aoipipe/api"
	"github.com/ashita-ai/aoipipe/internal/config"
	"github.com/ashita-ai/aoipipe/internal/model"
	"github.com/ashita-ai/aoipipe/internal/pipeline"
	"github.com/ashita-ai/aoipipe/internal/ratelimit"
	"github.com/ashita-ai/aoipipe/internal/server"
	"github.com/ashita-ai/aoipipe/internal/storage"
	"github.com/ashita-ai/aoipipe/internal/telemetry"
	"github.com/ashita-ai/aoipipe/internal/tracker"
	"github.com/ashita-ai/aoipipe/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// The level is re-read from the loaded config; the env lookup covers
	// messages logged while loading it.
	level := new(slog.LevelVar)
	level.Set(parseLevel(os.Getenv("AOIPIPE_LOG_LEVEL")))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, level); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(parseLevel(cfg.LogLevel))
	logger.Info("aoipipe starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return err
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	stages, err := buildStages(cfg, db)
	if err != nil {
		return err
	}

	// The broker feeds an in-process tracker so GET .../pipeline can report
	// the current run of any project, including runs started on other instances.
	broker := server.NewBroker(db, logger)
	status := tracker.NewStore()
	broker.Observe(func(ev model.Event) { status.Dispatch(ev) })
	status.OnComplete(func(run model.PipelineRun) {
		logger.Debug("tracker: run finished", "project_id", run.ProjectID,
			"pipeline_id", run.PipelineID, "status", run.Status)
	})

	// History is written before the broadcast so clients that react to
	// PipelineCompleted can read the finished run back.
	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		Stages:   stages,
		Projects: db,
		Emitter:  pipeline.Emitters(storage.NewRunRecorder(db, logger), broker),
		Injection: pipeline.FailureInjection{
			Enabled:  cfg.InjectFailure,
			StageKey: cfg.InjectFailureStage,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if cfg.InjectFailure {
		logger.Warn("failure injection enabled", "stage", cfg.InjectFailureStage)
	}

	limiter := ratelimit.NewMemoryLimiter(cfg.StartRateLimit, cfg.StartRateBurst)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Runner:              runner,
		Runs:                db,
		Broker:              broker,
		Status:              status,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := broker.Start(gctx); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("aoipipe shutting down")
		shutdown(srv, runner, cfg.ShutdownTimeout, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("aoipipe stopped")
	return err
}

// buildStages resolves the stage catalog (the built-in one unless
// AOIPIPE_STAGES_FILE names a YAML file) against the PostGIS handlers.
func buildStages(cfg config.Config, db *storage.DB) ([]pipeline.Stage, error) {
	decls := pipeline.DefaultStages
	if cfg.StagesFile != "" {
		catalog, err := pipeline.LoadCatalog(cfg.StagesFile)
		if err != nil {
			return nil, err
		}
		decls = catalog.Stages
	}
	reg := pipeline.NewRegistry()
	db.RegisterStages(reg, cfg.BufferMeters)
	return reg.Build(decls)
}

// shutdown stops accepting requests, then gives in-flight runs until the
// deadline to emit their completion events. Each phase gets the full timeout.
func shutdown(srv *server.Server, runner *pipeline.Runner, timeout time.Duration, logger *slog.Logger) {
	httpCtx, httpCancel := context.WithTimeout(context.Background(), timeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("shutdown timed out with runs still active", "active_runs", runner.Active())
	}
}
