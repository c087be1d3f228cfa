// worker serves OCR jobs, either from the hosted serverless queue or from a
// local HTTP job API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/example/chandra-ocr/worker-go/internal/config"
	"github.com/example/chandra-ocr/worker-go/internal/handler"
	"github.com/example/chandra-ocr/worker-go/internal/httpapi"
	"github.com/example/chandra-ocr/worker-go/internal/logging"
	"github.com/example/chandra-ocr/worker-go/internal/ocr"
	"github.com/example/chandra-ocr/worker-go/internal/runtime"
	"github.com/example/chandra-ocr/worker-go/internal/store"
)

func main() {
	loadDotEnv()
	config.ApplyOfflineDefaults()
	cfg := config.Load()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	engine, err := ocr.Load(ctx, ocr.Options{
		Backend:         cfg.Backend,
		Checkpoint:      cfg.Checkpoint,
		CacheDir:        cfg.CacheDir,
		Offline:         cfg.Offline,
		InferenceURL:    cfg.InferenceURL,
		APIKey:          cfg.InferenceAPIKey,
		ServedModel:     cfg.ServedModel,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	h := handler.New(engine,
		handler.WithMaxImageBytes(cfg.MaxImageBytes),
		handler.WithLogger(logger),
	)

	if cfg.Serverless.Enabled() {
		w := &runtime.Serverless{
			Config:      cfg.Serverless,
			Handler:     h,
			Concurrency: cfg.Concurrency,
			Logger:      logger,
		}
		return w.Run(ctx)
	}
	return serveLocal(ctx, cfg, h, logger)
}

func serveLocal(ctx context.Context, cfg config.Config, h runtime.JobHandler, logger *slog.Logger) error {
	jobs, err := store.Open(ctx, store.Config{Driver: cfg.Store, DataDir: cfg.DataDir, RedisURL: cfg.RedisURL})
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobs.Close() //nolint:errcheck // best-effort close

	disp := &runtime.Dispatcher{
		Store:            jobs,
		Handler:          h,
		Concurrency:      cfg.Concurrency,
		ExecutionTimeout: cfg.ExecutionTimeout,
		// A sqlite file belongs to this process alone; redis may be shared.
		RequeueOnStart: cfg.Store == "" || cfg.Store == store.DriverSQLite,
		Logger:         logger,
	}
	api := httpapi.Server{
		Jobs:           jobs,
		Dispatcher:     disp,
		APIKey:         cfg.APIKey,
		RunsyncTimeout: cfg.RunsyncTimeout,
		Logger:         logger,
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error {
		logger.Info("API listening", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
