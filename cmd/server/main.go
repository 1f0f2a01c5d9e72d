// cmd/server serves the cartoonizer over HTTP.
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

	"github.com/go-chi/httplog/v2"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/blob"
	"github.com/tendant/simple-cartoonizer/internal/config"
	"github.com/tendant/simple-cartoonizer/internal/converters"
	"github.com/tendant/simple-cartoonizer/internal/engine"
	"github.com/tendant/simple-cartoonizer/internal/httpapi"
	"github.com/tendant/simple-cartoonizer/internal/jobs"
	"github.com/tendant/simple-cartoonizer/internal/logging"
	"github.com/tendant/simple-cartoonizer/internal/metrics"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/runner"
	"github.com/tendant/simple-cartoonizer/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("init logging", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	logger.Info("server starting",
		"http_addr", cfg.HTTPAddr,
		"upload_dir", cfg.UploadDir,
		"output_dir", cfg.OutputDir,
		"resize_dim", cfg.Pipeline.ResizeDim,
		"frame_rate", cfg.Pipeline.OutputFrameRate,
		"trim_seconds", cfg.Pipeline.TrimSeconds(),
		"gpu", cfg.Pipeline.GPU,
		"max_jobs", cfg.MaxJobs,
		"job_store", cfg.JobStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	namer := artifact.NewNamer(cfg.UploadDir, cfg.OutputDir)
	if err := namer.EnsureDirs(); err != nil {
		fatal(logger, "ensure directories", err)
	}

	exec := runner.NewExecRunner()
	conv := converters.NewFFmpegConverter(converters.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Runner:      exec,
		Timeout:     cfg.StageTimeout,
	})
	cmdEngine, err := engine.NewCommandEngine(engine.CommandOptions{
		Binary:   cfg.EngineBinary,
		ModelDir: cfg.EngineModelDir,
		GPU:      cfg.Pipeline.GPU,
		Runner:   exec,
		Timeout:  cfg.EngineTimeout,
	})
	if err != nil {
		fatal(logger, "init engine", err)
	}
	eng := engine.NewSerialized(cmdEngine, cfg.EngineSlots)
	logger.Info("engine ready", "binary", cfg.EngineBinary, "slots", cfg.EngineSlots)

	rec := metrics.New()
	p, err := pipeline.New(pipeline.Options{
		Config:     cfg.Pipeline,
		Namer:      namer,
		Transcoder: conv,
		Engine:     eng,
		Logger:     logger,
		Observer:   rec,
	})
	if err != nil {
		fatal(logger, "init pipeline", err)
	}

	jobStore, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		fatal(logger, "open job store", err, "job_store", cfg.JobStore)
	}
	defer closeStore()

	var published httpapi.Published
	opts := jobs.Options{
		Executor: p,
		Store:    jobStore,
		Logger:   logger,
		MaxJobs:  cfg.MaxJobs,
		Gauge:    rec,
	}
	if cfg.S3Bucket != "" {
		b, err := blob.New(ctx, blob.Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
			SignedURLTTL: cfg.SignedURLTTL,
		})
		if err != nil {
			fatal(logger, "init object storage", err, "bucket", cfg.S3Bucket)
		}
		opts.Deliverer = b
		published = b
		logger.Info("delivering results to object storage", "bucket", cfg.S3Bucket, "signed_url_ttl", cfg.SignedURLTTL)
	}
	pool := jobs.New(opts)

	level, _ := logging.ParseLevel(cfg.LogLevel)
	httpLogger := httplog.NewLogger("cartoonizer", httplog.Options{
		LogLevel: level,
		JSON:     cfg.LogFormat == "json",
		Concise:  true,
	})

	api := httpapi.New(httpapi.Options{
		Runner:      pool,
		Store:       jobStore,
		Engine:      eng,
		Namer:       namer,
		Logger:      logger,
		HTTPLogger:  httpLogger,
		Metrics:     rec.Handler(),
		ImageMaxDim: cfg.Pipeline.ResizeDim,
		Published:   published,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job pool shutdown", "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
