//go:build nats

// cmd/worker/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"
	simpleconfig "github.com/tendant/simple-content/pkg/simplecontent/config"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/bus"
	"github.com/tendant/simple-cartoonizer/internal/config"
	"github.com/tendant/simple-cartoonizer/internal/converters"
	"github.com/tendant/simple-cartoonizer/internal/engine"
	"github.com/tendant/simple-cartoonizer/internal/jobs"
	"github.com/tendant/simple-cartoonizer/internal/logging"
	"github.com/tendant/simple-cartoonizer/internal/metrics"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/process"
	"github.com/tendant/simple-cartoonizer/internal/runner"
	"github.com/tendant/simple-cartoonizer/internal/stage"
	"github.com/tendant/simple-cartoonizer/internal/store"
	"github.com/tendant/simple-cartoonizer/internal/upload"
	"github.com/tendant/simple-cartoonizer/pkg/schema"
)

func loadSimpleContentConfig() (*simpleconfig.ServerConfig, error) {
	opts := []simpleconfig.Option{
		simpleconfig.WithDatabase(getenv("DATABASE_TYPE", "postgres"), getenv("CONTENT_DATABASE_URL", "")),
		simpleconfig.WithDatabaseSchema(getenv("DATABASE_SCHEMA", "content")),
		simpleconfig.WithDefaultStorage(getenv("DEFAULT_STORAGE_BACKEND", "s3")),
	}

	switch getenv("DEFAULT_STORAGE_BACKEND", "s3") {
	case "s3":
		opts = append(opts, simpleconfig.WithS3StorageFull(
			"s3",
			getenv("AWS_S3_BUCKET", "xchangeai-content"),
			getenv("AWS_S3_REGION", "us-east-1"),
			getenv("AWS_ACCESS_KEY_ID", ""),
			getenv("AWS_SECRET_ACCESS_KEY", ""),
			getenv("AWS_S3_ENDPOINT", ""),
			getenvBool("AWS_S3_USE_SSL", false),
			getenvBool("AWS_S3_USE_PATH_STYLE", true),
		))
	case "memory":
		opts = append(opts, simpleconfig.WithMemoryStorage("memory"))
	}

	opts = append(opts,
		simpleconfig.WithEventLogging(false),
		simpleconfig.WithPreviews(false),
		simpleconfig.WithStorageDelegatedURLs(),
	)

	return simpleconfig.Load(opts...)
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

type worker struct {
	cfg      config.Config
	namer    *artifact.Namer
	probe    prober
	jobs     jobRunner
	uploader contentClient
	nc       publisher
	logger   *slog.Logger
}

type prober interface {
	Probe(ctx context.Context, path string) (*converters.FileInfo, error)
}

type jobRunner interface {
	Submit(ctx context.Context, req pipeline.Request) (*process.Job, error)
	Wait(ctx context.Context, id string) (*process.Job, error)
	Cancel(id string) bool
}

type contentClient interface {
	Parent(ctx context.Context, contentID uuid.UUID) (*simplecontent.Content, error)
	FetchSource(ctx context.Context, contentID uuid.UUID, dstPath string) (*upload.Source, error)
	UploadCartoon(ctx context.Context, parent *simplecontent.Content, path string, opts upload.UploadOptions) (*simplecontent.Content, error)
}

type publisher interface {
	PublishJSON(subject string, v any) error
}

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
	logger.Info("worker starting", "nats_url", cfg.NATSURL, "video_subject", cfg.VideoSubject, "queue", cfg.WorkerQueue, "result_subject", cfg.ResultSubject, "upload_dir", cfg.UploadDir, "output_dir", cfg.OutputDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contentCfg, err := loadSimpleContentConfig()
	if err != nil {
		fatal(logger, "load simplecontent config", err)
	}
	backendSummaries := make([]string, 0, len(contentCfg.StorageBackends))
	for _, b := range contentCfg.StorageBackends {
		backendSummaries = append(backendSummaries, fmt.Sprintf("%s(%s)", b.Name, b.Type))
	}
	logger.Info("loaded simplecontent config", "default_backend", contentCfg.DefaultStorageBackend, "storage_backends", backendSummaries)

	contentSvc, err := contentCfg.BuildService()
	if err != nil {
		fatal(logger, "build simplecontent service", err)
	}
	uploader := upload.NewClient(contentSvc, contentCfg.DefaultStorageBackend)

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

	rec := metrics.New()
	p, err := pipeline.New(pipeline.Options{
		Config:     cfg.Pipeline,
		Namer:      namer,
		Transcoder: conv,
		Engine:     engine.NewSerialized(cmdEngine, cfg.EngineSlots),
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

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	defer nc.Close()

	pool := jobs.New(jobs.Options{
		Executor: p,
		Store:    jobStore,
		Logger:   logger,
		MaxJobs:  cfg.MaxJobs,
		Notifier: bus.NewNotifier(nc, lifecycleSubject(cfg.ResultSubject), logger),
		Gauge:    rec,
	})
	w := &worker{
		cfg:      cfg,
		namer:    namer,
		probe:    conv,
		jobs:     pool,
		uploader: uploader,
		nc:       nc,
		logger:   logger,
	}

	// One handler per pool slot so MAX_JOBS videos run at once; further
	// messages wait in the subscription.
	timeout := handlerTimeout(cfg)
	_, err = nc.QueueDispatchJSON(cfg.VideoSubject, cfg.WorkerQueue, timeout, cfg.MaxJobs, func(jobCtx context.Context, data []byte) {
		var evt schema.VideoUploaded
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.Warn("discarding malformed message", "subject", cfg.VideoSubject, "err", err)
			return
		}
		if err := w.handle(jobCtx, evt); err != nil {
			logger.Error("job failed", "id", evt.ID, "content_id", evt.ContentID, "err", err)
		}
	})
	if err != nil {
		fatal(logger, "subscribe worker", err, "subject", cfg.VideoSubject, "queue", cfg.WorkerQueue)
	}
	logger.Info("listening for videos", "subject", cfg.VideoSubject, "queue", cfg.WorkerQueue, "handler_timeout", timeout, "max_jobs", cfg.MaxJobs)

	<-ctx.Done()
	logger.Info("worker stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job pool shutdown", "err", err)
	}
}

// handle runs one uploaded video end to end and always publishes a done
// event. Every message gets a fresh job id; the publisher's id is only
// echoed back, so a redelivered event never touches another job's files.
func (w *worker) handle(ctx context.Context, evt schema.VideoUploaded) error {
	state := &ProcessingState{JobID: artifact.NewJobID(), EventID: evt.ID, StartTime: time.Now()}
	logger := w.logger.With("job_id", state.JobID, "event_id", evt.ID)
	logger.Info("received video", "content_id", evt.ContentID, "filename", evt.Filename)

	fail := func(err error) error {
		failureType := classifyError(err)
		state.AddLifecycleEvent(schema.StageFailed, err, failureType)
		w.publishDone(state, nil, err, failureType)
		return err
	}

	contentID, err := uuid.Parse(strings.TrimSpace(evt.ContentID))
	if err != nil {
		logger.Warn("invalid content identifier", "content_id", evt.ContentID, "err", err)
		return fail(ValidationError{Type: schema.FailureTypeValidation, Message: fmt.Sprintf("invalid content_id %q", evt.ContentID)})
	}
	state.ParentContentID = contentID.String()
	logger = logger.With("content_id", state.ParentContentID)

	parent, err := w.uploader.Parent(ctx, contentID)
	if err != nil {
		return fail(fmt.Errorf("fetch content: %w", err))
	}
	if err := validateParent(parent); err != nil {
		logger.Warn("parent content not ready", "status", parent.Status)
		return fail(err)
	}
	w.advance(state, schema.StageValidation)

	w.advance(state, schema.StageDownload)
	raw := w.namer.Path(state.JobID, artifact.RoleRawUpload)
	src, err := w.uploader.FetchSource(ctx, contentID, raw)
	if err != nil {
		return fail(fmt.Errorf("fetch source: %w", err))
	}
	logger.Info("downloaded source", "path", src.Path, "bytes", src.Size)

	w.advance(state, schema.StageProcessing)
	submitted, err := w.jobs.Submit(ctx, pipeline.Request{JobID: state.JobID, Input: src.Path, RemoveUpload: true})
	if err != nil {
		os.Remove(src.Path)
		return fail(fmt.Errorf("submit pipeline: %w", err))
	}
	job, err := w.jobs.Wait(ctx, submitted.ID)
	if err != nil {
		// The job removes its own upload once canceled.
		w.jobs.Cancel(submitted.ID)
		return fail(fmt.Errorf("wait for pipeline: %w", err))
	}
	if job.Status != process.JobStatusSucceeded {
		state.FailedStage = job.FailedStage
		return fail(jobError(job))
	}
	defer func() {
		if err := os.Remove(job.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove local cartoon failed", "path", job.OutputPath, "err", err)
		}
	}()

	w.advance(state, schema.StageUpload)
	silent := false
	if info, err := w.probe.Probe(ctx, job.OutputPath); err != nil {
		logger.Warn("probe cartoon failed", "err", err)
	} else {
		silent = !info.HasAudio
	}
	name := cartoonFileName(evt.Filename, contentID.String())
	derived, err := w.uploader.UploadCartoon(ctx, parent, job.OutputPath, upload.UploadOptions{
		FileName:  name,
		Width:     w.cfg.Pipeline.ResizeDim,
		FrameRate: w.cfg.Pipeline.FrameRate(),
		Silent:    silent,
	})
	if err != nil {
		return fail(fmt.Errorf("upload cartoon: %w", err))
	}

	result := &schema.CartoonResult{
		ContentID: derived.ID.String(),
		Variant:   upload.Variant(w.cfg.Pipeline.ResizeDim),
		FileName:  name,
		Width:     w.cfg.Pipeline.ResizeDim,
		FrameRate: w.cfg.Pipeline.FrameRate(),
		HasAudio:  !silent,
	}
	state.AddLifecycleEvent(schema.StageCompleted, nil, "")
	w.publishDone(state, result, nil, "")
	logger.Info("completed job", "derived_content_id", result.ContentID, "processing_time_ms", state.GetProcessingDuration())
	return nil
}

func (w *worker) advance(state *ProcessingState, stage schema.ProcessingStage) {
	state.AddLifecycleEvent(stage, nil, "")
	event := state.Lifecycle[len(state.Lifecycle)-1]
	if err := w.nc.PublishJSON(lifecycleSubject(w.cfg.ResultSubject), event); err != nil {
		w.logger.Error("publish lifecycle event failed", "stage", stage, "err", err)
	}
}

func (w *worker) publishDone(state *ProcessingState, result *schema.CartoonResult, cause error, failureType schema.FailureType) {
	done := schema.CartoonDone{
		ID:               state.EventID,
		JobID:            state.JobID,
		ParentContentID:  state.ParentContentID,
		ProcessingTimeMs: state.GetProcessingDuration(),
		Result:           result,
		Lifecycle:        state.Lifecycle,
		FailedStage:      state.FailedStage,
		HappenedAt:       time.Now().Unix(),
	}
	if cause != nil {
		done.Error = userMessage(cause)
		done.FailureType = failureType
	}
	if err := w.nc.PublishJSON(w.cfg.ResultSubject, done); err != nil {
		w.logger.Error("publish result failed", "subject", w.cfg.ResultSubject, "id", state.JobID, "err", err)
	}
}

func lifecycleSubject(resultSubject string) string {
	return resultSubject + ".lifecycle"
}

// handlerTimeout bounds one message: every transcoder stage plus the engine.
func handlerTimeout(cfg config.Config) time.Duration {
	return 3*cfg.StageTimeout + cfg.EngineTimeout + time.Minute
}

// cartoonFileName derives the stored name from the uploaded one.
func cartoonFileName(uploaded, fallback string) string {
	base := filepath.Base(strings.TrimSpace(uploaded))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = fallback
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_cartoon.mp4"
}

func validateParent(parent *simplecontent.Content) error {
	required := string(simplecontent.ContentStatusUploaded)
	if parent.Status != required {
		return ValidationError{
			Type:    schema.FailureTypeValidation,
			Message: fmt.Sprintf("parent content status is '%s', expected '%s'", parent.Status, required),
		}
	}
	return nil
}

// JobFailure is a pipeline job that ended without a final video.
type JobFailure struct {
	Status  process.JobStatus
	Stage   string
	Message string
}

func (e JobFailure) Error() string {
	return fmt.Sprintf("job %s at %s: %s", e.Status, e.Stage, e.Message)
}

func jobError(job *process.Job) error {
	return JobFailure{Status: job.Status, Stage: job.FailedStage, Message: job.Error}
}

func userMessage(err error) string {
	var jf JobFailure
	if errors.As(err, &jf) && jf.Message != "" {
		return jf.Message
	}
	return err.Error()
}

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Type
	}

	var jf JobFailure
	if errors.As(err, &jf) {
		switch {
		case jf.Status == process.JobStatusCanceled:
			return schema.FailureTypeRetryable
		case jf.Stage == stage.NameInput:
			return schema.FailureTypeValidation
		case strings.Contains(jf.Message, "timed out"):
			return schema.FailureTypeRetryable
		default:
			return schema.FailureTypePermanent
		}
	}

	if errors.Is(err, jobs.ErrBusy) || errors.Is(err, jobs.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return schema.FailureTypeRetryable
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") {
		return schema.FailureTypeRetryable
	}
	if strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "unsupported") {
		return schema.FailureTypePermanent
	}

	return schema.FailureTypeRetryable
}

type ProcessingState struct {
	JobID           string
	EventID         string
	ParentContentID string
	FailedStage     string
	StartTime       time.Time
	Lifecycle       []schema.CartoonLifecycleEvent
}

func (ps *ProcessingState) AddLifecycleEvent(stage schema.ProcessingStage, err error, failureType schema.FailureType) {
	event := schema.CartoonLifecycleEvent{
		JobID:           ps.JobID,
		EventID:         ps.EventID,
		ParentContentID: ps.ParentContentID,
		Stage:           stage,
		HappenedAt:      time.Now().Unix(),
	}
	if err != nil {
		event.FailedStage = ps.FailedStage
		event.Error = userMessage(err)
		event.FailureType = failureType
	}
	ps.Lifecycle = append(ps.Lifecycle, event)
}

func (ps *ProcessingState) GetProcessingDuration() int64 {
	if ps.StartTime.IsZero() {
		return 0
	}
	return time.Since(ps.StartTime).Milliseconds()
}

type ValidationError struct {
	Type    schema.FailureType
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
