// Package jobs admits video jobs into a bounded worker pool, runs them
// through the pipeline and keeps their records current in the job store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/process"
	"github.com/tendant/simple-cartoonizer/internal/store"
)

// ErrBusy is returned by Submit when every worker slot is taken.
var ErrBusy = errors.New("all workers are busy")

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("job runner is shut down")

// Executor runs one pipeline request.
type Executor interface {
	ExecuteWithState(ctx context.Context, req pipeline.Request, onState pipeline.StateFunc) (*pipeline.Outcome, error)
}

// Deliverer publishes a finished file and returns a download URL.
type Deliverer interface {
	Deliver(ctx context.Context, localPath string) (string, error)
}

// Notifier is told about every change to a job record.
type Notifier interface {
	JobUpdated(ctx context.Context, job *process.Job)
}

// Gauge tracks pool occupancy.
type Gauge interface {
	JobStarted()
	JobDone()
}

// Options configures a Runner.
type Options struct {
	Executor  Executor
	Store     store.Store
	Logger    *slog.Logger
	MaxJobs   int
	Deliverer Deliverer // optional
	Notifier  Notifier  // optional
	Gauge     Gauge     // optional
}

// Runner owns the worker pool. Jobs run on a context detached from the
// request that submitted them and end only by finishing, by Cancel or by
// Shutdown.
type Runner struct {
	exec      Executor
	store     store.Store
	logger    *slog.Logger
	deliverer Deliverer
	notifier  Notifier
	gauge     Gauge

	g      *errgroup.Group
	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	closed bool
	active map[string]*entry
}

type entry struct {
	cancel   context.CancelFunc
	canceled bool
	done     chan struct{}
}

func New(opts Options) *Runner {
	max := opts.MaxJobs
	if max <= 0 {
		max = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := new(errgroup.Group)
	g.SetLimit(max)
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		exec:      opts.Executor,
		store:     opts.Store,
		logger:    logger,
		deliverer: opts.Deliverer,
		notifier:  opts.Notifier,
		gauge:     opts.Gauge,
		g:         g,
		base:      base,
		stop:      stop,
		active:    make(map[string]*entry),
	}
}

// Submit records a pending job and starts it if a worker is free.
func (r *Runner) Submit(ctx context.Context, req pipeline.Request) (*process.Job, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	if req.JobID == "" {
		req.JobID = artifact.NewJobID()
	}
	job := process.NewJob(process.KindVideo, req.JobID, req.Input)
	jobCtx, cancel := context.WithCancel(r.base)
	e := &entry{cancel: cancel, done: make(chan struct{})}
	ready := make(chan bool, 1)

	started := r.g.TryGo(func() error {
		if ok := <-ready; !ok {
			return nil
		}
		r.run(jobCtx, e, job, req)
		return nil
	})
	if !started {
		cancel()
		return nil, ErrBusy
	}

	if err := r.store.Create(ctx, job); err != nil {
		ready <- false
		cancel()
		return nil, fmt.Errorf("record job: %w", err)
	}
	snapshot := *job
	r.mu.Lock()
	r.active[job.ID] = e
	r.mu.Unlock()
	ready <- true

	return &snapshot, nil
}

// Run submits req and waits for it to finish.
func (r *Runner) Run(ctx context.Context, req pipeline.Request) (*process.Job, error) {
	job, err := r.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx, job.ID)
}

// Wait blocks until job id is terminal or ctx ends, and returns the record.
func (r *Runner) Wait(ctx context.Context, id string) (*process.Job, error) {
	r.mu.Lock()
	e, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.Get(ctx, id)
}

// Cancel stops a running job. It reports false for unknown or finished jobs.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[id]
	if !ok {
		return false
	}
	e.canceled = true
	e.cancel()
	return true
}

// Shutdown stops admitting jobs and waits for running ones. When ctx ends
// first, running jobs are canceled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = r.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.stop()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, e *entry, job *process.Job, req pipeline.Request) {
	logger := r.logger.With("job_id", job.ID)
	if r.gauge != nil {
		r.gauge.JobStarted()
		defer r.gauge.JobDone()
	}
	defer func() {
		e.cancel()
		r.mu.Lock()
		delete(r.active, job.ID)
		r.mu.Unlock()
		close(e.done)
	}()

	process.MarkRunning(job)
	r.save(logger, job)

	out, err := r.exec.ExecuteWithState(ctx, req, func(_ string, s pipeline.State, _ string) {
		if s.Terminal() {
			return
		}
		process.MarkState(job, string(s))
		r.save(logger, job)
	})

	if err != nil {
		r.mu.Lock()
		canceled := e.canceled
		r.mu.Unlock()

		job.State = string(pipeline.StateFailed)
		var pe *pipeline.Error
		switch {
		case canceled:
			job.FailedStage = failedStage(out)
			process.MarkCanceled(job)
		case errors.As(err, &pe):
			process.MarkFailed(job, pe.Stage, pe.UserMessage())
		default:
			process.MarkFailed(job, pipeline.StagePipeline, "Something went wrong while cartoonizing the video.")
		}
		r.save(logger, job)
		return
	}

	job.State = string(pipeline.StateSucceeded)
	if r.deliverer != nil {
		url, derr := r.deliverer.Deliver(ctx, out.FinalPath)
		if derr != nil {
			logger.Warn("deliver final video failed", "err", derr)
		} else {
			job.DownloadURL = url
		}
	}
	process.MarkSucceeded(job, out.FinalPath)
	r.save(logger, job)
}

func failedStage(out *pipeline.Outcome) string {
	if out == nil {
		return ""
	}
	return out.FailedStage
}

// save persists job and notifies. Store errors are logged, not returned:
// the pipeline result stands regardless.
func (r *Runner) save(logger *slog.Logger, job *process.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Update(ctx, job); err != nil {
		logger.Warn("update job record failed", "status", job.Status, "err", err)
	}
	if r.notifier != nil {
		snapshot := *job
		r.notifier.JobUpdated(ctx, &snapshot)
	}
}
