//go:build nats

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/config"
	"github.com/tendant/simple-cartoonizer/internal/converters"
	"github.com/tendant/simple-cartoonizer/internal/jobs"
	"github.com/tendant/simple-cartoonizer/internal/logging"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/store"
	"github.com/tendant/simple-cartoonizer/internal/upload"
	"github.com/tendant/simple-cartoonizer/pkg/schema"
)

type fakeContent struct {
	mu      sync.Mutex
	fetches int
}

func (f *fakeContent) Parent(_ context.Context, id uuid.UUID) (*simplecontent.Content, error) {
	return &simplecontent.Content{ID: id, Status: string(simplecontent.ContentStatusUploaded)}, nil
}

func (f *fakeContent) FetchSource(_ context.Context, _ uuid.UUID, dst string) (*upload.Source, error) {
	f.mu.Lock()
	f.fetches++
	data := fmt.Sprintf("source-%d", f.fetches)
	f.mu.Unlock()
	if err := os.WriteFile(dst, []byte(data), 0o644); err != nil {
		return nil, err
	}
	return &upload.Source{Path: dst, Size: int64(len(data))}, nil
}

func (f *fakeContent) UploadCartoon(context.Context, *simplecontent.Content, string, upload.UploadOptions) (*simplecontent.Content, error) {
	return &simplecontent.Content{ID: uuid.New()}, nil
}

type fakeProber struct{}

func (fakeProber) Probe(context.Context, string) (*converters.FileInfo, error) {
	return &converters.FileInfo{HasVideo: true, HasAudio: true}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	done []schema.CartoonDone
}

func (p *recordingPublisher) PublishJSON(_ string, v any) error {
	if d, ok := v.(schema.CartoonDone); ok {
		p.mu.Lock()
		p.done = append(p.done, d)
		p.mu.Unlock()
	}
	return nil
}

// gatedExecutor holds every run until release is closed, then reads the
// upload it was given and writes a final video.
type gatedExecutor struct {
	namer   *artifact.Namer
	started chan pipeline.Request
	release chan struct{}

	mu     sync.Mutex
	inputs map[string]string // job id -> upload content seen after release
}

func (e *gatedExecutor) ExecuteWithState(ctx context.Context, req pipeline.Request, _ pipeline.StateFunc) (*pipeline.Outcome, error) {
	e.started <- req
	select {
	case <-e.release:
	case <-ctx.Done():
		os.Remove(req.Input)
		return &pipeline.Outcome{JobID: req.JobID, State: pipeline.StateFailed}, &pipeline.Error{Stage: pipeline.StagePipeline, Reason: "canceled", Err: ctx.Err()}
	}
	data, _ := os.ReadFile(req.Input)
	e.mu.Lock()
	e.inputs[req.JobID] = string(data)
	e.mu.Unlock()
	os.Remove(req.Input)

	final := e.namer.Path(req.JobID, artifact.RoleFinalVideo)
	if err := os.WriteFile(final, []byte("final"), 0o644); err != nil {
		return nil, err
	}
	return &pipeline.Outcome{JobID: req.JobID, State: pipeline.StateSucceeded, FinalPath: final}, nil
}

func newTestWorker(t *testing.T, maxJobs int) (*worker, *gatedExecutor, *recordingPublisher) {
	t.Helper()
	dir := t.TempDir()
	namer := artifact.NewNamer(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	if err := namer.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	exec := &gatedExecutor{
		namer:   namer,
		started: make(chan pipeline.Request, 4),
		release: make(chan struct{}),
		inputs:  make(map[string]string),
	}
	pub := &recordingPublisher{}
	pool := jobs.New(jobs.Options{
		Executor: exec,
		Store:    store.NewMemoryStore(),
		Logger:   logging.Discard(),
		MaxJobs:  maxJobs,
	})
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return &worker{
		cfg:      config.Default(),
		namer:    namer,
		probe:    fakeProber{},
		jobs:     pool,
		uploader: &fakeContent{},
		nc:       pub,
		logger:   logging.Discard(),
	}, exec, pub
}

func waitStarted(t *testing.T, exec *gatedExecutor) pipeline.Request {
	t.Helper()
	select {
	case req := <-exec.started:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never started")
		return pipeline.Request{}
	}
}

func TestRedeliveredEventGetsItsOwnJob(t *testing.T) {
	w, exec, pub := newTestWorker(t, 2)
	evt := schema.VideoUploaded{ID: uuid.NewString(), ContentID: uuid.NewString(), Filename: "clip.mp4"}

	errs := make(chan error, 2)
	go func() { errs <- w.handle(context.Background(), evt) }()
	first := waitStarted(t, exec)
	go func() { errs <- w.handle(context.Background(), evt) }()
	second := waitStarted(t, exec)

	if first.JobID == second.JobID || first.Input == second.Input {
		t.Fatalf("duplicate event reused job %s / upload %s", first.JobID, first.Input)
	}
	if first.JobID == evt.ID || second.JobID == evt.ID {
		t.Fatal("publisher id used as job id")
	}

	close(exec.release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("handle returned error: %v", err)
		}
	}

	if exec.inputs[first.JobID] != "source-1" || exec.inputs[second.JobID] != "source-2" {
		t.Fatalf("uploads were overwritten: %v", exec.inputs)
	}
	if len(pub.done) != 2 {
		t.Fatalf("expected 2 done events, got %d", len(pub.done))
	}
	for _, d := range pub.done {
		if d.ID != evt.ID || d.Error != "" || d.Result == nil {
			t.Fatalf("unexpected done event %+v", d)
		}
	}
	if pub.done[0].JobID == pub.done[1].JobID {
		t.Fatal("done events share a job id")
	}
}

func TestRejectedSubmitLeavesRunningJobAlone(t *testing.T) {
	w, exec, pub := newTestWorker(t, 1)
	evt := schema.VideoUploaded{ID: uuid.NewString(), ContentID: uuid.NewString()}

	errs := make(chan error, 1)
	go func() { errs <- w.handle(context.Background(), evt) }()
	running := waitStarted(t, exec)

	err := w.handle(context.Background(), evt)
	if !errors.Is(err, jobs.ErrBusy) {
		t.Fatalf("expected ErrBusy for the second delivery, got %v", err)
	}
	if classifyError(err) != schema.FailureTypeRetryable {
		t.Fatalf("busy worker should be retryable, got %q", classifyError(err))
	}

	close(exec.release)
	if err := <-errs; err != nil {
		t.Fatalf("running job failed after the rejected delivery: %v", err)
	}
	if exec.inputs[running.JobID] != "source-1" {
		t.Fatalf("running job's upload changed: %q", exec.inputs[running.JobID])
	}
	if len(pub.done) != 2 || pub.done[0].Error == "" || pub.done[1].Error != "" {
		t.Fatalf("expected one failed then one successful done event, got %+v", pub.done)
	}
}
