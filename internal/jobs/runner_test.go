package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tendant/simple-cartoonizer/internal/logging"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/process"
	"github.com/tendant/simple-cartoonizer/internal/stage"
	"github.com/tendant/simple-cartoonizer/internal/store"
)

// fakeExecutor walks the state machine and then returns result. When block
// is set it waits for release or cancellation before finishing.
type fakeExecutor struct {
	block   chan struct{}
	started chan string
	err     error
}

func (f *fakeExecutor) ExecuteWithState(ctx context.Context, req pipeline.Request, onState pipeline.StateFunc) (*pipeline.Outcome, error) {
	if f.started != nil {
		f.started <- req.JobID
	}
	onState(req.JobID, pipeline.StateCreated, "")
	onState(req.JobID, pipeline.StateTrimmed, stage.NameTrimResize)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &pipeline.Outcome{JobID: req.JobID, State: pipeline.StateFailed, FailedStage: stage.NameStylize},
				&pipeline.Error{Stage: stage.NameStylize, Reason: "canceled", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return &pipeline.Outcome{JobID: req.JobID, State: pipeline.StateFailed}, f.err
	}
	return &pipeline.Outcome{JobID: req.JobID, State: pipeline.StateSucceeded, FinalPath: "/out/" + req.JobID + "_final.mp4"}, nil
}

type fakeDeliverer struct{ err error }

func (d fakeDeliverer) Deliver(_ context.Context, path string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return "https://signed.example" + path, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []process.JobStatus
}

func (n *recordingNotifier) JobUpdated(_ context.Context, job *process.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, job.Status)
}

func newRunner(exec Executor, max int, opts ...func(*Options)) (*Runner, *store.MemoryStore) {
	s := store.NewMemoryStore()
	o := Options{Executor: exec, Store: s, Logger: logging.Discard(), MaxJobs: max}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o), s
}

func TestRunSucceeds(t *testing.T) {
	notifier := &recordingNotifier{}
	r, _ := newRunner(&fakeExecutor{}, 1, func(o *Options) {
		o.Deliverer = fakeDeliverer{}
		o.Notifier = notifier
	})

	job, err := r.Run(context.Background(), pipeline.Request{JobID: "job-1", Input: "in.mp4"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if job.Status != process.JobStatusSucceeded || job.OutputPath != "/out/job-1_final.mp4" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.DownloadURL != "https://signed.example/out/job-1_final.mp4" {
		t.Fatalf("unexpected download url %q", job.DownloadURL)
	}
	if job.State != string(pipeline.StateSucceeded) {
		t.Fatalf("state = %q", job.State)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	last := notifier.statuses[len(notifier.statuses)-1]
	if notifier.statuses[0] != process.JobStatusRunning || last != process.JobStatusSucceeded {
		t.Fatalf("unexpected notifications %v", notifier.statuses)
	}
}

func TestRunRecordsFailureWithUserMessage(t *testing.T) {
	pe := &pipeline.Error{Stage: stage.NameMux, Reason: "mux failed", Err: errors.New("/secret/path exploded")}
	r, _ := newRunner(&fakeExecutor{err: pe}, 1)

	job, err := r.Run(context.Background(), pipeline.Request{JobID: "job-2"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if job.Status != process.JobStatusFailed || job.FailedStage != stage.NameMux {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Error != pe.UserMessage() {
		t.Fatalf("job error %q should be the user message", job.Error)
	}
}

func TestDeliveryFailureKeepsLocalResult(t *testing.T) {
	r, _ := newRunner(&fakeExecutor{}, 1, func(o *Options) { o.Deliverer = fakeDeliverer{err: errors.New("s3 down")} })

	job, err := r.Run(context.Background(), pipeline.Request{JobID: "job-3"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if job.Status != process.JobStatusSucceeded || job.DownloadURL != "" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestSubmitReportsBusy(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan string, 1)}
	r, _ := newRunner(exec, 1)

	if _, err := r.Submit(context.Background(), pipeline.Request{JobID: "a"}); err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	<-exec.started

	if _, err := r.Submit(context.Background(), pipeline.Request{JobID: "b"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Submit = %v, want ErrBusy", err)
	}

	close(exec.block)
	job, err := r.Wait(context.Background(), "a")
	if err != nil || job.Status != process.JobStatusSucceeded {
		t.Fatalf("Wait = %+v, %v", job, err)
	}
}

func TestCancel(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan string, 1)}
	r, _ := newRunner(exec, 2)

	if _, err := r.Submit(context.Background(), pipeline.Request{JobID: "c"}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	<-exec.started

	if !r.Cancel("c") {
		t.Fatal("Cancel should find the running job")
	}
	job, err := r.Wait(context.Background(), "c")
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if job.Status != process.JobStatusCanceled || job.FailedStage != stage.NameStylize {
		t.Fatalf("unexpected job %+v", job)
	}
	if r.Cancel("c") {
		t.Fatal("Cancel should not find a finished job")
	}
}

func TestSubmitRejectsDuplicateIDs(t *testing.T) {
	r, s := newRunner(&fakeExecutor{}, 2)
	if err := s.Create(context.Background(), process.NewJob(process.KindVideo, "dup", "")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := r.Submit(context.Background(), pipeline.Request{JobID: "dup"}); !errors.Is(err, store.ErrExists) {
		t.Fatalf("Submit = %v, want ErrExists", err)
	}
	if _, err := r.Run(context.Background(), pipeline.Request{JobID: "fresh"}); err != nil {
		t.Fatalf("Run after rejection returned error: %v", err)
	}
}

func TestShutdown(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan string, 1)}
	r, _ := newRunner(exec, 1)

	if _, err := r.Submit(context.Background(), pipeline.Request{JobID: "d"}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}
	if _, err := r.Submit(context.Background(), pipeline.Request{JobID: "e"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after shutdown = %v, want ErrClosed", err)
	}
}
