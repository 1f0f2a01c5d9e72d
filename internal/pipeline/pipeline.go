// Package pipeline drives one video through Trim+Resize, Audio-Extract,
// Stylize and Mux, and owns every intermediate file the run creates.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/samber/lo"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/config"
	"github.com/tendant/simple-cartoonizer/internal/converters"
	"github.com/tendant/simple-cartoonizer/internal/engine"
	"github.com/tendant/simple-cartoonizer/internal/stage"
)

// State is a position in the job state machine.
type State string

const (
	StateCreated        State = "created"
	StateTrimmed        State = "trimmed"
	StateAudioExtracted State = "audio_extracted"
	StateStylized       State = "stylized"
	StateMuxed          State = "muxed"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StagePipeline names failures that happen outside any stage, such as a
// recovered panic.
const StagePipeline = "pipeline"

// Request describes one job.
type Request struct {
	// JobID is generated when empty.
	JobID string
	// Input is the raw upload. Defaults to the namer's raw upload path.
	Input string
	// RemoveUpload deletes Input when the run ends.
	RemoveUpload bool
}

// Outcome is what a run produced.
type Outcome struct {
	JobID       string
	State       State
	FailedStage string
	FinalPath   string
	Silent      bool
	// Artifacts lists every path the run caused to exist, in creation order.
	Artifacts       []string
	CleanupWarnings int
	Duration        time.Duration
}

// Error is a failed run.
type Error struct {
	Stage  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is safe to show to end users. It never contains paths or
// process output.
func (e *Error) UserMessage() string {
	switch e.Stage {
	case stage.NameInput:
		return "The uploaded video could not be read."
	case StagePipeline:
		return "Something went wrong while cartoonizing the video."
	default:
		return fmt.Sprintf("Cartoonizing the video failed at the %s step.", e.Stage)
	}
}

// Observer receives timing information. Implementations must be safe for
// concurrent use.
type Observer interface {
	StageFinished(stage string, d time.Duration, err error)
	JobFinished(state State, d time.Duration)
}

// Options configures a Pipeline.
type Options struct {
	Config     config.PipelineConfig
	Namer      *artifact.Namer
	Transcoder stage.Transcoder
	Engine     engine.Engine
	Logger     *slog.Logger
	Observer   Observer
}

// Pipeline runs jobs. It holds no per-job state and is safe for concurrent
// use.
type Pipeline struct {
	cfg      config.PipelineConfig
	namer    *artifact.Namer
	tc       stage.Transcoder
	eng      engine.Engine
	logger   *slog.Logger
	observer Observer
}

// New validates opts and returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Namer == nil {
		return nil, errors.New("pipeline: namer is required")
	}
	if opts.Transcoder == nil {
		return nil, errors.New("pipeline: transcoder is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      opts.Config,
		namer:    opts.Namer,
		tc:       opts.Transcoder,
		eng:      opts.Engine,
		logger:   logger,
		observer: opts.Observer,
	}, nil
}

// Namer returns the layout used for job files.
func (p *Pipeline) Namer() *artifact.Namer { return p.namer }

// StateFunc is called on every state transition of a run.
type StateFunc func(jobID string, state State, stage string)

type run struct {
	req     Request
	logger  *slog.Logger
	onState StateFunc
	state   State
	out     *Outcome
	cleaned bool
}

func (r *run) track(path string) {
	if path != "" && !lo.Contains(r.out.Artifacts, path) {
		r.out.Artifacts = append(r.out.Artifacts, path)
	}
}

func (r *run) transition(s State, stageName string) {
	r.state = s
	r.out.State = s
	if r.onState != nil {
		r.onState(r.req.JobID, s, stageName)
	}
}

// Execute runs req to a terminal state. On failure it returns the outcome
// together with a *Error; intermediates are removed either way.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Outcome, error) {
	return p.ExecuteWithState(ctx, req, nil)
}

// ExecuteWithState is Execute with a transition callback.
func (p *Pipeline) ExecuteWithState(ctx context.Context, req Request, onState StateFunc) (out *Outcome, err error) {
	if req.JobID == "" {
		req.JobID = artifact.NewJobID()
	}
	if req.Input == "" {
		req.Input = p.namer.Path(req.JobID, artifact.RoleRawUpload)
	}

	started := time.Now()
	r := &run{
		req:     req,
		logger:  p.logger.With("job_id", req.JobID),
		onState: onState,
		out:     &Outcome{JobID: req.JobID},
	}
	r.transition(StateCreated, "")

	defer func() {
		if err != nil {
			var pe *Error
			if errors.As(err, &pe) {
				r.out.FailedStage = pe.Stage
			}
			r.transition(StateFailed, r.out.FailedStage)
		}
		p.cleanup(r, err == nil)
		r.out.Duration = time.Since(started)
		if p.observer != nil {
			p.observer.JobFinished(r.out.State, r.out.Duration)
		}
		if err == nil {
			r.logger.Info("job succeeded", "final", r.out.FinalPath, "silent", r.out.Silent, "duration_ms", r.out.Duration.Milliseconds())
		} else {
			r.logger.Error("job failed", "stage", r.out.FailedStage, "err", err, "duration_ms", r.out.Duration.Milliseconds())
		}
		out = r.out
	}()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline panic", "panic", rec, "stack", string(debug.Stack()))
			err = &Error{Stage: StagePipeline, Reason: fmt.Sprint(rec)}
		}
	}()

	if err := stage.CheckInput(req.Input); err != nil {
		return nil, toError(err)
	}
	r.logger.Info("job started", "input", req.Input)

	// Trim+Resize
	resizedPath := p.namer.Path(req.JobID, artifact.RoleResizedVideo)
	resized, err := p.step(ctx, r, stage.NameTrimResize, resizedPath, func() (stage.Artifact, error) {
		return stage.TrimResize(ctx, p.tc, req.Input, resizedPath, converters.TrimResizeOptions{
			Width:       p.cfg.ResizeDim,
			FrameRate:   p.cfg.FrameRate(),
			TrimSeconds: p.cfg.TrimSeconds(),
		})
	})
	if err != nil {
		return nil, err
	}
	r.transition(StateTrimmed, stage.NameTrimResize)

	// Audio-Extract
	audioPath := p.namer.Path(req.JobID, artifact.RoleAudioTrack)
	audio, err := p.step(ctx, r, stage.NameAudioExtract, audioPath, func() (stage.Artifact, error) {
		return stage.ExtractAudio(ctx, p.tc, resized.Path, audioPath)
	})
	if err != nil {
		return nil, err
	}
	r.out.Silent = audio.Absent
	r.transition(StateAudioExtracted, stage.NameAudioExtract)

	// Stylize
	stylized, err := p.step(ctx, r, stage.NameStylize, p.namer.Path(req.JobID, artifact.RoleStylizedVideo), func() (stage.Artifact, error) {
		return stage.Stylize(ctx, p.eng, p.tc, resized.Path, p.cfg.FrameRate())
	})
	if err != nil {
		return nil, err
	}
	r.track(stylized.Path)
	r.transition(StateStylized, stage.NameStylize)

	// Mux
	finalPath := p.namer.Path(req.JobID, artifact.RoleFinalVideo)
	final, err := p.step(ctx, r, stage.NameMux, finalPath, func() (stage.Artifact, error) {
		return stage.Mux(ctx, p.tc, stylized, audio, finalPath)
	})
	if err != nil {
		return nil, err
	}
	r.transition(StateMuxed, stage.NameMux)

	r.out.FinalPath = final.Path
	r.transition(StateSucceeded, "")
	return nil, nil
}

// step runs one stage after checking that the job is still live. expected
// is recorded before the stage starts so a crash mid-stage still gets
// cleaned up.
func (p *Pipeline) step(ctx context.Context, r *run, name, expected string, fn func() (stage.Artifact, error)) (stage.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return stage.Artifact{}, &Error{Stage: name, Reason: "canceled before start", Err: err}
	}
	r.track(expected)

	start := time.Now()
	a, err := fn()
	d := time.Since(start)
	if p.observer != nil {
		p.observer.StageFinished(name, d, err)
	}
	if err != nil {
		attrs := []any{"stage", name, "duration_ms", d.Milliseconds(), "err", err}
		var se *stage.Error
		if errors.As(err, &se) && se.Stderr != "" {
			attrs = append(attrs, "stderr", se.Stderr)
		}
		r.logger.Error("stage failed", attrs...)
		return stage.Artifact{}, toError(err)
	}
	r.logger.Info("stage finished", "stage", name, "duration_ms", d.Milliseconds(), "absent", a.Absent)
	return a, nil
}

func toError(err error) error {
	var se *stage.Error
	if !errors.As(err, &se) {
		return &Error{Stage: StagePipeline, Reason: "unexpected error", Err: err}
	}
	reason := se.Message
	switch {
	case se.Timeout():
		reason = "timed out"
	case errors.Is(err, context.Canceled):
		reason = "canceled"
	}
	return &Error{Stage: se.Stage, Reason: reason, Err: err}
}

// cleanup removes every intermediate exactly once. The final artifact is
// kept only on success; the raw upload only goes when the request asks.
func (p *Pipeline) cleanup(r *run, succeeded bool) {
	if r.cleaned {
		return
	}
	r.cleaned = true

	final := p.namer.Path(r.req.JobID, artifact.RoleFinalVideo)
	paths := lo.Uniq(append(append([]string{}, r.out.Artifacts...), p.namer.Intermediates(r.req.JobID)...))
	if succeeded {
		paths = lo.Without(paths, final)
	} else {
		paths = lo.Uniq(append(paths, final))
	}
	if r.req.RemoveUpload {
		paths = append(paths, r.req.Input)
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.out.CleanupWarnings++
			r.logger.Warn("cleanup failed", "path", path, "err", err)
		}
	}
}
