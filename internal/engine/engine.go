// Package engine adapts the external stylization model. The model itself is
// opaque: callers hand it a frame or a whole clip and get a cartoonized result
// back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/runner"
)

// Engine is the stylization model contract. Implementations never modify
// their input file.
type Engine interface {
	// Infer cartoonizes a single RGB frame.
	Infer(ctx context.Context, frame image.Image) (image.Image, error)

	// ProcessVideo cartoonizes the clip at path and returns the location of
	// a new silent video. frameRate is the integer frame rate as a string.
	ProcessVideo(ctx context.Context, path, frameRate string) (string, error)
}

// OutputPathFor returns where the engine writes the stylized version of input.
func OutputPathFor(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + artifact.StylizedSuffix + ".mp4"
}

// CommandEngine runs the model through an external cartoonizer executable:
//
//	<binary> video --model-dir DIR --input IN --output OUT --frame-rate N [--gpu]
//	<binary> image --model-dir DIR --input IN --output OUT [--gpu]
type CommandEngine struct {
	binary   string
	modelDir string
	gpu      bool
	runner   runner.Runner
	timeout  time.Duration
}

// CommandOptions configures a CommandEngine.
type CommandOptions struct {
	Binary   string
	ModelDir string
	GPU      bool
	Runner   runner.Runner
	Timeout  time.Duration
}

// NewCommandEngine validates opts and returns the engine handle. It is meant
// to be built once per process and shared.
func NewCommandEngine(opts CommandOptions) (*CommandEngine, error) {
	if opts.Binary == "" {
		return nil, errors.New("engine binary is required")
	}
	r := opts.Runner
	if r == nil {
		r = runner.NewExecRunner()
	}
	return &CommandEngine{
		binary:   opts.Binary,
		modelDir: opts.ModelDir,
		gpu:      opts.GPU,
		runner:   r,
		timeout:  opts.Timeout,
	}, nil
}

func (e *CommandEngine) args(mode, input, output string, extra ...string) []string {
	args := []string{mode}
	if e.modelDir != "" {
		args = append(args, "--model-dir", e.modelDir)
	}
	args = append(args, "--input", input, "--output", output)
	args = append(args, extra...)
	if e.gpu {
		args = append(args, "--gpu")
	}
	return args
}

// ProcessVideo implements Engine.
func (e *CommandEngine) ProcessVideo(ctx context.Context, path, frameRate string) (string, error) {
	output := OutputPathFor(path)
	cmd := runner.Command{
		Name:    e.binary,
		Args:    e.args("video", path, output, "--frame-rate", frameRate),
		Timeout: e.timeout,
	}
	if _, err := e.runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("cartoonize video: %w", err)
	}
	return output, nil
}

// Infer implements Engine by exchanging PNG files with the executable.
func (e *CommandEngine) Infer(ctx context.Context, frame image.Image) (image.Image, error) {
	dir, err := os.MkdirTemp("", "cartoon-frame-*")
	if err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "in.png")
	output := filepath.Join(dir, "out.png")
	if err := imaging.Save(frame, input); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	cmd := runner.Command{Name: e.binary, Args: e.args("image", input, output), Timeout: e.timeout}
	if _, err := e.runner.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("cartoonize image: %w", err)
	}

	out, err := imaging.Open(output)
	if err != nil {
		return nil, fmt.Errorf("read cartoonized frame: %w", err)
	}
	return out, nil
}

// Serialized bounds the number of concurrent calls into a shared Engine.
// Callers waiting for a slot give up when their context ends.
type Serialized struct {
	engine Engine
	slots  chan struct{}
}

// NewSerialized wraps e so at most slots calls run at once.
func NewSerialized(e Engine, slots int) *Serialized {
	if slots <= 0 {
		slots = 1
	}
	return &Serialized{engine: e, slots: make(chan struct{}, slots)}
}

func (s *Serialized) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for engine slot: %w", ctx.Err())
	}
}

func (s *Serialized) release() { <-s.slots }

// Infer implements Engine.
func (s *Serialized) Infer(ctx context.Context, frame image.Image) (image.Image, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.engine.Infer(ctx, frame)
}

// ProcessVideo implements Engine.
func (s *Serialized) ProcessVideo(ctx context.Context, path, frameRate string) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()
	return s.engine.ProcessVideo(ctx, path, frameRate)
}
