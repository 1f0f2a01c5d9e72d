// Package stage implements the four steps of the video pipeline. Each stage
// takes typed inputs and returns either exactly one well-formed Artifact or a
// *Error; a partially written output is removed before the error is returned.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/converters"
	"github.com/tendant/simple-cartoonizer/internal/engine"
	"github.com/tendant/simple-cartoonizer/internal/runner"
)

// Stage names as reported to callers.
const (
	NameInput        = "Input"
	NameTrimResize   = "Trim+Resize"
	NameAudioExtract = "Audio-Extract"
	NameStylize      = "Stylize"
	NameMux          = "Mux"
)

// Artifact is one file produced by a stage.
type Artifact struct {
	Path  string
	Role  artifact.Role
	Stage string
	// Absent marks a deliberately empty artifact, such as the audio track
	// of a silent source. Path is still set but no file exists.
	Absent bool
}

// Kind classifies a stage failure.
type Kind string

const (
	KindInput         Kind = "input"
	KindExecution     Kind = "execution"
	KindMissingOutput Kind = "missing_output"
)

// Error is a stage failure.
type Error struct {
	Stage   string
	Kind    Kind
	Message string
	Stderr  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by a process timeout.
func (e *Error) Timeout() bool {
	var re *runner.Error
	return errors.As(e.Err, &re) && re.Kind == runner.KindTimeout
}

func execError(stage, msg string, err error) *Error {
	se := &Error{Stage: stage, Kind: KindExecution, Message: msg, Err: err}
	var re *runner.Error
	if errors.As(err, &re) {
		se.Stderr = runner.Tail(re.Stderr, 2048)
	}
	return se
}

// Transcoder is the subset of the ffmpeg converter the stages need.
type Transcoder interface {
	TrimResize(ctx context.Context, input, output string, opts converters.TrimResizeOptions) error
	ExtractAudio(ctx context.Context, input, output string) error
	Mux(ctx context.Context, video, audio, output string) error
	MuxVideoOnly(ctx context.Context, video, output string) error
	Probe(ctx context.Context, input string) (*converters.FileInfo, error)
}

// CheckInput validates the raw upload before any stage runs.
func CheckInput(path string) error {
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &Error{Stage: NameInput, Kind: KindInput, Message: "upload not found", Err: err}
	case err != nil:
		return &Error{Stage: NameInput, Kind: KindInput, Message: "upload unreadable", Err: err}
	case !fi.Mode().IsRegular():
		return &Error{Stage: NameInput, Kind: KindInput, Message: "upload is not a regular file"}
	case fi.Size() == 0:
		return &Error{Stage: NameInput, Kind: KindInput, Message: "upload is empty"}
	}
	return nil
}

// TrimResize normalises the raw upload into the resized video at output.
func TrimResize(ctx context.Context, tc Transcoder, input, output string, opts converters.TrimResizeOptions) (Artifact, error) {
	if err := tc.TrimResize(ctx, input, output, opts); err != nil {
		discard(output)
		return Artifact{}, execError(NameTrimResize, "transcode failed", err)
	}
	if err := verifyOutput(NameTrimResize, output); err != nil {
		return Artifact{}, err
	}
	if err := checkStreams(ctx, tc, NameTrimResize, output, true, false); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: output, Role: artifact.RoleResizedVideo, Stage: NameTrimResize}, nil
}

// ExtractAudio copies the audio stream of the resized video to output. A
// source without audio yields an Absent artifact instead of an error.
func ExtractAudio(ctx context.Context, tc Transcoder, resized, output string) (Artifact, error) {
	a := Artifact{Path: output, Role: artifact.RoleAudioTrack, Stage: NameAudioExtract}

	info, err := tc.Probe(ctx, resized)
	if err != nil {
		return Artifact{}, execError(NameAudioExtract, "probe failed", err)
	}
	if !info.HasAudio {
		a.Absent = true
		return a, nil
	}

	if err := tc.ExtractAudio(ctx, resized, output); err != nil {
		discard(output)
		return Artifact{}, execError(NameAudioExtract, "audio copy failed", err)
	}
	if err := verifyOutput(NameAudioExtract, output); err != nil {
		return Artifact{}, err
	}
	if err := checkStreams(ctx, tc, NameAudioExtract, output, false, true); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Stylize runs the engine over the resized video. The returned artifact
// points at whatever path the engine reports once tc confirms it holds a
// video stream.
func Stylize(ctx context.Context, eng engine.Engine, tc Transcoder, resized, frameRate string) (Artifact, error) {
	out, err := eng.ProcessVideo(ctx, resized, frameRate)
	if err != nil {
		if out != "" {
			discard(out)
		}
		return Artifact{}, execError(NameStylize, "engine failed", err)
	}
	if out == "" {
		return Artifact{}, &Error{Stage: NameStylize, Kind: KindMissingOutput, Message: "engine returned no output path"}
	}
	if err := verifyOutput(NameStylize, out); err != nil {
		return Artifact{}, err
	}
	if err := checkStreams(ctx, tc, NameStylize, out, true, false); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: out, Role: artifact.RoleStylizedVideo, Stage: NameStylize}, nil
}

// Mux combines the stylized video and the audio track into the final
// deliverable. An Absent audio artifact produces a video-only file.
func Mux(ctx context.Context, tc Transcoder, stylized, audio Artifact, output string) (Artifact, error) {
	var err error
	if audio.Absent {
		err = tc.MuxVideoOnly(ctx, stylized.Path, output)
	} else {
		err = tc.Mux(ctx, stylized.Path, audio.Path, output)
	}
	if err != nil {
		discard(output)
		return Artifact{}, execError(NameMux, "mux failed", err)
	}
	if err := verifyOutput(NameMux, output); err != nil {
		return Artifact{}, err
	}
	if err := checkStreams(ctx, tc, NameMux, output, true, !audio.Absent); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: output, Role: artifact.RoleFinalVideo, Stage: NameMux}, nil
}

// verifyOutput checks that path exists with a non-zero size. An empty file
// is removed.
func verifyOutput(stage, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return &Error{Stage: stage, Kind: KindMissingOutput, Message: "expected output missing", Err: err}
	}
	if fi.Size() == 0 {
		discard(path)
		return &Error{Stage: stage, Kind: KindMissingOutput, Message: "output is empty"}
	}
	return nil
}

// checkStreams probes path and requires the named streams. A file that
// fails the check is removed.
func checkStreams(ctx context.Context, tc Transcoder, stage, path string, video, audio bool) error {
	info, err := tc.Probe(ctx, path)
	if err != nil {
		discard(path)
		return execError(stage, "probe of output failed", err)
	}
	switch {
	case video && !info.HasVideo:
		discard(path)
		return &Error{Stage: stage, Kind: KindMissingOutput, Message: "output has no video stream"}
	case audio && !info.HasAudio:
		discard(path)
		return &Error{Stage: stage, Kind: KindMissingOutput, Message: "output has no audio stream"}
	}
	return nil
}

func discard(path string) {
	_ = os.Remove(path)
}
