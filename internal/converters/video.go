package converters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-cartoonizer/internal/runner"
)

// TrimResizeOptions controls the normalisation pass applied to every upload.
type TrimResizeOptions struct {
	Width       int    // target width; height follows the aspect ratio, rounded to even
	FrameRate   string // output frame rate passed to -r
	TrimSeconds int    // clip length from offset 0; zero keeps the whole input
	Preset      string // x264 preset, "veryfast" when empty
}

// FFmpegConverter drives ffmpeg and ffprobe through a runner.Runner.
type FFmpegConverter struct {
	ffmpegPath  string
	ffprobePath string
	runner      runner.Runner
	timeout     time.Duration
}

// Options configures an FFmpegConverter.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Runner      runner.Runner
	Timeout     time.Duration // per invocation
}

// NewFFmpegConverter creates a converter; empty options fall back to the
// binaries on PATH and an exec-based runner.
func NewFFmpegConverter(opts Options) *FFmpegConverter {
	c := &FFmpegConverter{
		ffmpegPath:  opts.FFmpegPath,
		ffprobePath: opts.FFprobePath,
		runner:      opts.Runner,
		timeout:     opts.Timeout,
	}
	if c.ffmpegPath == "" {
		c.ffmpegPath = "ffmpeg"
	}
	if c.ffprobePath == "" {
		c.ffprobePath = "ffprobe"
	}
	if c.runner == nil {
		c.runner = runner.NewExecRunner()
	}
	return c
}

// Name returns the converter name
func (f *FFmpegConverter) Name() string {
	return "ffmpeg"
}

// TrimResize clips input to opts.TrimSeconds, scales it to opts.Width and
// re-encodes it at opts.FrameRate.
func (f *FFmpegConverter) TrimResize(ctx context.Context, input, output string, opts TrimResizeOptions) error {
	return f.ffmpeg(ctx, TrimResizeArgs(input, output, opts))
}

// ExtractAudio copies the audio track of input into output without
// re-encoding.
func (f *FFmpegConverter) ExtractAudio(ctx context.Context, input, output string) error {
	return f.ffmpeg(ctx, ExtractAudioArgs(input, output))
}

// Mux combines the video stream of video with the audio stream of audio,
// stopping at the shorter of the two.
func (f *FFmpegConverter) Mux(ctx context.Context, video, audio, output string) error {
	return f.ffmpeg(ctx, MuxArgs(video, audio, output))
}

// MuxVideoOnly rewraps the video stream of video into output with no audio.
func (f *FFmpegConverter) MuxVideoOnly(ctx context.Context, video, output string) error {
	return f.ffmpeg(ctx, MuxVideoOnlyArgs(video, output))
}

// Probe returns metadata about the media file
func (f *FFmpegConverter) Probe(ctx context.Context, input string) (*FileInfo, error) {
	res, err := f.runner.Run(ctx, runner.Command{Name: f.ffprobePath, Args: ProbeArgs(input), Timeout: f.timeout})
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	info, err := ParseProbeJSON([]byte(res.Stdout))
	if err != nil {
		return nil, err
	}
	if mt, err := DetectMimeType(input); err == nil {
		info.MimeType = mt
	}
	if info.Size == 0 {
		if fi, err := os.Stat(input); err == nil {
			info.Size = fi.Size()
		}
	}
	return info, nil
}

func (f *FFmpegConverter) ffmpeg(ctx context.Context, args []string) error {
	if _, err := f.runner.Run(ctx, runner.Command{Name: f.ffmpegPath, Args: args, Timeout: f.timeout}); err != nil {
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// Common leading flags for every ffmpeg invocation.
func preamble() []string {
	return []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
}

// TrimResizeArgs builds the argv for the trim and resize pass.
//
// -ss 0 before -i seeks the input; -t caps the output length; scale=W:-2
// keeps the aspect ratio with an even height as required by libx264.
func TrimResizeArgs(input, output string, opts TrimResizeOptions) []string {
	preset := opts.Preset
	if preset == "" {
		preset = "veryfast"
	}

	args := append(preamble(), "-ss", "0", "-i", input)
	if opts.TrimSeconds > 0 {
		args = append(args, "-t", strconv.Itoa(opts.TrimSeconds))
	}
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:-2", opts.Width),
		"-r", opts.FrameRate,
		"-c:v", "libx264",
		"-preset", preset,
		"-pix_fmt", "yuv420p",
		// AAC so the audio can be stream-copied into an .aac container later.
		"-c:a", "aac",
		"-y", output,
	)
	return args
}

// ExtractAudioArgs builds the argv that demuxes the audio track.
func ExtractAudioArgs(input, output string) []string {
	return append(preamble(),
		"-i", input,
		"-vn",
		"-acodec", "copy",
		"-y", output,
	)
}

// MuxArgs builds the argv that joins a silent video with an audio track.
func MuxArgs(video, audio, output string) []string {
	return append(preamble(),
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		"-movflags", "+faststart",
		"-y", output,
	)
}

// MuxVideoOnlyArgs builds the argv for a source without audio.
func MuxVideoOnlyArgs(video, output string) []string {
	return append(preamble(),
		"-i", video,
		"-map", "0:v:0",
		"-c:v", "copy",
		"-an",
		"-movflags", "+faststart",
		"-y", output,
	)
}

// ProbeArgs builds the argv for a single ffprobe JSON call.
func ProbeArgs(input string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type ffprobeStream struct {
	CodecName    string         `json:"codec_name"`
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	Duration     string         `json:"duration"`
	Disposition  map[string]int `json:"disposition"`
}

// ParseProbeJSON converts raw ffprobe JSON output into a FileInfo. The first
// video stream that is not cover art supplies the picture fields; the first
// audio stream supplies AudioCodec.
func ParseProbeJSON(data []byte) (*FileInfo, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	info := &FileInfo{
		MimeType:   "video/unknown",
		FormatName: raw.Format.FormatName,
		Duration:   parseFloat(raw.Format.Duration),
		Size:       parseInt64(raw.Format.Size),
	}

	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo || s.Disposition["attached_pic"] == 1 {
				continue
			}
			info.HasVideo = true
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.FrameRate = s.AvgFrameRate
			if info.Duration == 0 {
				info.Duration = parseFloat(s.Duration)
			}
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.AudioCodec = s.CodecName
		}
	}
	return info, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
