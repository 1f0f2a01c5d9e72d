// cmd/cartoonize runs one local file through the cartoonizer without the
// server or worker infrastructure.
//
// Usage:
//
//	./cartoonize -input clip.mp4 -output clip_cartoon.mp4
//	./cartoonize -input photo.png -output photo_cartoon.jpg
//	./cartoonize -input clip.mp4 -probe  # Show metadata only
//	./cartoonize -input s3://bucket/uploads/clip.mp4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/blob"
	"github.com/tendant/simple-cartoonizer/internal/config"
	"github.com/tendant/simple-cartoonizer/internal/converters"
	"github.com/tendant/simple-cartoonizer/internal/engine"
	"github.com/tendant/simple-cartoonizer/internal/img"
	"github.com/tendant/simple-cartoonizer/internal/logging"
	"github.com/tendant/simple-cartoonizer/internal/pipeline"
	"github.com/tendant/simple-cartoonizer/internal/runner"
)

func main() {
	input := flag.String("input", "", "Input file path or s3://bucket/key (required)")
	output := flag.String("output", "", "Output path (default: <input>_cartoon.<ext>)")
	probe := flag.Bool("probe", false, "Show file metadata only (don't convert)")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	bucket, key, remote := parseS3URI(*input)
	if _, err := os.Stat(*input); !remote && os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Input file not found: %s\n", *input)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	format := cfg.LogFormat
	if format == "text" {
		format = "tint"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: format, Output: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if remote {
		local, cleanup, err := fetchObject(ctx, cfg, bucket, key)
		if err != nil {
			fatal(logger, "download input", err)
		}
		defer cleanup()
		logger.Info("downloaded input", "bucket", bucket, "key", key)
		*input = local
	}
	// Results land next to the input, or in the working directory for
	// remote inputs.
	outBase := *input
	if remote {
		outBase = path.Base(key)
	}

	exec := runner.NewExecRunner()
	conv := converters.NewFFmpegConverter(converters.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Runner:      exec,
		Timeout:     cfg.StageTimeout,
	})

	mimeType, err := converters.DetectMimeType(*input)
	if err != nil {
		fatal(logger, "detect file type", err)
	}

	if *probe {
		info, err := conv.Probe(ctx, *input)
		if err != nil {
			fatal(logger, "probe file", err)
		}
		fmt.Println("File Metadata:")
		fmt.Println(strings.Repeat("-", 40))
		printFileInfo(info)
		return
	}

	eng, err := engine.NewCommandEngine(engine.CommandOptions{
		Binary:   cfg.EngineBinary,
		ModelDir: cfg.EngineModelDir,
		GPU:      cfg.Pipeline.GPU,
		Runner:   exec,
		Timeout:  cfg.EngineTimeout,
	})
	if err != nil {
		fatal(logger, "init engine", err)
	}

	start := time.Now()
	if converters.IsImage(mimeType) {
		dst := defaultOutput(outBase, *output, ".jpg")
		res, err := img.Cartoonize(ctx, eng, *input, dst, img.Options{MaxDim: cfg.Pipeline.ResizeDim})
		if err != nil {
			fatal(logger, "cartoonize image", err)
		}
		report(res.Path, time.Since(start))
		return
	}
	if !converters.Supported(mimeType) {
		logger.Warn("unrecognised input format, trying anyway", "mime_type", mimeType)
	}

	// Work in a scratch tree so the user's directory only ever sees the
	// final file.
	scratch, err := os.MkdirTemp("", "cartoonize-*")
	if err != nil {
		fatal(logger, "create scratch dir", err)
	}
	defer os.RemoveAll(scratch)
	namer := artifact.NewNamer(filepath.Join(scratch, "upload"), filepath.Join(scratch, "output"))
	if err := namer.EnsureDirs(); err != nil {
		fatal(logger, "create scratch dir", err)
	}

	p, err := pipeline.New(pipeline.Options{
		Config:     cfg.Pipeline,
		Namer:      namer,
		Transcoder: conv,
		Engine:     eng,
		Logger:     logger,
	})
	if err != nil {
		fatal(logger, "init pipeline", err)
	}

	out, err := p.Execute(ctx, pipeline.Request{Input: *input})
	if err != nil {
		var pe *pipeline.Error
		if errors.As(err, &pe) {
			fmt.Fprintf(os.Stderr, "Failed at %s: %s\n", pe.Stage, pe.Reason)
		}
		os.Exit(1)
	}

	dst := defaultOutput(outBase, *output, ".mp4")
	if err := moveFile(out.FinalPath, dst); err != nil {
		fatal(logger, "write output", err)
	}
	if out.Silent {
		logger.Info("source had no audio track, output is silent")
	}
	report(dst, time.Since(start))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

// parseS3URI splits s3://bucket/key. ok is false for anything else.
func parseS3URI(s string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(s, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", false
	}
	return bucket, key, true
}

// fetchObject downloads bucket/key into a temporary directory that cleanup
// removes.
func fetchObject(ctx context.Context, cfg config.Config, bucket, key string) (string, func(), error) {
	store, err := blob.New(ctx, blob.Options{
		Bucket:       bucket,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		UsePathStyle: cfg.S3UsePathStyle,
		SignedURLTTL: cfg.SignedURLTTL,
	})
	if err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp("", "cartoonize-src-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }
	local := filepath.Join(dir, path.Base(key))
	if err := store.Download(ctx, key, local); err != nil {
		cleanup()
		return "", nil, err
	}
	return local, cleanup, nil
}

func defaultOutput(input, output, ext string) string {
	if output != "" {
		return output
	}
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + "_cartoon" + ext
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func report(path string, d time.Duration) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	fmt.Println("Cartoonization successful!")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Output: %s\n", path)
	fmt.Printf("Size: %s\n", formatBytes(fi.Size()))
	fmt.Printf("Time: %v\n", d.Round(time.Millisecond))
}

// printFileInfo prints file metadata in a readable format
func printFileInfo(info *converters.FileInfo) {
	fmt.Printf("MIME Type: %s\n", info.MimeType)
	if info.FormatName != "" {
		fmt.Printf("Container: %s\n", info.FormatName)
	}
	if info.Width > 0 && info.Height > 0 {
		fmt.Printf("Dimensions: %dx%d pixels\n", info.Width, info.Height)
	}
	if info.Duration > 0 {
		fmt.Printf("Duration: %.2f seconds (%s)\n", info.Duration, formatDuration(info.Duration))
	}
	if info.FrameRate != "" {
		fmt.Printf("Frame rate: %s\n", info.FrameRate)
	}
	if info.HasVideo {
		fmt.Printf("Video codec: %s\n", info.VideoCodec)
	}
	if info.HasAudio {
		fmt.Printf("Audio codec: %s\n", info.AudioCodec)
	} else {
		fmt.Println("Audio: none")
	}
	if info.Size > 0 {
		fmt.Printf("File Size: %s (%.2f MB)\n", formatBytes(info.Size), float64(info.Size)/(1024*1024))
	}
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats seconds into MM:SS format
func formatDuration(seconds float64) string {
	mins := int(seconds) / 60
	secs := int(seconds) % 60
	return fmt.Sprintf("%02d:%02d", mins, secs)
}
