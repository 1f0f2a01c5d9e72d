// Package img cartoonizes still images with the stylization engine.
package img

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-cartoonizer/internal/engine"
)

// JPEGQuality is used for every cartoonized image.
const JPEGQuality = 90

// Options controls pre-processing before inference.
type Options struct {
	// MaxDim bounds the longer side of the frame sent to the engine. Larger
	// images are shrunk, smaller ones are never upscaled. Zero disables it.
	MaxDim int
}

// Result describes a written image.
type Result struct {
	Path         string
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
}

// Flatten composites src onto an opaque white background, dropping any
// alpha channel.
func Flatten(src image.Image) *image.NRGBA {
	b := src.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, src, image.Pt(0, 0), 1.0)
}

// Cartoonize decodes the image at srcPath, runs it through eng and writes
// a JPEG to dstPath.
func Cartoonize(ctx context.Context, eng engine.Engine, srcPath, dstPath string, opts Options) (*Result, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	return CartoonizeReader(ctx, eng, f, dstPath, opts)
}

// CartoonizeReader is Cartoonize for an already open image stream.
func CartoonizeReader(ctx context.Context, eng engine.Engine, r io.Reader, dstPath string, opts Options) (*Result, error) {
	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	sb := src.Bounds()

	frame := Flatten(src)
	if opts.MaxDim > 0 && (sb.Dx() > opts.MaxDim || sb.Dy() > opts.MaxDim) {
		frame = imaging.Fit(frame, opts.MaxDim, opts.MaxDim, imaging.Lanczos)
	}

	out, err := eng.Infer(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(out, dstPath, imaging.JPEGQuality(JPEGQuality)); err != nil {
		_ = os.Remove(dstPath)
		return nil, fmt.Errorf("save: %w", err)
	}

	b := out.Bounds()
	return &Result{
		Path:         dstPath,
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceWidth:  sb.Dx(),
		SourceHeight: sb.Dy(),
	}, nil
}
