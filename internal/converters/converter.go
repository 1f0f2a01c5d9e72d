// Package converters wraps the ffmpeg and ffprobe command-line tools used to
// normalise, split and reassemble uploaded videos.
package converters

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/samber/lo"
)

// FileInfo contains metadata about a media file
type FileInfo struct {
	MimeType   string  // MIME type detected from file
	FormatName string  // Container format reported by ffprobe
	Width      int     // Width in pixels of the first video stream
	Height     int     // Height in pixels of the first video stream
	Duration   float64 // Duration in seconds
	FrameRate  string  // Average frame rate, e.g. "24/1"
	VideoCodec string
	AudioCodec string
	HasVideo   bool
	HasAudio   bool
	Size       int64 // File size in bytes
}

// supportedMimeTypes lists the uploads known to decode cleanly.
var supportedMimeTypes = []string{
	// Videos
	"video/mp4",
	"video/mpeg",
	"video/quicktime",
	"video/x-msvideo",
	"video/avi",
	"video/webm",
	"video/x-matroska",
	"video/x-flv",
	// Images
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
}

// Supported reports whether mimeType is a known video or image format.
// Parameters such as "; charset=" are ignored.
func Supported(mimeType string) bool {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	return lo.Contains(supportedMimeTypes, strings.TrimSpace(base))
}

// IsVideo reports whether mimeType is handled by the video pipeline.
func IsVideo(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "video/")
}

// IsImage reports whether mimeType is handled by the image path.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

// DetectMimeType sniffs the first 512 bytes of path.
func DetectMimeType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for mime detect: %w", err)
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read for mime detect: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}
