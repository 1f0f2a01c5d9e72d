// Package upload moves sources and cartoonized results between local disk
// and the simple-content service.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"
)

// DerivationType tags derived content produced by this service.
const DerivationType = "cartoon"

// ContentService is the part of simplecontent.Service the client needs.
type ContentService interface {
	GetContent(ctx context.Context, id uuid.UUID) (*simplecontent.Content, error)
	DownloadContent(ctx context.Context, contentID uuid.UUID) (io.ReadCloser, error)
	UploadDerivedContent(ctx context.Context, req simplecontent.UploadDerivedContentRequest) (*simplecontent.Content, error)
}

// Client coordinates cartoon interactions with the simple-content domain service.
type Client struct {
	svc     ContentService
	backend string
}

// NewClient wraps a simple-content service with the configured default storage backend.
func NewClient(svc ContentService, defaultBackend string) *Client {
	return &Client{svc: svc, backend: defaultBackend}
}

// Source is an original downloaded to local disk.
type Source struct {
	Path string
	Size int64
}

// FetchSource downloads contentID into dstPath. A partial file is removed
// on failure.
func (c *Client) FetchSource(ctx context.Context, contentID uuid.UUID, dstPath string) (*Source, error) {
	reader, err := c.svc.DownloadContent(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("download content: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("create source file: %w", err)
	}
	n, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(dstPath)
		return nil, fmt.Errorf("copy content to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("close source file: %w", err)
	}
	return &Source{Path: dstPath, Size: n}, nil
}

// Parent returns the content record a job refers to.
func (c *Client) Parent(ctx context.Context, contentID uuid.UUID) (*simplecontent.Content, error) {
	parent, err := c.svc.GetContent(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	return parent, nil
}

// UploadOptions describes the stored cartoon.
type UploadOptions struct {
	FileName  string
	Width     int
	FrameRate string
	Silent    bool
}

// UploadCartoon stores the file at path as content derived from parent.
func (c *Client) UploadCartoon(ctx context.Context, parent *simplecontent.Content, path string, opts UploadOptions) (*simplecontent.Content, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat cartoon: %w", err)
	}

	fileName := opts.FileName
	if fileName == "" {
		fileName = filepath.Base(path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cartoon: %w", err)
	}
	defer file.Close()

	metadata := map[string]interface{}{
		"width":      opts.Width,
		"frame_rate": opts.FrameRate,
		"has_audio":  !opts.Silent,
	}

	derived, err := c.svc.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:           parent.ID,
		OwnerID:            parent.OwnerID,
		TenantID:           parent.TenantID,
		DerivationType:     DerivationType,
		Variant:            Variant(opts.Width),
		StorageBackendName: c.backend,
		Reader:             file,
		FileName:           fileName,
		FileSize:           info.Size(),
		Tags:               []string{DerivationType},
		Metadata:           metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("upload derived content: %w", err)
	}
	return derived, nil
}

// Variant names the derived content for a resize width.
func Variant(width int) string {
	if width <= 0 {
		return DerivationType
	}
	return fmt.Sprintf("%s_%d", DerivationType, width)
}
