// Package blob stores finished cartoons in S3-compatible object storage and
// hands out short-lived download links.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultSignedURLTTL is how long a download link stays valid.
const DefaultSignedURLTTL = 5 * time.Minute

// KeyPrefix is where deliverables are stored in the bucket.
const KeyPrefix = "cartoonized"

// ObjectAPI is the subset of the S3 client the store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner signs download requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Options configures a Store.
type Options struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	SignedURLTTL time.Duration
}

// Store uploads, downloads and deletes objects in one bucket.
type Store struct {
	api     ObjectAPI
	presign Presigner
	bucket  string
	ttl     time.Duration
}

// New builds a Store using the default AWS credential chain.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewWithClient(client, s3.NewPresignClient(client), opts.Bucket, opts.SignedURLTTL), nil
}

// NewWithClient wires an existing client.
func NewWithClient(api ObjectAPI, presign Presigner, bucket string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	return &Store{api: api, presign: presign, bucket: bucket, ttl: ttl}
}

// Upload copies the local file to key.
func (s *Store) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(localPath), err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(localPath), err)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	}
	if ct := contentType(localPath); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Download writes the object at key to localPath.
func (s *Store) Download(ctx context.Context, key, localPath string) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(localPath), err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		_ = os.Remove(localPath)
		return fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
	}
	return f.Close()
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// SignedURL returns a GET link for key that expires after the configured
// TTL and makes browsers download the file as filename.
func (s *Store) SignedURL(ctx context.Context, key, filename string) (string, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	req, err := s.presign.PresignGetObject(ctx, in, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", s.bucket, key, err)
	}
	return req.URL, nil
}

// Deliver uploads a finished file under KeyPrefix and returns a signed
// download link for it.
func (s *Store) Deliver(ctx context.Context, localPath string) (string, error) {
	name := filepath.Base(localPath)
	key := path.Join(KeyPrefix, name)
	if err := s.Upload(ctx, key, localPath); err != nil {
		return "", err
	}
	return s.SignedURL(ctx, key, name)
}

// Withdraw deletes the object Deliver stored for the local file name.
func (s *Store) Withdraw(ctx context.Context, name string) error {
	return s.Delete(ctx, path.Join(KeyPrefix, path.Base(name)))
}

func contentType(p string) string {
	switch ext := filepath.Ext(p); ext {
	case ".mp4":
		return "video/mp4"
	case ".aac":
		return "audio/aac"
	default:
		return mime.TypeByExtension(ext)
	}
}
