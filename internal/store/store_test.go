package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/tendant/simple-cartoonizer/internal/artifact"
	"github.com/tendant/simple-cartoonizer/internal/config"
	"github.com/tendant/simple-cartoonizer/internal/process"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	id := artifact.NewJobID()

	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on missing job = %v, want ErrNotFound", err)
	}
	if err := s.Update(ctx, process.NewJob(process.KindVideo, id, "")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update on missing job = %v, want ErrNotFound", err)
	}

	job := process.NewJob(process.KindVideo, id, "upload.mp4")
	job.CreatedAt = job.CreatedAt.Truncate(time.Microsecond)
	job.UpdatedAt = job.CreatedAt
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := s.Create(ctx, job); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Create = %v, want ErrExists", err)
	}

	process.MarkRunning(job)
	process.MarkState(job, "stylized")
	process.MarkSucceeded(job, "/out/final.mp4")
	job.UpdatedAt = job.UpdatedAt.Truncate(time.Microsecond)
	if err := s.Update(ctx, job); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != process.JobStatusSucceeded || got.State != "stylized" || got.OutputPath != "/out/final.mp4" || got.Input != "upload.mp4" {
		t.Fatalf("unexpected stored job: %+v", got)
	}
	if !got.CreatedAt.Equal(job.CreatedAt) {
		t.Fatalf("created_at changed: %v vs %v", got.CreatedAt, job.CreatedAt)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := process.NewJob(process.KindImage, "a", "")
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	job.Status = process.JobStatusFailed

	got, _ := s.Get(ctx, "a")
	if got.Status != process.JobStatusPending {
		t.Fatal("store shares memory with the caller")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	exerciseStore(t, NewRedisStore(client))
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	s, closeFn, err := Open(context.Background(), config.Config{JobStore: config.StoreMemory})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer closeFn()
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}

	if _, _, err := Open(context.Background(), config.Config{JobStore: "sqlite"}); err == nil {
		t.Fatal("expected error for unknown store")
	}
}
