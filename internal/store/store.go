// Package store persists job records so status can be queried while a job
// runs and after it finishes.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/tendant/simple-cartoonizer/internal/config"
	"github.com/tendant/simple-cartoonizer/internal/process"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// Store is a job repository.
type Store interface {
	Create(ctx context.Context, job *process.Job) error
	Get(ctx context.Context, id string) (*process.Job, error)
	Update(ctx context.Context, job *process.Job) error
}

// Open builds the store selected by cfg.JobStore. The returned close
// function releases connections.
func Open(ctx context.Context, cfg config.Config) (Store, func(), error) {
	switch cfg.JobStore {
	case config.StoreMemory, "":
		return NewMemoryStore(), func() {}, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client), func() { _ = client.Close() }, nil
	case config.StorePostgres:
		s, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}
}

// MemoryStore keeps jobs in process memory. Records are copied in and out
// so callers cannot mutate stored state.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]process.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]process.Job)}
}

func (m *MemoryStore) Create(_ context.Context, job *process.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*process.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &j, nil
}

func (m *MemoryStore) Update(_ context.Context, job *process.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	m.jobs[job.ID] = *job
	return nil
}
