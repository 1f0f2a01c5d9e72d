package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/tendant/simple-cartoonizer/internal/process"
)

const jobsIndexKey = "jobs"

// RedisStore keeps each job as JSON under job:<id> and indexes ids in the
// "jobs" sorted set by creation time.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) jobKey(id string) string { return fmt.Sprintf("job:%s", id) }

func (r *RedisStore) Create(ctx context.Context, job *process.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.jobKey(job.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	if err := r.client.ZAdd(ctx, jobsIndexKey, redis.Z{Score: float64(job.CreatedAt.Unix()), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("index job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*process.Job, error) {
	val, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var j process.Job
	if err := json.Unmarshal(val, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (r *RedisStore) Update(ctx context.Context, job *process.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := r.client.SetXX(ctx, r.jobKey(job.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	return nil
}
