package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/redis/go-redis/v9"
)

const (
	payloadKeyPrefix  = "webhooks:payload:"
	DefaultPayloadTTL = 72 * time.Hour
)

type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// RedisPayloadStore keeps pending retry requests in Redis so a job's signed
// body survives between attempts. Entries expire after ttl as a backstop for
// jobs that are never finished.
type RedisPayloadStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPayloadStore(client *redis.Client, ttl time.Duration) *RedisPayloadStore {
	if ttl <= 0 {
		ttl = DefaultPayloadTTL
	}
	return &RedisPayloadStore{client: client, ttl: ttl}
}

func (s *RedisPayloadStore) SavePayload(ctx context.Context, ref string, req engine.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding payload %s: %w", ref, err)
	}
	if err := s.client.Set(ctx, payloadKeyPrefix+ref, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving payload %s: %w", ref, err)
	}
	return nil
}

// LoadPayload returns domain.ErrNotFound when the entry is missing or expired.
func (s *RedisPayloadStore) LoadPayload(ctx context.Context, ref string) (engine.Request, error) {
	var req engine.Request
	data, err := s.client.Get(ctx, payloadKeyPrefix+ref).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return req, fmt.Errorf("payload %s: %w", ref, domain.ErrNotFound)
		}
		return req, fmt.Errorf("loading payload %s: %w", ref, err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decoding payload %s: %w", ref, err)
	}
	return req, nil
}

func (s *RedisPayloadStore) DeletePayload(ctx context.Context, ref string) error {
	if err := s.client.Del(ctx, payloadKeyPrefix+ref).Err(); err != nil {
		return fmt.Errorf("deleting payload %s: %w", ref, err)
	}
	return nil
}

const (
	retryJobsKey     = "webhooks:retry:jobs"
	retryScheduleKey = "webhooks:retry:schedule"
)

// RedisJobStore persists pending retry jobs: a hash of job JSON keyed by job
// ID, and a sorted set of job IDs scored by next attempt time in unix ms.
type RedisJobStore struct {
	client *redis.Client
}

func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

func (s *RedisJobStore) SaveJob(ctx context.Context, job domain.RetryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.JobID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, retryJobsKey, job.JobID, data)
		pipe.ZAdd(ctx, retryScheduleKey, redis.Z{
			Score:  float64(job.NextAttemptAt.UnixMilli()),
			Member: job.JobID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *RedisJobStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, retryJobsKey, jobID)
		pipe.ZRem(ctx, retryScheduleKey, jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", jobID, err)
	}
	return nil
}

// LoadJobs returns every persisted job, earliest first. Schedule entries
// whose job body is gone are removed.
func (s *RedisJobStore) LoadJobs(ctx context.Context) ([]domain.RetryJob, error) {
	ids, err := s.client.ZRange(ctx, retryScheduleKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, retryJobsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	jobs := make([]domain.RetryJob, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job domain.RetryJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decoding job %s: %w", ids[i], err)
		}
		jobs = append(jobs, job)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, retryScheduleKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("removing stale jobs: %w", err)
		}
	}
	return jobs, nil
}
