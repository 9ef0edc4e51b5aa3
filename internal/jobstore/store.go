package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when a job is absent or its TTL has expired.
var ErrNotFound = errors.New("job not found")

// Store persists Job records in Redis as a single JSON blob per key, with a
// TTL refreshed on every write. Grounded on the shape of the build queue's
// RedisQueue, adapted from a multi-field hash to a whole-record blob since
// Update here is always read-modify-write of the complete record.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
	ttl    time.Duration
}

// New constructs a Store. prefix defaults to "dojo:docker_job:" and ttl to
// 900s when empty/zero, matching DOCKER_JOB_PREFIX / DOCKER_JOB_TTL.
func New(redisURL, prefix string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if prefix == "" {
		prefix = "dojo:docker_job:"
	}
	if ttl <= 0 {
		ttl = 900 * time.Second
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("connected to job store", zap.String("prefix", prefix))

	return &Store{client: client, logger: logger, prefix: prefix, ttl: ttl}, nil
}

// NewFromClient wraps an existing redis client (used in tests, and by any
// code already holding a client for device/lock use).
func NewFromClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = "dojo:docker_job:"
	}
	if ttl <= 0 {
		ttl = 900 * time.Second
	}
	return &Store{client: client, logger: logger, prefix: prefix, ttl: ttl}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Put serializes and writes job, refreshing updated_at and the TTL. Idempotent.
func (s *Store) Put(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := s.client.Set(ctx, s.key(job.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// Get returns the job, or ErrNotFound if absent/expired.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *Store) userIndexKey(userID int64) string {
	return s.prefix + "user:" + strconv.FormatInt(userID, 10)
}

// PutWithUserIndex stores job (as Put does) and refreshes a secondary
// user_id -> job_id index alongside it, so a user's current job can be
// found without already knowing its (now opaque, random) id.
func (s *Store) PutWithUserIndex(ctx context.Context, job *Job) error {
	if err := s.Put(ctx, job); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.userIndexKey(job.UserID), job.ID, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store user job index: %w", err)
	}
	return nil
}

// GetByUser resolves userID's current job through the secondary index
// PutWithUserIndex maintains, or ErrNotFound if the index or the job it
// points to has expired.
func (s *Store) GetByUser(ctx context.Context, userID int64) (*Job, error) {
	id, err := s.client.Get(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve user job index: %w", err)
	}
	return s.Get(ctx, id)
}

// Mutation mutates a loaded job in place before it is re-persisted.
type Mutation func(*Job)

// Update performs a non-atomic read-modify-write. Safe because only the
// Provisioning Orchestrator writes to a given job id after creation.
func (s *Store) Update(ctx context.Context, id string, mutate Mutation) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(job)
	if err := s.Put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Close releases the underlying redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying redis client for collaborators that share
// the connection (per-user lock, device cache) rather than opening another.
func (s *Store) Client() *redis.Client {
	return s.client
}
