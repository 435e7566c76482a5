package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/config"
)

// Redis key prefixes
const (
	queuePrefix   = "queue:"
	delayedPrefix = "delayed:"
	jobPrefix     = "jobs:"
)

// dequeueTimeout bounds how long a worker blocks on an empty queue
const dequeueTimeout = time.Second

// RedisQueue implements Queue using Redis lists for ready jobs,
// sorted sets for delayed ones and a hash per job for its details
type RedisQueue struct {
	client *redis.Client
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// NewRedisQueue creates a new Redis queue
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue adds a job to the queue, or to the delayed set when WithDelay is given
func (q *RedisQueue) Enqueue(ctx context.Context, jobType JobType, payload interface{}, opts ...EnqueueOption) (string, error) {
	options := newEnqueueOptions(opts)

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    payloadBytes,
		Status:     JobStatusPending,
		MaxRetries: options.maxRetry,
		CreatedAt:  now,
		UpdatedAt:  now,
		RunAt:      now.Add(options.delay),
	}

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.saveJob(ctx, job.ID, jobBytes); err != nil {
		return "", err
	}

	if options.delay > 0 {
		err = q.client.ZAdd(ctx, delayedPrefix+string(jobType), &redis.Z{
			Score:  float64(job.RunAt.Unix()),
			Member: job.ID,
		}).Err()
	} else {
		err = q.client.LPush(ctx, queuePrefix+string(jobType), job.ID).Err()
	}
	if err != nil {
		return "", fmt.Errorf("failed to push job to queue: %w", err)
	}

	return job.ID, nil
}

// Dequeue gets the next ready job of the given type, or nil when none is available
func (q *RedisQueue) Dequeue(ctx context.Context, jobType JobType) (*Job, error) {
	q.moveReadyDelayedJobs(ctx, jobType)

	result, err := q.client.BRPop(ctx, dequeueTimeout, queuePrefix+string(jobType)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job from queue: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected result format from BRPOP")
	}

	job, err := q.getJob(ctx, result[1])
	if err != nil {
		return nil, err
	}

	job.Status = JobStatusProcessing
	job.UpdatedAt = time.Now()
	if err := q.updateJob(ctx, job); err != nil {
		log.Printf("Warning: failed to update job status: %v", err)
	}

	return job, nil
}

// moveReadyDelayedJobs moves delayed jobs that are ready to run to the main queue
func (q *RedisQueue) moveReadyDelayedJobs(ctx context.Context, jobType JobType) {
	delayedKey := delayedPrefix + string(jobType)

	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", time.Now().Unix()),
	}).Result()
	if err != nil {
		log.Printf("Error getting ready delayed jobs: %v", err)
		return
	}

	for _, id := range ids {
		// Only the worker that removes the member moves it
		removed, err := q.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, queuePrefix+string(jobType), id).Err(); err != nil {
			log.Printf("Error moving delayed job %s to main queue: %v", id, err)
		}
	}
}

// Complete marks a job as completed and stores its result
func (q *RedisQueue) Complete(ctx context.Context, jobID string, result interface{}) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	if result != nil {
		resultBytes, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		job.Result = resultBytes
	}

	job.Status = JobStatusCompleted
	job.UpdatedAt = time.Now()
	return q.updateJob(ctx, job)
}

// Fail marks a job as failed
func (q *RedisQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = JobStatusFailed
	if jobErr != nil {
		job.Error = jobErr.Error()
	}
	job.UpdatedAt = time.Now()
	return q.updateJob(ctx, job)
}

// Retry puts a job back on the delayed set
func (q *RedisQueue) Retry(ctx context.Context, jobID string, delay time.Duration) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = JobStatusPending
	job.RetryCount++
	job.UpdatedAt = time.Now()
	job.RunAt = job.UpdatedAt.Add(delay)
	if err := q.updateJob(ctx, job); err != nil {
		return err
	}

	err = q.client.ZAdd(ctx, delayedPrefix+string(job.Type), &redis.Z{
		Score:  float64(job.RunAt.Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add job to delayed queue: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.getJob(ctx, jobID)
}

// GetQueueStats counts waiting and delayed jobs of a type
func (q *RedisQueue) GetQueueStats(ctx context.Context, jobType JobType) (*QueueStats, error) {
	waiting, err := q.client.LLen(ctx, queuePrefix+string(jobType)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get queue length: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, delayedPrefix+string(jobType)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get delayed count: %w", err)
	}
	return &QueueStats{Queue: string(jobType), Waiting: waiting, Delayed: delayed}, nil
}

func (q *RedisQueue) getJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.HGet(ctx, jobPrefix+jobID, "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		return nil, fmt.Errorf("failed to get job details: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) updateJob(ctx context.Context, job *Job) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.saveJob(ctx, job.ID, jobBytes)
}

func (q *RedisQueue) saveJob(ctx context.Context, jobID string, jobBytes []byte) error {
	if err := q.client.HSet(ctx, jobPrefix+jobID, "data", jobBytes).Err(); err != nil {
		return fmt.Errorf("failed to store job details: %w", err)
	}
	if err := q.client.Expire(ctx, jobPrefix+jobID, DefaultTTL).Err(); err != nil {
		log.Printf("Warning: failed to set TTL on job %s: %v", jobID, err)
	}
	return nil
}
