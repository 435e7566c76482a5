package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobType defines the type of job. Each type is served from its own Redis list.
type JobType string

const (
	JobTypeAdvanceReferralProgress JobType = "advance_referral_progress"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job represents a background job
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RunAt      time.Time       `json:"run_at"`
}

// JobHandler is a function that processes a job
type JobHandler func(ctx context.Context, job Job) (interface{}, error)

// Queue defines the job queue operations used by producers and the processor
type Queue interface {
	Enqueue(ctx context.Context, jobType JobType, payload interface{}, opts ...EnqueueOption) (string, error)
	Dequeue(ctx context.Context, jobType JobType) (*Job, error)
	Complete(ctx context.Context, jobID string, result interface{}) error
	Fail(ctx context.Context, jobID string, jobErr error) error
	Retry(ctx context.Context, jobID string, delay time.Duration) error
}

// permanentError marks a job failure that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the processor fails the job without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// JobPayload is a helper function to unmarshal job payload
func JobPayload(payload []byte, v interface{}) error {
	return json.Unmarshal(payload, v)
}
