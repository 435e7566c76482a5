package queue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// JobProcessor processes jobs from queues
type JobProcessor struct {
	queue          Queue
	handlers       map[JobType]JobHandler
	workerCount    int
	wg             sync.WaitGroup
	processingJobs sync.Map
	ctx            context.Context
	cancel         context.CancelFunc
	backoff        func(retry int) time.Duration
}

// NewJobProcessor creates a new JobProcessor
func NewJobProcessor(queue Queue, workerCount int) *JobProcessor {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobProcessor{
		queue:       queue,
		handlers:    make(map[JobType]JobHandler),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		backoff:     calculateBackoff,
	}
}

// RegisterHandler registers a handler for a job type
func (p *JobProcessor) RegisterHandler(jobType JobType, handler JobHandler) {
	p.handlers[jobType] = handler
}

// Start starts the job processor
func (p *JobProcessor) Start() {
	log.Printf("Starting job processor with %d workers", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops the job processor and waits for in-flight jobs
func (p *JobProcessor) Stop() {
	log.Println("Stopping job processor")
	p.cancel()
	p.wg.Wait()
	log.Println("Job processor stopped")
}

func (p *JobProcessor) worker(id int) {
	defer p.wg.Done()

	jobTypes := make([]JobType, 0, len(p.handlers))
	for jobType := range p.handlers {
		jobTypes = append(jobTypes, jobType)
	}
	sort.Slice(jobTypes, func(i, j int) bool { return jobTypes[i] < jobTypes[j] })

	if len(jobTypes) == 0 {
		log.Printf("Worker %d exiting: no handlers registered", id)
		return
	}

	for {
		for _, jobType := range jobTypes {
			if p.ctx.Err() != nil {
				return
			}

			job, err := p.queue.Dequeue(p.ctx, jobType)
			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				log.Printf("Worker %d error getting job from queue %s: %v", id, jobType, err)
				time.Sleep(time.Second)
				continue
			}
			if job == nil {
				continue
			}

			if err := p.ProcessJob(job); err != nil {
				log.Printf("Worker %d error processing job %s: %v", id, job.ID, err)
			}
		}
	}
}

// ProcessJob runs the handler for a single job and records the outcome.
// Failures are retried with backoff unless permanent or out of retries.
func (p *JobProcessor) ProcessJob(job *Job) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}

	p.processingJobs.Store(job.ID, true)
	defer p.processingJobs.Delete(job.ID)

	// Bookkeeping must survive shutdown of the worker context
	ctx := context.WithoutCancel(p.ctx)

	handler, ok := p.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler registered for job type: %s", job.Type)
		if failErr := p.queue.Fail(ctx, job.ID, err); failErr != nil {
			log.Printf("Failed to mark job %s as failed: %v", job.ID, failErr)
		}
		return err
	}

	result, err := handler(p.ctx, *job)
	if err != nil {
		if IsPermanent(err) || job.RetryCount >= job.MaxRetries {
			if failErr := p.queue.Fail(ctx, job.ID, err); failErr != nil {
				log.Printf("Failed to mark job %s as failed: %v", job.ID, failErr)
			}
		} else if retryErr := p.queue.Retry(ctx, job.ID, p.backoff(job.RetryCount)); retryErr != nil {
			log.Printf("Failed to schedule retry for job %s: %v", job.ID, retryErr)
		}
		return fmt.Errorf("job processing failed: %w", err)
	}

	if err := p.queue.Complete(ctx, job.ID, result); err != nil {
		log.Printf("Failed to mark job %s as completed: %v", job.ID, err)
	}
	return nil
}

// IsProcessing checks if a job is currently being processed
func (p *JobProcessor) IsProcessing(jobID string) bool {
	_, ok := p.processingJobs.Load(jobID)
	return ok
}
