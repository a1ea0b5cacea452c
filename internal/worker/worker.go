// Package worker provides the fixed pool of goroutines that run tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"profile-robot/internal/task"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool is stopped")

// Executor runs a single task.
type Executor interface {
	Execute(ctx context.Context, t task.Task, token *string) task.Result
}

// Job represents a task to be executed by a worker.
type Job struct {
	ID       uint64
	Envelope task.Envelope
	// Token is nil for tokenless execution.
	Token      *string
	Context    context.Context
	ResultChan chan<- Completion
}

// Completion is posted exactly once per job.
type Completion struct {
	JobID    uint64
	Envelope task.Envelope
	Token    *string
	Result   task.Result
	Elapsed  time.Duration
	WorkerID int
}

// WorkerPool manages a pool of workers and a queue of jobs.
type WorkerPool struct {
	JobQueue chan Job
	Executor Executor
	PoolSize int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	log     *slog.Logger
}

// NewWorkerPool creates a worker pool. Call Start to run the workers.
func NewWorkerPool(exec Executor, poolSize int, queueSize int, log *slog.Logger) *WorkerPool {
	if poolSize <= 0 {
		poolSize = 1
	}
	if queueSize < poolSize {
		queueSize = poolSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &WorkerPool{
		JobQueue: make(chan Job, queueSize),
		Executor: exec,
		PoolSize: poolSize,
		log:      log.With("component", "worker_pool"),
	}
}

// Start initializes the worker pool and starts the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.PoolSize; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info("worker pool started", slog.Int("workers", wp.PoolSize))
}

func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()
	for job := range wp.JobQueue {
		wp.log.Debug("worker picked up job",
			slog.Int("worker_id", workerID),
			slog.Uint64("job_id", job.ID),
			slog.String("user_id", string(job.Envelope.Task.UserID)),
			slog.Int("retries", job.Envelope.Retries))

		start := time.Now()
		result := wp.run(job)
		job.ResultChan <- Completion{
			JobID:    job.ID,
			Envelope: job.Envelope,
			Token:    job.Token,
			Result:   result,
			Elapsed:  time.Since(start),
			WorkerID: workerID,
		}
	}
}

// run executes the job, turning a panic into a failed result so the
// completion is still posted.
func (wp *WorkerPool) run(job Job) (result task.Result) {
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error("worker recovered panic",
				slog.Uint64("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = task.Failed("panic: %v", r)
		}
	}()

	ctx := job.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return wp.Executor.Execute(ctx, job.Envelope.Task, job.Token)
}

// Submit queues a job. It blocks while the queue is full.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return fmt.Errorf("%w: job %d", ErrPoolStopped, job.ID)
	}
	wp.JobQueue <- job
	return nil
}

// Stop closes the queue and waits for the running jobs to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.JobQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.log.Info("worker pool stopped")
}
