// Package queue provides the durable indexing job queue.
//
// Jobs are keyed by repo index id, so each (repository, branch) has at most
// one queued job at a time. Delivery is at-least-once: a worker crash
// surfaces as an expired lease and the job is retried, so handlers must be
// idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	// TypeIndexRepo is the task type for indexing jobs.
	TypeIndexRepo = "index:repo"

	queueName = "index"

	// workerConcurrency bounds simultaneously processed jobs.
	workerConcurrency = 2

	// jobTimeout is how long a worker may hold a job before the queue
	// treats it as stalled.
	jobTimeout = 10 * time.Minute

	// maxAttempts bounds retries per job.
	maxAttempts = 3

	// retryBase is the first retry delay; subsequent retries back off
	// exponentially.
	retryBase = 2 * time.Second

	// jobRetention keeps finished jobs around for inspection.
	jobRetention = 24 * time.Hour
)

// Job is the payload carried by an indexing task.
type Job struct {
	RepoIndexID string `json:"repo_index_id"`
	RepoURL     string `json:"repo_url"`
	Branch      string `json:"branch"`
}

// Handlers is the lifecycle callback surface the queue drives.
type Handlers interface {
	// Process runs one job. Returning an error triggers a retry while
	// attempts remain.
	Process(ctx context.Context, job Job) error
	// Stalled fires when a worker lost its lease mid-job.
	Stalled(id string)
	// Retry fires after a transient failure with attempts remaining.
	Retry(id string, err error)
	// Failed fires once, after the final attempt.
	Failed(id string, err error)
}

// Queue is the durable FIFO over Redis.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redisOpt  asynq.RedisClientOpt
	server    *asynq.Server
	logger    zerolog.Logger
}

// New connects the queue client.
func New(redisAddr, redisPassword string, logger zerolog.Logger) *Queue {
	opt := asynq.RedisClientOpt{Addr: redisAddr, Password: redisPassword}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		redisOpt:  opt,
		logger:    logger.With().Str("component", "queue").Logger(),
	}
}

// AddJob enqueues a job keyed by job.RepoIndexID, idempotently:
// an already-waiting job is left alone and a finished job is replaced. An
// active job is left alone too; it is not cleared or re-added, even when its
// worker has crashed.
func (q *Queue) AddJob(ctx context.Context, job Job) error {
	if job.RepoIndexID == "" {
		return fmt.Errorf("queue: job requires a repo index id")
	}

	info, err := q.inspector.GetTaskInfo(queueName, job.RepoIndexID)
	if err == nil {
		switch info.State {
		case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
			return nil
		case asynq.TaskStateActive:
			// A live worker holds this job; an orphan from a crashed worker
			// is requeued by the lease janitor. Either way there is nothing
			// to add.
			q.logger.Debug().Str("job_id", job.RepoIndexID).Msg("Job already active, not re-adding")
			return nil
		default:
			if err := q.inspector.DeleteTask(queueName, job.RepoIndexID); err != nil {
				q.logger.Warn().Err(err).Str("job_id", job.RepoIndexID).Msg("Failed to delete finished job before re-add")
			}
		}
	} else if !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("queue: inspect job %s: %w", job.RepoIndexID, err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TypeIndexRepo, payload),
		asynq.Queue(queueName),
		asynq.TaskID(job.RepoIndexID),
		asynq.MaxRetry(maxAttempts-1),
		asynq.Timeout(jobTimeout),
		asynq.Retention(jobRetention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("queue: enqueue job %s: %w", job.RepoIndexID, err)
	}
	q.logger.Info().Str("job_id", job.RepoIndexID).Str("branch", job.Branch).Msg("Job enqueued")
	return nil
}

// RemoveJob deletes a queued job, best-effort. Active jobs are left alone.
func (q *Queue) RemoveJob(id string) error {
	info, err := q.inspector.GetTaskInfo(queueName, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("queue: inspect job %s: %w", id, err)
	}
	if info.State == asynq.TaskStateActive {
		q.logger.Debug().Str("job_id", id).Msg("Job active, skipping removal")
		return nil
	}
	if err := q.inspector.DeleteTask(queueName, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("queue: delete job %s: %w", id, err)
	}
	return nil
}

// PendingCount reports queued (not yet active) jobs.
func (q *Queue) PendingCount() (int, error) {
	stats, err := q.inspector.GetQueueInfo(queueName)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: queue info: %w", err)
	}
	return stats.Pending + stats.Retry + stats.Scheduled, nil
}

// Run starts the worker loop and blocks until ctx is cancelled. Lifecycle
// callbacks are dispatched from the asynq error handler: a lease/deadline
// expiry maps to Stalled, other errors map to Retry while attempts remain
// and to Failed on the last attempt.
func (q *Queue) Run(ctx context.Context, handlers Handlers) error {
	q.server = asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: workerConcurrency,
		Queues:      map[string]int{queueName: 1},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return retryBase << n
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)

			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				q.logger.Warn().Str("job_id", id).Msg("Job stalled")
				handlers.Stalled(id)
				return
			}
			if retried < maxRetry {
				q.logger.Warn().Err(err).Str("job_id", id).Int("attempt", retried+1).Msg("Job failed, will retry")
				handlers.Retry(id, err)
				return
			}
			q.logger.Error().Err(err).Str("job_id", id).Msg("Job failed permanently")
			handlers.Failed(id, err)
		}),
		Logger: asynqLogger{q.logger},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeIndexRepo, func(ctx context.Context, task *asynq.Task) error {
		var job Job
		if err := json.Unmarshal(task.Payload(), &job); err != nil {
			return fmt.Errorf("queue: unmarshal job payload: %w", asynq.SkipRetry)
		}
		return handlers.Process(ctx, job)
	})

	if err := q.server.Start(mux); err != nil {
		return fmt.Errorf("queue: start worker: %w", err)
	}
	<-ctx.Done()
	q.server.Shutdown()
	return nil
}

// Close releases client connections.
func (q *Queue) Close() error {
	if err := q.inspector.Close(); err != nil {
		return err
	}
	return q.client.Close()
}

// asynqLogger adapts zerolog to asynq's logging interface.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
