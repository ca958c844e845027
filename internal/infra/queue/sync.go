// Package queue moves remote progression writes onto an asynq task queue so the play path
// never waits on the remote store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"daily-atlas-service/internal/logger"
	"daily-atlas-service/internal/progression"
)

const (
	TypeProgressionSync = "progression:sync"

	queueName = "sync"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Syncer implements progression.Syncer by enqueueing asynq tasks.
type Syncer struct {
	client     enqueuer
	maxRetries int
	timeout    time.Duration
	log        *logger.Logger
}

func NewSyncer(client *asynq.Client, maxRetries int, timeout time.Duration, log *logger.Logger) *Syncer {
	return newSyncer(client, maxRetries, timeout, log)
}

func newSyncer(client enqueuer, maxRetries int, timeout time.Duration, log *logger.Logger) *Syncer {
	return &Syncer{client: client, maxRetries: maxRetries, timeout: timeout, log: logger.OrNop(log)}
}

func (s *Syncer) Enqueue(ctx context.Context, job progression.SyncJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal sync job: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(s.maxRetries),
		asynq.Timeout(s.timeout),
	}
	if id := taskID(job); id != "" {
		opts = append(opts, asynq.TaskID(id))
	}
	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(TypeProgressionSync, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue sync job: %w", err)
	}
	s.log.Debug("queued sync job", "identity_id", job.IdentityID, "task", info.ID)
	return nil
}

// taskID dedupes pushes of the same state revision.
func taskID(job progression.SyncJob) string {
	if job.State == nil || len(job.Attempts) > 0 {
		return ""
	}
	return fmt.Sprintf("sync:%s:%d", job.State.IdentityID, job.State.Revision)
}

// NewSyncHandler pushes a queued job to the remote store. Returned errors make asynq retry.
func NewSyncHandler(remote progression.Store, log *logger.Logger) asynq.HandlerFunc {
	log = logger.OrNop(log)
	return func(ctx context.Context, task *asynq.Task) error {
		var job progression.SyncJob
		if err := json.Unmarshal(task.Payload(), &job); err != nil {
			return fmt.Errorf("unmarshal sync job: %v: %w", err, asynq.SkipRetry)
		}
		if err := progression.Push(ctx, remote, job); err != nil {
			log.Warn("remote sync failed", "identity_id", job.IdentityID, "err", err)
			return err
		}
		log.Debug("remote sync done", "identity_id", job.IdentityID, "attempts", len(job.Attempts))
		return nil
	}
}

// Worker runs the sync queue consumer.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logger.Logger
}

func NewWorker(redisOpt asynq.RedisConnOpt, remote progression.Store, concurrency int, log *logger.Logger) *Worker {
	log = logger.OrNop(log)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("job failed", "type", task.Type(), "err", err)
		}),
		Logger: &asynqLogger{log: log},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProgressionSync, NewSyncHandler(remote, log))
	return &Worker{server: server, mux: mux, log: log}
}

// Run blocks until the worker receives a termination signal.
func (w *Worker) Run() error {
	w.log.Info("starting sync worker")
	return w.server.Run(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

type asynqLogger struct {
	log *logger.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.SugaredLogger.Fatal(args...) }
