package progression

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/logger"
)

// SyncJob is a pending remote write. State, when set, is pushed conditionally on revision.
type SyncJob struct {
	IdentityID string                   `json:"identityId"`
	State      *domain.ProgressionState `json:"state,omitempty"`
	Attempts   []domain.Attempt         `json:"attempts,omitempty"`
}

// Syncer defers remote writes. Enqueue must not block on the remote store.
type Syncer interface {
	Enqueue(ctx context.Context, job SyncJob) error
}

// Push applies a job to the remote store. Attempts go first so a state that counts a game is
// never visible without the game itself.
func Push(ctx context.Context, remote Store, job SyncJob) error {
	for _, a := range job.Attempts {
		if err := remote.PutAttempt(ctx, a); err != nil {
			return &domain.PersistenceWriteError{Store: "remote", Op: "put_attempt", Err: err}
		}
	}
	if job.State != nil {
		if _, err := remote.PutState(ctx, *job.State); err != nil {
			return &domain.PersistenceWriteError{Store: "remote", Op: "put_state", Err: err}
		}
	}
	return nil
}

// InlineSyncer pushes jobs from background goroutines with exponential backoff.
type InlineSyncer struct {
	remote     Store
	timeout    time.Duration
	maxRetries uint64
	log        *logger.Logger
	newBackOff func() backoff.BackOff

	wg sync.WaitGroup
}

func NewInlineSyncer(remote Store, timeout time.Duration, maxRetries int, log *logger.Logger) *InlineSyncer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	s := &InlineSyncer{
		remote:     remote,
		timeout:    timeout,
		maxRetries: uint64(maxRetries),
		log:        logger.OrNop(log),
	}
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = time.Minute
		return b
	}
	return s
}

func (s *InlineSyncer) Enqueue(ctx context.Context, job SyncJob) error {
	if s.remote == nil {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		attempt := 0
		op := func() error {
			attempt++
			callCtx, cancel := context.WithTimeout(detached, s.timeout)
			defer cancel()
			return Push(callCtx, s.remote, job)
		}
		policy := backoff.WithMaxRetries(s.newBackOff(), s.maxRetries)
		if err := backoff.Retry(op, policy); err != nil {
			s.log.Warn("remote sync gave up", "identity_id", job.IdentityID, "job", describe(job), "tries", attempt, "err", err)
			return
		}
		s.log.Debug("remote sync done", "identity_id", job.IdentityID, "job", describe(job), "tries", attempt)
	}()
	return nil
}

// Wait blocks until every enqueued job finished or gave up.
func (s *InlineSyncer) Wait() {
	s.wg.Wait()
}

// NopSyncer drops jobs. Used when no remote store is configured.
type NopSyncer struct{}

func (NopSyncer) Enqueue(context.Context, SyncJob) error { return nil }

func describe(job SyncJob) string {
	rev := int64(-1)
	if job.State != nil {
		rev = job.State.Revision
	}
	return fmt.Sprintf("attempts=%d revision=%d", len(job.Attempts), rev)
}
