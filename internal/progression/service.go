package progression

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/logger"
)

// Options configures a Service. Remote may be nil for local-only operation.
type Options struct {
	Remote        RemoteStore
	Syncer        Syncer
	RemoteTimeout time.Duration
	Logger        *logger.Logger
	Now           func() time.Time
}

// Service reconciles the local and remote stores. Reads prefer the higher revision, writes go
// to the local store first and reach the remote through the Syncer.
type Service struct {
	local   LocalStore
	remote  RemoteStore
	syncer  Syncer
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

func NewService(local LocalStore, opts Options) *Service {
	s := &Service{
		local:   local,
		remote:  opts.Remote,
		syncer:  opts.Syncer,
		timeout: opts.RemoteTimeout,
		log:     logger.OrNop(opts.Logger),
		now:     opts.Now,
	}
	if s.syncer == nil {
		s.syncer = NopSyncer{}
	}
	if s.timeout <= 0 {
		s.timeout = 3 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// PlayedToday is the replay guard result. Attempt is set when Played is true.
type PlayedToday struct {
	Played  bool
	Attempt *domain.Attempt
}

// HasPlayedToday checks both stores concurrently. A remote failure counts as "no remote
// record"; a local failure is returned.
func (s *Service) HasPlayedToday(ctx context.Context, identity domain.Identity, dayIndex int) (PlayedToday, error) {
	var local, remote *domain.Attempt
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := s.local.GetAttempt(gctx, identity.ID, dayIndex)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return nil
		case err != nil:
			return fmt.Errorf("local attempt lookup: %w", err)
		}
		local = &a
		return nil
	})
	if s.remote != nil {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.timeout)
			defer cancel()
			a, err := s.remote.GetAttempt(callCtx, identity.ID, dayIndex)
			switch {
			case errors.Is(err, domain.ErrNotFound):
			case err != nil:
				s.log.Warn("remote attempt lookup failed, using local only", "identity_id", identity.ID, "day", dayIndex, "err", err)
			default:
				remote = &a
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PlayedToday{}, err
	}

	if local != nil {
		return PlayedToday{Played: true, Attempt: local}, nil
	}
	if remote != nil {
		if err := s.local.PutAttempt(ctx, *remote); err != nil {
			s.log.Warn("mirror remote attempt failed", "identity_id", identity.ID, "day", dayIndex, "err", err)
		}
		return PlayedToday{Played: true, Attempt: remote}, nil
	}
	return PlayedToday{}, nil
}

// LoadProgressionState returns the reconciled state for identity.
func (s *Service) LoadProgressionState(ctx context.Context, identity domain.Identity) (domain.ProgressionState, error) {
	return s.reconcile(ctx, identity, false)
}

// MutateProgressionState reconciles, applies delta to the local store, and schedules the
// remote write.
func (s *Service) MutateProgressionState(ctx context.Context, identity domain.Identity, delta domain.ProgressionDelta) (domain.ProgressionState, error) {
	if _, err := s.reconcile(ctx, identity, false); err != nil {
		return domain.ProgressionState{}, err
	}
	state, err := s.local.MutateState(ctx, identity.ID, delta)
	if err != nil {
		if isRejection(err) {
			return domain.ProgressionState{}, err
		}
		return domain.ProgressionState{}, &domain.PersistenceWriteError{Store: "local", Op: "mutate_state", Err: err}
	}
	s.enqueue(ctx, SyncJob{IdentityID: identity.ID, State: &state})
	return state, nil
}

// SaveAttempt records the attempt and its progression delta in one local transaction.
// domain.ErrDuplicateAttempt is returned unwrapped so callers can route to already played.
func (s *Service) SaveAttempt(ctx context.Context, identity domain.Identity, attempt domain.Attempt, delta domain.ProgressionDelta) (domain.ProgressionState, error) {
	attempt.IdentityID = identity.ID
	state, err := s.local.CommitAttempt(ctx, attempt, delta)
	if err != nil {
		if isRejection(err) {
			return domain.ProgressionState{}, err
		}
		return domain.ProgressionState{}, &domain.PersistenceWriteError{Store: "local", Op: "commit_attempt", Err: err}
	}
	s.enqueue(ctx, SyncJob{IdentityID: identity.ID, State: &state, Attempts: []domain.Attempt{attempt}})
	return state, nil
}

// Link merges an anonymous identity into an account exactly once. The remote store, when
// configured, must be reachable: it holds the link record every device checks, and the account
// side of the merge must be current.
func (s *Service) Link(ctx context.Context, anon, account domain.Identity) (domain.ProgressionState, error) {
	if !anon.Anonymous || account.Anonymous || anon.ID == "" || account.ID == "" || anon.ID == account.ID {
		return domain.ProgressionState{}, fmt.Errorf("%w: link needs an anonymous source and an account target", domain.ErrContractViolation)
	}
	switch _, err := s.local.LinkedAccount(ctx, anon.ID); {
	case err == nil:
		return domain.ProgressionState{}, domain.ErrAlreadyLinked
	case !errors.Is(err, domain.ErrNotFound):
		return domain.ProgressionState{}, fmt.Errorf("link lookup: %w", err)
	}
	if s.remote != nil {
		prior, err := s.remoteLink(ctx, anon.ID)
		switch {
		case err == nil:
			return domain.ProgressionState{}, s.adoptRemoteLink(ctx, prior)
		case !errors.Is(err, domain.ErrNotFound):
			return domain.ProgressionState{}, fmt.Errorf("%w: link lookup: %v", domain.ErrRemoteUnavailable, err)
		}
	}

	anonState, err := s.reconcile(ctx, anon, true)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	accountState, err := s.reconcile(ctx, account, true)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	merged := Merge(anonState, accountState)
	merged.IdentityID = account.ID

	attempts, err := s.anonymousAttempts(ctx, anon.ID)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	for i := range attempts {
		attempts[i].IdentityID = account.ID
	}

	link := Link{AnonymousID: anon.ID, AccountID: account.ID, LinkedAt: s.now().UTC()}
	if s.remote != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.remote.ClaimLink(callCtx, link)
		cancel()
		switch {
		case errors.Is(err, domain.ErrAlreadyLinked):
			if prior, lookupErr := s.remoteLink(ctx, anon.ID); lookupErr == nil {
				link = prior
			}
			return domain.ProgressionState{}, s.adoptRemoteLink(ctx, link)
		case err != nil:
			return domain.ProgressionState{}, fmt.Errorf("%w: claim link: %v", domain.ErrRemoteUnavailable, err)
		}
	}

	job := SyncJob{IdentityID: account.ID, State: &merged, Attempts: attempts}
	if err := s.local.RecordLink(ctx, link, merged, attempts); err != nil {
		if errors.Is(err, domain.ErrAlreadyLinked) {
			return domain.ProgressionState{}, err
		}
		// The remote claim stands, so the merge still has to reach the account.
		s.enqueue(ctx, job)
		return domain.ProgressionState{}, &domain.PersistenceWriteError{Store: "local", Op: "record_link", Err: err}
	}
	s.log.Info("identity linked", "identity_id", anon.ID, "account_id", account.ID, "attempts", len(attempts), "revision", merged.Revision)
	s.enqueue(ctx, job)
	return merged, nil
}

// adoptRemoteLink records a link made elsewhere so this device routes the anonymous identity
// to the account. The anonymous progress was merged by whoever claimed the link.
func (s *Service) adoptRemoteLink(ctx context.Context, link Link) error {
	state, err := s.reconcile(ctx, domain.Identity{ID: link.AccountID}, false)
	if err != nil {
		return err
	}
	if err := s.local.RecordLink(ctx, link, state, nil); err != nil && !errors.Is(err, domain.ErrAlreadyLinked) {
		return &domain.PersistenceWriteError{Store: "local", Op: "record_link", Err: err}
	}
	s.log.Info("identity already linked on remote", "identity_id", link.AnonymousID, "account_id", link.AccountID)
	return domain.ErrAlreadyLinked
}

func (s *Service) remoteLink(ctx context.Context, anonymousID string) (Link, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.LinkedAccount(callCtx, anonymousID)
}

// Resolve maps an anonymous identity that was linked to its account. The local link record
// is checked first, then the remote one when reachable.
func (s *Service) Resolve(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	if !identity.Anonymous {
		return identity, nil
	}
	link, err := s.local.LinkedAccount(ctx, identity.ID)
	switch {
	case err == nil:
		return domain.Identity{ID: link.AccountID}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return identity, fmt.Errorf("link lookup: %w", err)
	}
	if s.remote == nil {
		return identity, nil
	}
	link, err = s.remoteLink(ctx, identity.ID)
	switch {
	case err == nil:
		return domain.Identity{ID: link.AccountID}, nil
	case !errors.Is(err, domain.ErrNotFound):
		s.log.Warn("remote link lookup failed, using local", "identity_id", identity.ID, "err", err)
	}
	return identity, nil
}

// reconcile loads both copies and keeps the local store at the winning revision. When strict
// is set an unreachable remote is an error instead of a fallback.
func (s *Service) reconcile(ctx context.Context, identity domain.Identity, strict bool) (domain.ProgressionState, error) {
	local, err := s.local.LoadState(ctx, identity.ID)
	if err != nil {
		return domain.ProgressionState{}, fmt.Errorf("load local state: %w", err)
	}
	if s.remote == nil {
		return local, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	remote, err := s.remote.LoadState(callCtx, identity.ID)
	cancel()
	if err != nil {
		if strict {
			return domain.ProgressionState{}, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
		}
		s.log.Warn("remote state unavailable, using local", "identity_id", identity.ID, "err", err)
		return local, nil
	}

	switch {
	case remote.Revision > local.Revision:
		return s.adopt(ctx, remote)
	case remote.Revision == local.Revision && !identity.Anonymous && !sameState(local, remote):
		adopted := remote.Clone()
		adopted.Revision++
		state, err := s.adopt(ctx, adopted)
		if err == nil {
			s.enqueue(ctx, SyncJob{IdentityID: identity.ID, State: &state})
		}
		return state, err
	case local.Revision > remote.Revision:
		s.enqueue(ctx, SyncJob{IdentityID: identity.ID, State: &local})
	}
	return local, nil
}

func (s *Service) adopt(ctx context.Context, state domain.ProgressionState) (domain.ProgressionState, error) {
	if _, err := s.local.PutState(ctx, state); err != nil {
		return domain.ProgressionState{}, &domain.PersistenceWriteError{Store: "local", Op: "put_state", Err: err}
	}
	return state, nil
}

func (s *Service) anonymousAttempts(ctx context.Context, anonID string) ([]domain.Attempt, error) {
	byDay := map[int]domain.Attempt{}
	local, err := s.local.ListAttempts(ctx, anonID)
	if err != nil {
		return nil, fmt.Errorf("list local attempts: %w", err)
	}
	for _, a := range local {
		byDay[a.DayIndex] = a
	}
	if s.remote != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		remote, err := s.remote.ListAttempts(callCtx, anonID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
		}
		for _, a := range remote {
			if _, ok := byDay[a.DayIndex]; !ok {
				byDay[a.DayIndex] = a
			}
		}
	}
	out := make([]domain.Attempt, 0, len(byDay))
	for _, a := range byDay {
		out = append(out, a)
	}
	sortAttempts(out)
	return out, nil
}

func (s *Service) enqueue(ctx context.Context, job SyncJob) {
	if s.remote == nil {
		return
	}
	if err := s.syncer.Enqueue(ctx, job); err != nil {
		s.log.Warn("enqueue remote sync failed", "identity_id", job.IdentityID, "err", err)
	}
}

func isRejection(err error) bool {
	return errors.Is(err, domain.ErrDuplicateAttempt) ||
		errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrItemNotOwned) ||
		errors.Is(err, domain.ErrContractViolation)
}

func sameState(a, b domain.ProgressionState) bool {
	ra, errA := json.Marshal(a.Clone())
	rb, errB := json.Marshal(b.Clone())
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}
