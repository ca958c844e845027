package memory

import (
	"context"
	"sort"
	"sync"

	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/progression"
)

// ProgressionStore is an in-memory progression.LocalStore and progression.RemoteStore.
// FailWith makes every call return an error to simulate an outage.
type ProgressionStore struct {
	mu       sync.Mutex
	attempts map[string]map[int]domain.Attempt
	states   map[string]domain.ProgressionState
	links    map[string]progression.Link
	failErr  error
}

func NewProgressionStore() *ProgressionStore {
	return &ProgressionStore{
		attempts: make(map[string]map[int]domain.Attempt),
		states:   make(map[string]domain.ProgressionState),
		links:    make(map[string]progression.Link),
	}
}

// FailWith makes subsequent calls fail with err; nil restores normal operation.
func (s *ProgressionStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *ProgressionStore) GetAttempt(_ context.Context, identityID string, dayIndex int) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return domain.Attempt{}, s.failErr
	}
	a, ok := s.attempts[identityID][dayIndex]
	if !ok {
		return domain.Attempt{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *ProgressionStore) CommitAttempt(_ context.Context, attempt domain.Attempt, delta domain.ProgressionDelta) (domain.ProgressionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return domain.ProgressionState{}, s.failErr
	}
	if _, ok := s.attempts[attempt.IdentityID][attempt.DayIndex]; ok {
		return domain.ProgressionState{}, domain.ErrDuplicateAttempt
	}
	next, err := progression.ApplyDelta(s.stateLocked(attempt.IdentityID), delta)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	s.putAttemptLocked(attempt)
	s.states[attempt.IdentityID] = next
	return next.Clone(), nil
}

func (s *ProgressionStore) PutAttempt(_ context.Context, attempt domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.putAttemptLocked(attempt)
	return nil
}

func (s *ProgressionStore) ListAttempts(_ context.Context, identityID string) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]domain.Attempt, 0, len(s.attempts[identityID]))
	for _, a := range s.attempts[identityID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayIndex < out[j].DayIndex })
	return out, nil
}

func (s *ProgressionStore) LoadState(_ context.Context, identityID string) (domain.ProgressionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return domain.ProgressionState{}, s.failErr
	}
	return s.stateLocked(identityID).Clone(), nil
}

func (s *ProgressionStore) MutateState(_ context.Context, identityID string, delta domain.ProgressionDelta) (domain.ProgressionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return domain.ProgressionState{}, s.failErr
	}
	next, err := progression.ApplyDelta(s.stateLocked(identityID), delta)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	s.states[identityID] = next
	return next.Clone(), nil
}

func (s *ProgressionStore) PutState(_ context.Context, state domain.ProgressionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return false, s.failErr
	}
	if cur, ok := s.states[state.IdentityID]; ok && cur.Revision >= state.Revision {
		return false, nil
	}
	s.states[state.IdentityID] = state.Clone()
	return true, nil
}

func (s *ProgressionStore) LinkedAccount(_ context.Context, anonymousID string) (progression.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return progression.Link{}, s.failErr
	}
	link, ok := s.links[anonymousID]
	if !ok {
		return progression.Link{}, domain.ErrNotFound
	}
	return link, nil
}

func (s *ProgressionStore) RecordLink(_ context.Context, link progression.Link, merged domain.ProgressionState, attempts []domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.links[link.AnonymousID]; ok {
		return domain.ErrAlreadyLinked
	}
	s.links[link.AnonymousID] = link
	for _, a := range attempts {
		a.IdentityID = link.AccountID
		s.putAttemptLocked(a)
	}
	merged.IdentityID = link.AccountID
	s.states[link.AccountID] = merged.Clone()
	return nil
}

func (s *ProgressionStore) ClaimLink(_ context.Context, link progression.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.links[link.AnonymousID]; ok {
		return domain.ErrAlreadyLinked
	}
	s.links[link.AnonymousID] = link
	return nil
}

func (s *ProgressionStore) stateLocked(identityID string) domain.ProgressionState {
	if st, ok := s.states[identityID]; ok {
		return st
	}
	return domain.NewProgressionState(identityID)
}

func (s *ProgressionStore) putAttemptLocked(a domain.Attempt) {
	days, ok := s.attempts[a.IdentityID]
	if !ok {
		days = make(map[int]domain.Attempt)
		s.attempts[a.IdentityID] = days
	}
	if _, exists := days[a.DayIndex]; !exists {
		days[a.DayIndex] = a
	}
}

var (
	_ progression.LocalStore  = (*ProgressionStore)(nil)
	_ progression.RemoteStore = (*ProgressionStore)(nil)
)
