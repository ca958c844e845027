package progression

import (
	"context"
	"time"

	"daily-atlas-service/internal/domain"
)

// Store is the persistence surface shared by the local and remote backends.
type Store interface {
	// GetAttempt returns domain.ErrNotFound when no attempt exists for the day.
	GetAttempt(ctx context.Context, identityID string, dayIndex int) (domain.Attempt, error)
	// PutAttempt inserts the attempt unless one exists for the same day; existing rows win.
	PutAttempt(ctx context.Context, attempt domain.Attempt) error
	ListAttempts(ctx context.Context, identityID string) ([]domain.Attempt, error)
	// LoadState returns a fresh state when the identity has none.
	LoadState(ctx context.Context, identityID string) (domain.ProgressionState, error)
	// PutState stores state only if its revision is higher than the stored one.
	PutState(ctx context.Context, state domain.ProgressionState) (bool, error)
}

// Link records that an anonymous identity was merged into an account.
type Link struct {
	AnonymousID string    `json:"anonymousId"`
	AccountID   string    `json:"accountId"`
	LinkedAt    time.Time `json:"linkedAt"`
}

// RemoteStore is the shared server-side copy. It receives synced attempts and states and is
// the authority on which anonymous identities were already merged.
type RemoteStore interface {
	Store
	// LinkedAccount returns domain.ErrNotFound when the identity was never linked.
	LinkedAccount(ctx context.Context, anonymousID string) (Link, error)
	// ClaimLink stores the link unless the anonymous identity has one already, in which case
	// it fails with domain.ErrAlreadyLinked.
	ClaimLink(ctx context.Context, link Link) error
}

// LocalStore is the always-available durable store. Attempts and state changes are written
// here first, in one transaction each.
type LocalStore interface {
	Store
	// CommitAttempt inserts the attempt and applies delta to the identity's state in one
	// transaction. It fails with domain.ErrDuplicateAttempt if the day is already recorded.
	CommitAttempt(ctx context.Context, attempt domain.Attempt, delta domain.ProgressionDelta) (domain.ProgressionState, error)
	MutateState(ctx context.Context, identityID string, delta domain.ProgressionDelta) (domain.ProgressionState, error)
	// LinkedAccount returns domain.ErrNotFound when the identity was never linked.
	LinkedAccount(ctx context.Context, anonymousID string) (Link, error)
	// RecordLink atomically stores the link, copies attempts to the account (existing days win)
	// and replaces the account state with merged. It fails with domain.ErrAlreadyLinked if the
	// anonymous identity has a link already.
	RecordLink(ctx context.Context, link Link, merged domain.ProgressionState, attempts []domain.Attempt) error
}
