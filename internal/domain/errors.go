package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a play session id is unknown or expired.
	ErrSessionNotFound = errors.New("play session not found")
	// ErrInvalidTransition is returned when an action is not allowed in the current session state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrAlreadyAnswered rejects a second submission for the same ordinal.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrOrdinalOutOfRange indicates a submission for a question outside the challenge.
	ErrOrdinalOutOfRange = errors.New("question ordinal out of range")
	// ErrInvalidChoice indicates an option index that does not exist.
	ErrInvalidChoice = errors.New("invalid option index")
	// ErrDuplicateAttempt means an attempt already exists for the identity and day.
	ErrDuplicateAttempt = errors.New("attempt already recorded for day")
	// ErrInsufficientFunds rejects a spend larger than the coin balance.
	ErrInsufficientFunds = errors.New("insufficient_funds")
	// ErrUnknownItem indicates a shop item id that is not in the catalog.
	ErrUnknownItem = errors.New("unknown shop item")
	// ErrAlreadyOwned rejects buying an item twice.
	ErrAlreadyOwned = errors.New("item already owned")
	// ErrItemNotOwned rejects equipping an item the identity does not own.
	ErrItemNotOwned = errors.New("item not owned")
	// ErrSlotMismatch rejects equipping an item into a slot of another kind.
	ErrSlotMismatch = errors.New("item does not fit slot")
	// ErrRemoteUnavailable is returned when the remote store is required but unreachable.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrAlreadyLinked is returned when an anonymous identity was already merged into an account.
	ErrAlreadyLinked = errors.New("identity already linked")
	// ErrUnauthenticated is returned when a request carries no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrContractViolation marks malformed internal input to the scoring or achievement engines.
	ErrContractViolation = errors.New("contract violation")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrGeneration matches any *GenerationError via errors.Is.
	ErrGeneration = errors.New("challenge generation failed")
	// ErrPersistenceWrite matches any *PersistenceWriteError via errors.Is.
	ErrPersistenceWrite = errors.New("persistence write failed")
)

// GenerationError reports that a day's challenge could not be built from the dataset.
type GenerationError struct {
	DayIndex  int
	Needed    int
	Available int
	Reason    string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate day %d: need %d questions, %d available: %s", e.DayIndex, e.Needed, e.Available, e.Reason)
}

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// PersistenceWriteError wraps a failed write to the local or remote store.
type PersistenceWriteError struct {
	Store string // "local" or "remote"
	Op    string
	Err   error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Store, e.Op, e.Err)
}

func (e *PersistenceWriteError) Unwrap() error { return e.Err }

func (e *PersistenceWriteError) Is(target error) bool { return target == ErrPersistenceWrite }
