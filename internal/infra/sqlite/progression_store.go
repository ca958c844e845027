// Package sqlite is the on-device durable store for attempts, progression state and link
// records.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/logger"
	"daily-atlas-service/internal/progression"
)

// ProgressionStore implements progression.LocalStore on a single SQLite file. Rows hold JSON
// documents keyed the way the game reads them.
type ProgressionStore struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens (and creates) the database at path and makes sure the schema exists.
func Open(ctx context.Context, path string, log *logger.Logger) (*ProgressionStore, error) {
	log = logger.OrNop(log)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; transactions would otherwise fail with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("local store ready", "path", path)
	return &ProgressionStore{db: db, log: log}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS attempts (
			identity_id TEXT NOT NULL,
			day_index INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (identity_id, day_index)
		)`,
		`CREATE TABLE IF NOT EXISTS progression_states (
			identity_id TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS links (
			anonymous_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			linked_at DATETIME NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *ProgressionStore) Close() error {
	return s.db.Close()
}

func (s *ProgressionStore) GetAttempt(ctx context.Context, identityID string, dayIndex int) (domain.Attempt, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM attempts WHERE identity_id = ? AND day_index = ?`, identityID, dayIndex).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attempt{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	var a domain.Attempt
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return domain.Attempt{}, fmt.Errorf("decode attempt: %w", err)
	}
	return a, nil
}

func (s *ProgressionStore) CommitAttempt(ctx context.Context, attempt domain.Attempt, delta domain.ProgressionDelta) (domain.ProgressionState, error) {
	var next domain.ProgressionState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inserted, err := insertAttempt(ctx, tx, attempt)
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrDuplicateAttempt
		}
		cur, err := loadState(ctx, tx, attempt.IdentityID)
		if err != nil {
			return err
		}
		next, err = progression.ApplyDelta(cur, delta)
		if err != nil {
			return err
		}
		return writeState(ctx, tx, next)
	})
	if err != nil {
		return domain.ProgressionState{}, err
	}
	return next, nil
}

func (s *ProgressionStore) PutAttempt(ctx context.Context, attempt domain.Attempt) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := insertAttempt(ctx, tx, attempt)
		return err
	})
}

func (s *ProgressionStore) ListAttempts(ctx context.Context, identityID string) ([]domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM attempts WHERE identity_id = ? ORDER BY day_index`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a domain.Attempt
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ProgressionStore) LoadState(ctx context.Context, identityID string) (domain.ProgressionState, error) {
	var state domain.ProgressionState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		state, err = loadState(ctx, tx, identityID)
		return err
	})
	return state, err
}

func (s *ProgressionStore) MutateState(ctx context.Context, identityID string, delta domain.ProgressionDelta) (domain.ProgressionState, error) {
	var next domain.ProgressionState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadState(ctx, tx, identityID)
		if err != nil {
			return err
		}
		next, err = progression.ApplyDelta(cur, delta)
		if err != nil {
			return err
		}
		return writeState(ctx, tx, next)
	})
	if err != nil {
		return domain.ProgressionState{}, err
	}
	return next, nil
}

func (s *ProgressionStore) PutState(ctx context.Context, state domain.ProgressionState) (bool, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO progression_states (identity_id, revision, data) VALUES (?, ?, ?)
		ON CONFLICT (identity_id) DO UPDATE SET revision = excluded.revision, data = excluded.data
		WHERE progression_states.revision < excluded.revision`,
		state.IdentityID, state.Revision, string(raw))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ProgressionStore) LinkedAccount(ctx context.Context, anonymousID string) (progression.Link, error) {
	link := progression.Link{AnonymousID: anonymousID}
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, linked_at FROM links WHERE anonymous_id = ?`, anonymousID).Scan(&link.AccountID, &link.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return progression.Link{}, domain.ErrNotFound
	}
	if err != nil {
		return progression.Link{}, err
	}
	return link, nil
}

func (s *ProgressionStore) RecordLink(ctx context.Context, link progression.Link, merged domain.ProgressionState, attempts []domain.Attempt) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO links (anonymous_id, account_id, linked_at) VALUES (?, ?, ?)`,
			link.AnonymousID, link.AccountID, link.LinkedAt.UTC())
		if isConstraint(err) {
			return domain.ErrAlreadyLinked
		}
		if err != nil {
			return err
		}
		for _, a := range attempts {
			a.IdentityID = link.AccountID
			if _, err := insertAttempt(ctx, tx, a); err != nil {
				return err
			}
		}
		merged.IdentityID = link.AccountID
		return writeState(ctx, tx, merged)
	})
}

func (s *ProgressionStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertAttempt reports false when the day is already recorded for the identity.
func insertAttempt(ctx context.Context, tx *sql.Tx, a domain.Attempt) (bool, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO attempts (identity_id, day_index, data) VALUES (?, ?, ?)`,
		a.IdentityID, a.DayIndex, string(raw))
	if isConstraint(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func loadState(ctx context.Context, tx *sql.Tx, identityID string) (domain.ProgressionState, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM progression_states WHERE identity_id = ?`, identityID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewProgressionState(identityID), nil
	}
	if err != nil {
		return domain.ProgressionState{}, err
	}
	state := domain.NewProgressionState(identityID)
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return domain.ProgressionState{}, fmt.Errorf("decode state: %w", err)
	}
	return normalize(state), nil
}

func writeState(ctx context.Context, tx *sql.Tx, state domain.ProgressionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO progression_states (identity_id, revision, data) VALUES (?, ?, ?)
		ON CONFLICT (identity_id) DO UPDATE SET revision = excluded.revision, data = excluded.data`,
		state.IdentityID, state.Revision, string(raw))
	return err
}

// normalize replaces maps and sets decoded as null with empty ones.
func normalize(s domain.ProgressionState) domain.ProgressionState {
	if s.FastAnswerCounts == nil {
		s.FastAnswerCounts = map[int]int{}
	}
	if s.CategoryCorrectCounts == nil {
		s.CategoryCorrectCounts = map[string]int{}
	}
	if s.RegionCorrectCounts == nil {
		s.RegionCorrectCounts = map[string]int{}
	}
	if s.OwnedItemIDs == nil {
		s.OwnedItemIDs = domain.IDSet{}
	}
	if s.UnlockedAchievementIDs == nil {
		s.UnlockedAchievementIDs = domain.IDSet{}
	}
	if !s.LastPlayedOn.IsZero() {
		s.LastPlayedOn = s.LastPlayedOn.UTC()
	}
	return s
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

var _ progression.LocalStore = (*ProgressionStore)(nil)
