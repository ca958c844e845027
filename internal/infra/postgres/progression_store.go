// Package postgres holds the remote progression store and the dataset snapshot loader.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/progression"
)

type stateRow struct {
	bun.BaseModel `bun:"table:progression_states"`

	IdentityID string          `bun:"identity_id,pk"`
	Revision   int64           `bun:"revision,notnull"`
	Data       json.RawMessage `bun:"data,type:jsonb,notnull"`
	UpdatedAt  time.Time       `bun:"updated_at,notnull"`
}

type linkRow struct {
	bun.BaseModel `bun:"table:links"`

	AnonymousID string    `bun:"anonymous_id,pk"`
	AccountID   string    `bun:"account_id,notnull"`
	LinkedAt    time.Time `bun:"linked_at,notnull"`
}

type attemptRow struct {
	bun.BaseModel `bun:"table:attempts"`

	IdentityID  string          `bun:"identity_id,pk"`
	DayIndex    int             `bun:"day_index,pk"`
	Data        json.RawMessage `bun:"data,type:jsonb,notnull"`
	CompletedOn time.Time       `bun:"completed_on,notnull"`
}

// ProgressionStore is the remote progression.RemoteStore backed by Postgres through bun.
type ProgressionStore struct {
	db *bun.DB
}

// OpenDB connects bun to Postgres with the pgdriver connector.
func OpenDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func NewProgressionStore(db *bun.DB) *ProgressionStore {
	return &ProgressionStore{db: db}
}

func (s *ProgressionStore) GetAttempt(ctx context.Context, identityID string, dayIndex int) (domain.Attempt, error) {
	var row attemptRow
	err := s.db.NewSelect().Model(&row).
		Where("identity_id = ?", identityID).
		Where("day_index = ?", dayIndex).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attempt{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	return decodeAttempt(row)
}

func (s *ProgressionStore) PutAttempt(ctx context.Context, attempt domain.Attempt) error {
	_, err := insertAttempt(ctx, s.db, attempt)
	return err
}

func (s *ProgressionStore) ListAttempts(ctx context.Context, identityID string) ([]domain.Attempt, error) {
	var rows []attemptRow
	if err := s.db.NewSelect().Model(&rows).
		Where("identity_id = ?", identityID).
		Order("day_index ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.Attempt, 0, len(rows))
	for _, row := range rows {
		a, err := decodeAttempt(row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *ProgressionStore) LoadState(ctx context.Context, identityID string) (domain.ProgressionState, error) {
	return loadState(ctx, s.db, identityID)
}

// PutState upserts the state only when its revision is higher than the stored one.
func (s *ProgressionStore) PutState(ctx context.Context, state domain.ProgressionState) (bool, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO progression_states (identity_id, revision, data, updated_at)
		VALUES (?, ?, ?, now())
		ON CONFLICT (identity_id) DO UPDATE
		SET revision = EXCLUDED.revision, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		WHERE progression_states.revision < EXCLUDED.revision`,
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

func loadState(ctx context.Context, db bun.IDB, identityID string) (domain.ProgressionState, error) {
	var row stateRow
	err := db.NewSelect().Model(&row).Where("identity_id = ?", identityID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewProgressionState(identityID), nil
	}
	if err != nil {
		return domain.ProgressionState{}, err
	}
	state := domain.NewProgressionState(identityID)
	if err := json.Unmarshal(row.Data, &state); err != nil {
		return domain.ProgressionState{}, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

func (s *ProgressionStore) LinkedAccount(ctx context.Context, anonymousID string) (progression.Link, error) {
	var row linkRow
	err := s.db.NewSelect().Model(&row).Where("anonymous_id = ?", anonymousID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return progression.Link{}, domain.ErrNotFound
	}
	if err != nil {
		return progression.Link{}, err
	}
	return progression.Link{AnonymousID: row.AnonymousID, AccountID: row.AccountID, LinkedAt: row.LinkedAt}, nil
}

// ClaimLink inserts the link row; the primary key on anonymous_id makes the first claim win.
func (s *ProgressionStore) ClaimLink(ctx context.Context, link progression.Link) error {
	row := &linkRow{AnonymousID: link.AnonymousID, AccountID: link.AccountID, LinkedAt: link.LinkedAt.UTC()}
	res, err := s.db.NewInsert().Model(row).
		On("CONFLICT (anonymous_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAlreadyLinked
	}
	return nil
}

// insertAttempt reports false when the day is already recorded; the stored row wins.
func insertAttempt(ctx context.Context, db bun.IDB, a domain.Attempt) (bool, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	row := &attemptRow{IdentityID: a.IdentityID, DayIndex: a.DayIndex, Data: raw, CompletedOn: a.CompletedOn.UTC()}
	res, err := db.NewInsert().Model(row).
		On("CONFLICT (identity_id, day_index) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func decodeAttempt(row attemptRow) (domain.Attempt, error) {
	var a domain.Attempt
	if err := json.Unmarshal(row.Data, &a); err != nil {
		return domain.Attempt{}, fmt.Errorf("decode attempt: %w", err)
	}
	return a, nil
}

var _ progression.RemoteStore = (*ProgressionStore)(nil)
