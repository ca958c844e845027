package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"daily-atlas-service/internal/dataset"
)

// DatasetLoader loads published dataset snapshots from Postgres JSONB.
type DatasetLoader struct {
	pool *pgxpool.Pool
}

func NewDatasetLoader(pool *pgxpool.Pool) *DatasetLoader {
	return &DatasetLoader{pool: pool}
}

// Load returns the snapshot for version, or the most recently published one when version is empty.
func (l *DatasetLoader) Load(ctx context.Context, version string) (*dataset.Snapshot, error) {
	var raw []byte
	var err error
	if version == "" {
		err = l.pool.QueryRow(ctx, `SELECT data FROM datasets ORDER BY published_at DESC, version DESC LIMIT 1`).Scan(&raw)
	} else {
		err = l.pool.QueryRow(ctx, `SELECT data FROM datasets WHERE version=$1`, version).Scan(&raw)
	}
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	snap, err := dataset.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	return snap, nil
}

// Publish stores raw snapshot JSON under its version. Republishing a version replaces it.
func (l *DatasetLoader) Publish(ctx context.Context, raw []byte) (string, error) {
	snap, err := dataset.Parse(raw)
	if err != nil {
		return "", err
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO datasets (version, data) VALUES ($1, $2)
		ON CONFLICT (version) DO UPDATE SET data = EXCLUDED.data, published_at = now()`,
		snap.Version, raw)
	if err != nil {
		return "", fmt.Errorf("publish dataset: %w", err)
	}
	return snap.Version, nil
}
