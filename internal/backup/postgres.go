package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// keepSnapshots is how many rows PostgresStore retains.
const keepSnapshots = 10

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS vault_snapshots (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	data       BYTEA NOT NULL
)`

// PostgresStore keeps recent snapshots in a vault_snapshots table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to databaseURL and creates the table if
// needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save inserts a snapshot and prunes old ones.
func (s *PostgresStore) Save(ctx context.Context, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO vault_snapshots (data) VALUES ($1)`, data); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM vault_snapshots WHERE id NOT IN (
			SELECT id FROM vault_snapshots ORDER BY id DESC LIMIT $1)`, keepSnapshots)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return tx.Commit()
}

// Load returns the newest snapshot.
func (s *PostgresStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM vault_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

// Type returns "postgres".
func (s *PostgresStore) Type() string { return "postgres" }

// Close closes the database connection.
func (s *PostgresStore) Close() error { return s.db.Close() }
