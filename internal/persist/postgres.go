package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps one snapshot row per document, overwritten on save.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres and prepares the snapshot table.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing connection pool. The caller owns the
// pool and its schema.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS document_snapshots (
			doc_id     TEXT PRIMARY KEY,
			snapshot   BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure snapshot table: %w", err)
	}
	return nil
}

// Load returns the latest snapshot for a document, or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context, docID string) ([]byte, error) {
	const query = `SELECT snapshot FROM document_snapshots WHERE doc_id = $1`
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, query, docID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return snapshot, nil
}

// Save upserts the snapshot for a document.
func (s *PostgresStore) Save(ctx context.Context, docID string, snapshot []byte) error {
	const upsert = `
		INSERT INTO document_snapshots (doc_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, upsert, docID, snapshot); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
