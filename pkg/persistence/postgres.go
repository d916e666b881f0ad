package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS document_history (
	document_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	snapshot BYTEA NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, version)
);
`

// uniqueViolation is the PostgreSQL SQLSTATE for a primary key clash.
const uniqueViolation = "23505"

// PostgresStore keeps history in a single table whose primary key is
// (document_id, version). The next version is computed inside the INSERT;
// concurrent writers that pick the same number hit the primary key and retry.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects, pings and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createHistoryTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "postgres")}, nil
}

func (s *PostgresStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `
		SELECT snapshot FROM document_history
		WHERE document_id = $1
		ORDER BY version DESC LIMIT 1
	`, documentID).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", documentID, err)
	}
	return snapshot, nil
}

func (s *PostgresStore) Store(ctx context.Context, documentID string, snapshot []byte, message string) (*HistoryEntry, error) {
	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		entry := newEntry(documentID, 0, snapshot, message)
		err := s.pool.QueryRow(ctx, `
			INSERT INTO document_history (document_id, version, snapshot, message, size, created_at)
			SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5
			FROM document_history WHERE document_id = $1
			RETURNING version
		`, documentID, entry.Snapshot, entry.Message, entry.Size, entry.CreatedAt).Scan(&entry.Version)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", documentID, err)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("store %s: %w", documentID, ErrConflict)
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, version, message, size, created_at
		FROM document_history
		WHERE document_id = $1
		ORDER BY version ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", documentID, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.DocumentID, &e.Version, &e.Message, &e.Size, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, documentID string, version int64) (*HistoryEntry, error) {
	e := &HistoryEntry{}
	err := s.pool.QueryRow(ctx, `
		SELECT document_id, version, snapshot, message, size, created_at
		FROM document_history
		WHERE document_id = $1 AND version = $2
	`, documentID, version).Scan(&e.DocumentID, &e.Version, &e.Snapshot, &e.Message, &e.Size, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoVersion
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s@%d: %w", documentID, version, err)
	}
	return e, nil
}

func (s *PostgresStore) PrevVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error) {
	if current <= 1 {
		return nil, ErrNoVersion
	}
	return s.GetVersion(ctx, documentID, current-1)
}

func (s *PostgresStore) NextVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error) {
	return s.GetVersion(ctx, documentID, current+1)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Gateway = (*PostgresStore)(nil)
