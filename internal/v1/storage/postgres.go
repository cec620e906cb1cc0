package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage persists blobs in a single key/JSONB table. The table is
// created on Connect so a fresh database works out of the box.
type PostgresStorage struct {
	dsn string
	db  *sql.DB
}

// NewPostgresStorage creates a backend for the given connection string.
// Nothing is dialed until Connect.
func NewPostgresStorage(dsn string) *PostgresStorage {
	return &PostgresStorage{dsn: dsn}
}

func (s *PostgresStorage) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS driftsync_storage (
			key TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		db.Close()
		return fmt.Errorf("failed to create table: %w", err)
	}
	s.db = db
	return nil
}

func (s *PostgresStorage) Disconnect(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresStorage) Save(ctx context.Context, key string, data []byte) error {
	if s.db == nil {
		return fmt.Errorf("postgres storage not connected")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO driftsync_storage (key, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET data = $2, updated_at = NOW()
	`, key, data)
	if err != nil {
		return fmt.Errorf("failed to save %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStorage) Load(ctx context.Context, key string) ([]byte, error) {
	if s.db == nil {
		return nil, fmt.Errorf("postgres storage not connected")
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM driftsync_storage WHERE key = $1`, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %q: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStorage) Delete(ctx context.Context, key string) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("postgres storage not connected")
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM driftsync_storage WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStorage) Exists(ctx context.Context, key string) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("postgres storage not connected")
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM driftsync_storage WHERE key = $1`, key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %q: %w", key, err)
	}
	return true, nil
}

func (s *PostgresStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("postgres storage not connected")
	}
	var rows *sql.Rows
	var err error
	if prefix != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key FROM driftsync_storage WHERE key LIKE $1 || '%'`, prefix)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM driftsync_storage`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return keys, nil
}

var _ Backend = (*PostgresStorage)(nil)
