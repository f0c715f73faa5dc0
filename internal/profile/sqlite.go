package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore keeps the profile in a local key/value table.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// OpenSQLite opens (or creates) the profile database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("profile store: database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("profile store: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile store: failed to connect: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile store: failed to create table: %w", err)
	}

	return &SQLiteStore{db: db, key: Key}, nil
}

// Load returns the stored profile or nil if none is stored.
func (s *SQLiteStore) Load(ctx context.Context) (*Profile, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile store: load failed: %w", err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return nil, fmt.Errorf("profile store: corrupt profile: %w", err)
	}
	return &p, nil
}

// Save stores p, replacing any previous profile. A nil profile clears it.
func (s *SQLiteStore) Save(ctx context.Context, p *Profile) error {
	if p == nil {
		return s.Clear(ctx)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		s.key, string(data))
	if err != nil {
		return fmt.Errorf("profile store: save failed: %w", err)
	}
	return nil
}

// Clear removes the stored profile.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", s.key); err != nil {
		return fmt.Errorf("profile store: clear failed: %w", err)
	}
	return nil
}

// Close releases the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
