// Package demostore is the SQL backend of the demo store: it keeps the
// latest saved state of every demo together with its owner.
package demostore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/livetemplate/demoit/internal/remote"
)

var (
	// ErrNotFound is returned for an unknown demo id.
	ErrNotFound = errors.New("demo not found")

	// ErrForbidden is returned when a profile saves a demo it does not own.
	ErrForbidden = errors.New("profile does not own the demo")
)

// StateError is returned for a state that is not a JSON object.
type StateError struct {
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("demo store: invalid state: %v", e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Demo is a stored demo.
type Demo struct {
	ID          string
	Owner       string
	Name        string
	Description string
	Published   bool
	State       json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// header is the part of a saved state the store looks at.
type header struct {
	DemoID      string `json:"demoId"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"desc"`
	Published   bool   `json:"published"`
}

// Store persists demos in a sqlite or postgres database.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

const schema = `CREATE TABLE IF NOT EXISTS demos (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	published BOOLEAN NOT NULL DEFAULT FALSE,
	state TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

const ownerIndex = `CREATE INDEX IF NOT EXISTS demos_owner_idx ON demos (owner)`

// Open connects to the database and creates the schema. driver is "sqlite"
// or "postgres".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("demo store: database path is required")
		}
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("demo store: database connection required (set store.dsn)")
		}
	default:
		return nil, fmt.Errorf("demo store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("demo store: failed to open database: %w", err)
	}

	if driver == "postgres" {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// A single writer avoids SQLITE_BUSY under concurrent saves.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("demo store: failed to connect: %w", err)
	}

	for _, stmt := range []string{schema, ownerIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("demo store: failed to create schema: %w", err)
		}
	}

	return &Store{db: db, driver: driver, now: time.Now}, nil
}

// rebind rewrites "?" placeholders for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save stores a demo state on behalf of profileID and returns its id. A
// state without demoId or owner creates a new demo owned by profileID (this
// is how forks are made). Otherwise the stored demo is replaced, which
// requires profileID to own it; a demo id the store does not know is stored
// under that id, so sending the same update twice stores one demo.
func (s *Store) Save(ctx context.Context, profileID string, state []byte) (string, error) {
	if profileID == "" {
		return "", ErrForbidden
	}

	var h header
	if err := json.Unmarshal(state, &h); err != nil {
		return "", &StateError{Err: err}
	}

	if h.DemoID == "" || h.Owner == "" {
		return s.create(ctx, ulid.Make().String(), profileID, h, state)
	}
	if h.Owner != profileID {
		return "", ErrForbidden
	}

	var owner string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT owner FROM demos WHERE id = ?"), h.DemoID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return s.create(ctx, h.DemoID, profileID, h, state)
	}
	if err != nil {
		return "", fmt.Errorf("demo store: lookup failed: %w", err)
	}
	if owner != profileID {
		return "", ErrForbidden
	}

	doc, err := stamp(state, h.DemoID, profileID)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		s.rebind(`UPDATE demos SET name = ?, description = ?, published = ?, state = ?, updated_at = ? WHERE id = ?`),
		h.Name, h.Description, h.Published, string(doc), s.now().UnixMilli(), h.DemoID)
	if err != nil {
		return "", fmt.Errorf("demo store: update failed: %w", err)
	}
	return h.DemoID, nil
}

func (s *Store) create(ctx context.Context, id, profileID string, h header, state []byte) (string, error) {
	doc, err := stamp(state, id, profileID)
	if err != nil {
		return "", err
	}

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO demos (id, owner, name, description, published, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		id, profileID, h.Name, h.Description, h.Published, string(doc), now, now)
	if err != nil {
		return "", fmt.Errorf("demo store: insert failed: %w", err)
	}
	return id, nil
}

// stamp writes the assigned id and owner into the stored document. The
// other members are kept byte for byte.
func stamp(state []byte, id, owner string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(state, &doc); err != nil {
		return nil, &StateError{Err: err}
	}
	if doc == nil {
		return nil, &StateError{Err: errors.New("state must be a JSON object")}
	}

	idJSON, _ := json.Marshal(id)
	ownerJSON, _ := json.Marshal(owner)
	doc["demoId"] = idJSON
	doc["owner"] = ownerJSON
	return json.Marshal(doc)
}

// Get returns a demo by id.
func (s *Store) Get(ctx context.Context, id string) (*Demo, error) {
	var (
		d                Demo
		state            string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, owner, name, description, published, state, created_at, updated_at FROM demos WHERE id = ?`), id).
		Scan(&d.ID, &d.Owner, &d.Name, &d.Description, &d.Published, &state, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("demo store: get failed: %w", err)
	}

	d.State = json.RawMessage(state)
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}

// List returns the demos owned by profileID, most recently updated first.
func (s *Store) List(ctx context.Context, profileID string) ([]remote.DemoSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, name, description, published FROM demos WHERE owner = ? ORDER BY updated_at DESC, id DESC`), profileID)
	if err != nil {
		return nil, fmt.Errorf("demo store: list failed: %w", err)
	}
	defer rows.Close()

	demos := []remote.DemoSummary{}
	for rows.Next() {
		var d remote.DemoSummary
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.Published); err != nil {
			return nil, err
		}
		demos = append(demos, d)
	}
	return demos, rows.Err()
}

// Close releases the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
