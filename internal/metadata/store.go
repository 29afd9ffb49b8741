// Package metadata persists per-account trust metadata, the tracked device
// authorization list, and the local peer key in SQLite.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trustmesh"

	_ "modernc.org/sqlite"
)

var (
	// ErrNoAccount is returned when no metadata exists for a context.
	ErrNoAccount = errors.New("no account metadata")
	// ErrNoPeerKey is returned when no local peer key is stored.
	ErrNoPeerKey = errors.New("no local peer key")
)

// CorruptError reports a stored row that could not be decoded.
type CorruptError struct {
	Key trustmesh.ContextKey
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("account metadata for %s is corrupt: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// PeerKey is the locally held secret half of a peer identity.
type PeerKey struct {
	PeerID      string
	MachineID   string
	DeviceClass trustmesh.DeviceClass
	Seed        []byte
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account_metadata (
	container TEXT NOT NULL,
	context TEXT NOT NULL,
	persona TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (container, context, persona)
);
CREATE TABLE IF NOT EXISTS machine_ids (
	container TEXT NOT NULL,
	context TEXT NOT NULL,
	persona TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	status INTEGER NOT NULL,
	modified TEXT NOT NULL,
	PRIMARY KEY (container, context, persona, machine_id)
);
CREATE TABLE IF NOT EXISTS peer_keys (
	container TEXT NOT NULL,
	context TEXT NOT NULL,
	persona TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	device_class INTEGER NOT NULL,
	seed BLOB NOT NULL,
	PRIMARY KEY (container, context, persona)
);`

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	// Read-modify-write transactions must not interleave.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set metadata db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set metadata db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize metadata schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q querier, key trustmesh.ContextKey) (trustmesh.AccountMetadata, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT metadata_json FROM account_metadata WHERE container = ? AND context = ? AND persona = ?`,
		key.Container, key.Context, key.Persona,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trustmesh.AccountMetadata{}, ErrNoAccount
		}
		return trustmesh.AccountMetadata{}, fmt.Errorf("query account metadata %s: %w", key, err)
	}

	var md trustmesh.AccountMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return trustmesh.AccountMetadata{}, &CorruptError{Key: key, Err: err}
	}
	return md, nil
}

// Load returns the stored metadata for key.
func (s *Store) Load(ctx context.Context, key trustmesh.ContextKey) (trustmesh.AccountMetadata, error) {
	return load(ctx, s.db, key)
}

// Update atomically reads the metadata for key, applies fn, and writes the
// result back. A missing row starts from the zero value. If fn returns an
// error nothing is written.
func (s *Store) Update(ctx context.Context, key trustmesh.ContextKey, fn func(*trustmesh.AccountMetadata) error) (trustmesh.AccountMetadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trustmesh.AccountMetadata{}, fmt.Errorf("begin metadata update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	md, err := load(ctx, tx, key)
	if err != nil && !errors.Is(err, ErrNoAccount) {
		return trustmesh.AccountMetadata{}, err
	}
	if err := fn(&md); err != nil {
		return trustmesh.AccountMetadata{}, err
	}

	payload, err := json.Marshal(md)
	if err != nil {
		return trustmesh.AccountMetadata{}, fmt.Errorf("marshal account metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_metadata (container, context, persona, metadata_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(container, context, persona) DO UPDATE SET
		 metadata_json = excluded.metadata_json,
		 updated_at = excluded.updated_at`,
		key.Container, key.Context, key.Persona,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return trustmesh.AccountMetadata{}, fmt.Errorf("save account metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return trustmesh.AccountMetadata{}, fmt.Errorf("commit account metadata: %w", err)
	}
	return md, nil
}

// Delete removes every row stored for key.
func (s *Store) Delete(ctx context.Context, key trustmesh.ContextKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"account_metadata", "machine_ids", "peer_keys"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE container = ? AND context = ? AND persona = ?`,
			key.Container, key.Context, key.Persona,
		); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata delete: %w", err)
	}
	return nil
}
