// Package store persists the last-known ledger snapshot and cached
// verification outcome across restarts, using a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
)

// SQLiteStore implements entitlement.StateStore on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (or creates) the state database under dataDir.
func New(dataDir string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "entitlement.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "state_store").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("state database initialized")
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ledger_snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS verification_outcome (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			outcome TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot stores the ledger snapshot, replacing any previous one.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap entitlement.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_snapshot (id, snapshot, updated_at)
		VALUES (1, ?, datetime('now'))
		ON CONFLICT (id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`, string(data))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted ledger snapshot, if any.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (entitlement.Snapshot, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM ledger_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Snapshot{}, false, nil
	}
	if err != nil {
		return entitlement.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var snap entitlement.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return entitlement.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// SaveOutcome stores the latest verification outcome, replacing any previous
// one.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, outcome entitlement.VerificationOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verification_outcome (id, outcome, updated_at)
		VALUES (1, ?, datetime('now'))
		ON CONFLICT (id) DO UPDATE SET outcome = excluded.outcome, updated_at = excluded.updated_at
	`, string(data))
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

// LoadOutcome returns the persisted verification outcome, if any.
func (s *SQLiteStore) LoadOutcome(ctx context.Context) (entitlement.VerificationOutcome, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT outcome FROM verification_outcome WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.VerificationOutcome{}, false, nil
	}
	if err != nil {
		return entitlement.VerificationOutcome{}, false, fmt.Errorf("load outcome: %w", err)
	}

	var outcome entitlement.VerificationOutcome
	if err := json.Unmarshal([]byte(data), &outcome); err != nil {
		return entitlement.VerificationOutcome{}, false, fmt.Errorf("unmarshal outcome: %w", err)
	}
	return outcome, true, nil
}
