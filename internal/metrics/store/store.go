// Package store provides durable persistence for aggregated metrics: the
// latest snapshot, daily cost/token rollups, and a one-shot migration
// status flag (spec §4.E). Backed by an embedded, cgo-free SQLite database
// at "<data-root>/metrics.db", one per user.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/cco-dev/claude-code-orchestra/internal/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the metrics.db connection.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) the parent directory and the database file at
// path, runs pending migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set wal mode: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// snapshotPayload is the JSON shape persisted in the snapshots table.
type snapshotPayload struct {
	Global       metrics.Totals                    `json:"global"`
	Conversation uint64                             `json:"conversation"`
	ByModel      map[string]*metrics.Totals         `json:"by_model"`
	ByProject    map[string]*metrics.ProjectTotals  `json:"by_project"`
	UpdatedAt    time.Time                          `json:"updated_at"`
}

// SaveSnapshot upserts the latest aggregated snapshot (latest wins, single
// row). Called only by the watcher worker after folding new events.
func (s *Store) SaveSnapshot(ctx context.Context, snap *metrics.Snapshot) error {
	payload := snapshotPayload{
		Global:       snap.Global,
		Conversation: snap.Conversation,
		ByModel:      snap.ByModel,
		ByProject:    snap.ByProject,
		UpdatedAt:    snap.UpdatedAt,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved snapshot, or a fresh empty
// one if none has been saved yet. O(1): a single primary-key lookup.
func (s *Store) LatestSnapshot(ctx context.Context) (*metrics.Snapshot, error) {
	var payloadJSON string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = 1`).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return metrics.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot: %w", err)
	}

	var payload snapshotPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}

	snap := metrics.NewSnapshot()
	snap.Global = payload.Global
	snap.Conversation = payload.Conversation
	snap.UpdatedAt = payload.UpdatedAt
	if payload.ByModel != nil {
		snap.ByModel = payload.ByModel
	}
	if payload.ByProject != nil {
		snap.ByProject = payload.ByProject
	}
	return snap, nil
}

// UpsertDailyRollup folds totals into the (date, model) rollup row, adding
// to any existing counters for that day.
func (s *Store) UpsertDailyRollup(ctx context.Context, date, model string, t metrics.Totals) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_rollups (date, model, input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, cost, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, model) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cache_write_tokens = cache_write_tokens + excluded.cache_write_tokens,
			cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
			cost = cost + excluded.cost,
			message_count = message_count + excluded.message_count
	`, date, model, t.InputTokens, t.OutputTokens, t.CacheWriteTokens, t.CacheReadTokens, t.Cost, t.MessageCount)
	if err != nil {
		return fmt.Errorf("store: upsert daily rollup: %w", err)
	}
	return nil
}

// DailyRollup is one (date, model) row from the rollup table.
type DailyRollup struct {
	Date   string
	Model  string
	Totals metrics.Totals
}

// DailyRollupsInRange returns all rollup rows with date in [start, end]
// (inclusive, "YYYY-MM-DD" lexical comparison), feeding the /api/stats
// chart series.
func (s *Store) DailyRollupsInRange(ctx context.Context, start, end string) ([]DailyRollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, model, input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, cost, message_count
		FROM daily_rollups
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: query daily rollups: %w", err)
	}
	defer rows.Close()

	var out []DailyRollup
	for rows.Next() {
		var r DailyRollup
		if err := rows.Scan(&r.Date, &r.Model, &r.Totals.InputTokens, &r.Totals.OutputTokens,
			&r.Totals.CacheWriteTokens, &r.Totals.CacheReadTokens, &r.Totals.Cost, &r.Totals.MessageCount); err != nil {
			return nil, fmt.Errorf("store: scan daily rollup: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MigrationDone reports whether the named one-shot migration (e.g. the
// original JSONL-to-DB backfill) has already completed.
func (s *Store) MigrationDone(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM migration_status WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check migration status: %w", err)
	}
	return count > 0, nil
}

// MarkMigrationDone records that the named one-shot migration has run.
func (s *Store) MarkMigrationDone(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_status (name, completed_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: mark migration done: %w", err)
	}
	return nil
}
