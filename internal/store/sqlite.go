package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) a SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		case_title TEXT NOT NULL,
		rounds INTEGER NOT NULL,
		turn_count INTEGER NOT NULL,
		fallback_rounds INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		transcript_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS turns (
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		round INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		visibility TEXT NOT NULL,
		status TEXT,
		PRIMARY KEY (run_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTranscript stores the run row and its turns in one transaction.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, t *sim.Transcript) error {
	data, err := encodeTranscript(t)
	if err != nil {
		return err
	}
	sum := summarize(t)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE run_id = ?`, t.RunID); err != nil {
		return fmt.Errorf("clear turns for %s: %w", t.RunID, err)
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO runs (run_id, case_id, case_title, rounds, turn_count, fallback_rounds, started_at, finished_at, transcript_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		case_id = excluded.case_id,
		case_title = excluded.case_title,
		rounds = excluded.rounds,
		turn_count = excluded.turn_count,
		fallback_rounds = excluded.fallback_rounds,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at,
		transcript_json = excluded.transcript_json`,
		sum.RunID, sum.CaseID, sum.CaseTitle, sum.Rounds, sum.Turns, sum.FallbackRounds,
		sum.StartedAt.UnixMilli(), sum.FinishedAt.UnixMilli(), string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", t.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO turns (run_id, seq, round, speaker, role, content, visibility, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for i, turn := range t.Turns {
		var status any
		if turn.Status != "" {
			status = string(turn.Status)
		}
		if _, err := stmt.ExecContext(ctx, t.RunID, i, turn.Round, turn.Speaker, string(turn.Role),
			turn.Content, string(turn.Visibility), status); err != nil {
			return fmt.Errorf("insert turn %d of %s: %w", i, t.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", t.RunID, err)
	}
	return nil
}

// GetRun returns the stored transcript.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*sim.Transcript, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT transcript_json FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}
	return decodeTranscript(runID, []byte(data))
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, case_id, case_title, rounds, turn_count, fallback_rounds, started_at, finished_at
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var started, finished int64
		if err := rows.Scan(&r.RunID, &r.CaseID, &r.CaseTitle, &r.Rounds, &r.Turns, &r.FallbackRounds, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Turns returns a run's dialogue, optionally scoped to what role may read.
func (s *SQLiteStore) Turns(ctx context.Context, runID string, role sim.Role) ([]sim.Turn, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT round, speaker, role, content, visibility, status
		FROM turns WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query turns of %s: %w", runID, err)
	}
	defer rows.Close()

	var turns []sim.Turn
	for rows.Next() {
		var (
			t                sim.Turn
			speakerRole, vis string
			status           sql.NullString
		)
		if err := rows.Scan(&t.Round, &t.Speaker, &speakerRole, &t.Content, &vis, &status); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		v, err := sim.ParseVisibility(vis)
		if err != nil {
			return nil, fmt.Errorf("turn of %s: %w", runID, err)
		}
		t.Role = sim.Role(speakerRole)
		t.Visibility = v
		t.Status = sim.GuidanceStatus(status.String)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns of %s: %w", runID, err)
	}
	return scopeTurns(turns, role), nil
}
