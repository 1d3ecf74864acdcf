package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// MigrationFile is the schema file Migrate applies.
const MigrationFile = "001_initial.sql"

// Postgres implements Repository on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect creates a connection pool to PostgreSQL.
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate runs the SQL migration file in migrationsDir.
func (p *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	sql, err := os.ReadFile(filepath.Join(migrationsDir, MigrationFile))
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}
	if _, err := p.pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// SaveTranscript writes the run, its turns and its audit entries in one
// transaction.
func (p *Postgres) SaveTranscript(ctx context.Context, t *sim.Transcript) error {
	data, err := encodeTranscript(t)
	if err != nil {
		return err
	}
	sum := summarize(t)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (run_id, case_id, case_title, rounds, turn_count, fallback_rounds,
		                  started_at, finished_at, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			case_id = EXCLUDED.case_id,
			case_title = EXCLUDED.case_title,
			rounds = EXCLUDED.rounds,
			turn_count = EXCLUDED.turn_count,
			fallback_rounds = EXCLUDED.fallback_rounds,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			transcript = EXCLUDED.transcript
	`, sum.RunID, sum.CaseID, sum.CaseTitle, sum.Rounds, sum.Turns, sum.FallbackRounds,
		sum.StartedAt, sum.FinishedAt, string(data))
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", t.RunID, err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM turns WHERE run_id = $1", t.RunID); err != nil {
		return fmt.Errorf("clear turns for %s: %w", t.RunID, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM audit_entries WHERE run_id = $1", t.RunID); err != nil {
		return fmt.Errorf("clear audit for %s: %w", t.RunID, err)
	}

	for i, turn := range t.Turns {
		_, err := tx.Exec(ctx, `
			INSERT INTO turns (run_id, seq, round, speaker, role, content, visibility, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		`, t.RunID, i, turn.Round, turn.Speaker, string(turn.Role), turn.Content,
			string(turn.Visibility), string(turn.Status))
		if err != nil {
			return fmt.Errorf("insert turn %d of %s: %w", i, t.RunID, err)
		}
	}

	for agent, entries := range t.Audit {
		for i, e := range entries {
			_, err := tx.Exec(ctx, `
				INSERT INTO audit_entries (run_id, agent, seq, round, created_at, system_prompt, user_prompt, output, failure)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
			`, t.RunID, agent, i, e.Round, e.Timestamp, e.Instruction, e.Payload, e.Output, e.Failure)
			if err != nil {
				return fmt.Errorf("insert audit entry %s/%d of %s: %w", agent, i, t.RunID, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// GetRun returns the stored transcript.
func (p *Postgres) GetRun(ctx context.Context, runID string) (*sim.Transcript, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT transcript FROM runs WHERE run_id = $1", runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}
	return decodeTranscript(runID, data)
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT run_id, case_id, case_title, rounds, turn_count, fallback_rounds, started_at, finished_at
		FROM runs ORDER BY started_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.CaseID, &r.CaseTitle, &r.Rounds, &r.Turns,
			&r.FallbackRounds, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Turns returns a run's dialogue, optionally scoped to what role may read.
func (p *Postgres) Turns(ctx context.Context, runID string, role sim.Role) ([]sim.Turn, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE run_id = $1)", runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT round, speaker, role, content, visibility, COALESCE(status, '')
		FROM turns WHERE run_id = $1 ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query turns of %s: %w", runID, err)
	}
	defer rows.Close()

	var turns []sim.Turn
	for rows.Next() {
		var t sim.Turn
		var speakerRole, vis, status string
		if err := rows.Scan(&t.Round, &t.Speaker, &speakerRole, &t.Content, &vis, &status); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		v, err := sim.ParseVisibility(vis)
		if err != nil {
			return nil, fmt.Errorf("turn of %s: %w", runID, err)
		}
		t.Role = sim.Role(speakerRole)
		t.Visibility = v
		t.Status = sim.GuidanceStatus(status)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns of %s: %w", runID, err)
	}
	return scopeTurns(turns, role), nil
}
