// Package store persists finished simulation transcripts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sbenjam1n/tutorsim/internal/ledger"
	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// RunSummary is the listing view of a stored run.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	CaseID         string    `json:"case_id"`
	CaseTitle      string    `json:"case_title"`
	Rounds         int       `json:"rounds"`
	Turns          int       `json:"turns"`
	FallbackRounds int       `json:"fallback_rounds"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Repository defines how transcripts are stored and read back.
type Repository interface {
	// SaveTranscript stores a run, replacing any earlier copy with the same id.
	SaveTranscript(ctx context.Context, t *sim.Transcript) error

	// GetRun returns the full transcript of a run.
	GetRun(ctx context.Context, runID string) (*sim.Transcript, error)

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	// Turns returns a run's dialogue in order. A non-empty role restricts the
	// result to turns that role may read.
	Turns(ctx context.Context, runID string, role sim.Role) ([]sim.Turn, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

func summarize(t *sim.Transcript) RunSummary {
	return RunSummary{
		RunID:          t.RunID,
		CaseID:         t.Case.ID,
		CaseTitle:      t.Case.Title(),
		Rounds:         t.Rounds,
		Turns:          len(t.Turns),
		FallbackRounds: t.FallbackRounds(),
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
	}
}

func encodeTranscript(t *sim.Transcript) ([]byte, error) {
	if t == nil || t.RunID == "" {
		return nil, errors.New("transcript has no run id")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript %s: %w", t.RunID, err)
	}
	return data, nil
}

func decodeTranscript(runID string, data []byte) (*sim.Transcript, error) {
	var t sim.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transcript %s: %w", runID, err)
	}
	return &t, nil
}

// scopeTurns applies the role filter of Repository.Turns.
func scopeTurns(turns []sim.Turn, role sim.Role) []sim.Turn {
	if role == "" {
		return turns
	}
	return ledger.Filter(turns, role)
}

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Repository = (*Postgres)(nil)
)
