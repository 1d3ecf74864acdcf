// Package export writes a finished transcript to per-run JSON files.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// TimestampLayout names run directories.
const TimestampLayout = "20060102_150405"

type setup struct {
	Case     sim.Case             `json:"selected_case"`
	Persona  sim.Persona          `json:"patient_persona"`
	Students []sim.StudentProfile `json:"selected_students"`
}

type mainLog struct {
	RunID      string                `json:"run_id"`
	Setup      setup                 `json:"simulation_setup"`
	History    map[string][]turnView `json:"dialogue_history"`
	Stimuli    []string              `json:"stimuli"`
	Guidance   []sim.GuidanceRecord  `json:"guidance"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

type turnView struct {
	Speaker    string             `json:"speaker"`
	Content    string             `json:"content"`
	Visibility sim.Visibility     `json:"visibility"`
	Status     sim.GuidanceStatus `json:"status,omitempty"`
}

type ioInput struct {
	SystemPrompt string         `json:"system_prompt"`
	UserPrompt   map[string]any `json:"user_prompt"`
}

type ioEntry struct {
	Round     int            `json:"round"`
	Timestamp time.Time      `json:"timestamp"`
	Input     ioInput        `json:"input"`
	Output    map[string]any `json:"output"`
	Failure   string         `json:"failure,omitempty"`
}

// Dir returns the run directory for t under root.
func Dir(root string, t *sim.Transcript) string {
	id := t.Case.ID
	if id == "" {
		id = "UnknownCase"
	}
	return filepath.Join(root, fmt.Sprintf("%s_%s", safeName(id), t.StartedAt.Format(TimestampLayout)))
}

// Write stores the main log and one I/O log per agent in the run directory
// and returns that directory.
func Write(root string, t *sim.Transcript) (string, error) {
	dir := Dir(root, t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	caseID := safeName(t.Case.ID)
	if caseID == "" {
		caseID = "UnknownCase"
	}

	main := mainLog{
		RunID:      t.RunID,
		Setup:      setup{Case: t.Case, Persona: t.Persona, Students: t.Students},
		History:    byRound(t.Turns),
		Stimuli:    t.Stimuli,
		Guidance:   t.Guidance,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if err := writeJSON(filepath.Join(dir, fmt.Sprintf("simulation_log_%s_main.json", caseID)), main); err != nil {
		return "", err
	}

	agents := make([]string, 0, len(t.Audit))
	for a := range t.Audit {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		entries := make([]ioEntry, len(t.Audit[agent]))
		for i, e := range t.Audit[agent] {
			entries[i] = ioEntry{
				Round:     e.Round,
				Timestamp: e.Timestamp,
				Input:     ioInput{SystemPrompt: e.Instruction, UserPrompt: e.Payload},
				Output:    e.Output,
				Failure:   e.Failure,
			}
		}
		name := fmt.Sprintf("simulation_log_%s_%s_io.json", caseID, safeName(agent))
		if err := writeJSON(filepath.Join(dir, name), entries); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func byRound(turns []sim.Turn) map[string][]turnView {
	out := make(map[string][]turnView)
	for _, t := range turns {
		key := fmt.Sprintf("round_%d", t.Round)
		out[key] = append(out[key], turnView{
			Speaker:    t.Speaker,
			Content:    t.Content,
			Visibility: t.Visibility,
			Status:     t.Status,
		})
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// safeName keeps ids usable as file name parts.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
