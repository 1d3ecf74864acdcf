// Package ledger holds the append-only dialogue history and the per-agent
// audit log of a simulation run.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// Ledger is the ordered dialogue history. It has a single writer (the round
// sequencer); readers get copies.
type Ledger struct {
	mu    sync.RWMutex
	turns []sim.Turn
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Append adds a turn at the end of the history.
func (l *Ledger) Append(turn sim.Turn) error {
	if !turn.Visibility.Valid() {
		return fmt.Errorf("append turn from %s: invalid visibility %q", turn.Speaker, turn.Visibility)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turn)
	return nil
}

// AppendAll appends turns in order. Nothing is appended if any turn is invalid.
func (l *Ledger) AppendAll(turns []sim.Turn) error {
	for _, t := range turns {
		if !t.Visibility.Valid() {
			return fmt.Errorf("append turn from %s: invalid visibility %q", t.Speaker, t.Visibility)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turns...)
	return nil
}

// View returns the turns role may read, in append order.
func (l *Ledger) View(role sim.Role) []sim.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]sim.Turn, 0, len(l.turns))
	for _, t := range l.turns {
		if t.Visibility.Includes(role) {
			out = append(out, t)
		}
	}
	return out
}

// Turns returns a copy of the full history.
func (l *Ledger) Turns() []sim.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]sim.Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Round returns the turns appended during round n.
func (l *Ledger) Round(n int) []sim.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []sim.Turn
	for _, t := range l.turns {
		if t.Round == n {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of turns.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Filter returns the subset of turns role may read.
func Filter(turns []sim.Turn, role sim.Role) []sim.Turn {
	out := make([]sim.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Visibility.Includes(role) {
			out = append(out, t)
		}
	}
	return out
}

// AuditLog keeps one append-only sequence of entries per agent.
type AuditLog struct {
	mu      sync.RWMutex
	entries map[string][]sim.AuditEntry
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{entries: make(map[string][]sim.AuditEntry)}
}

// Record appends entry to its agent's sequence.
func (a *AuditLog) Record(entry sim.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[entry.Agent] = append(a.entries[entry.Agent], entry)
}

// Entries returns a copy of agent's sequence.
func (a *AuditLog) Entries(agent string) []sim.AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]sim.AuditEntry, len(a.entries[agent]))
	copy(out, a.entries[agent])
	return out
}

// Agents returns the agent keys in sorted order.
func (a *AuditLog) Agents() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns how many calls agent made in round.
func (a *AuditLog) Count(agent string, round int) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, e := range a.entries[agent] {
		if e.Round == round {
			n++
		}
	}
	return n
}

// Snapshot copies the whole log.
func (a *AuditLog) Snapshot() map[string][]sim.AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]sim.AuditEntry, len(a.entries))
	for k, v := range a.entries {
		cp := make([]sim.AuditEntry, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
