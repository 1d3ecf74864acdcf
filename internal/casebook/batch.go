package casebook

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// Chunk returns the index-th of total equal slices of cases (1-based) and
// the offset of its first case.
func Chunk(cases []sim.Case, total, index int) ([]sim.Case, int, error) {
	if total < 1 {
		return nil, 0, fmt.Errorf("chunk count must be at least 1, got %d", total)
	}
	if index < 1 || index > total {
		return nil, 0, fmt.Errorf("chunk index must be between 1 and %d, got %d", total, index)
	}
	size := (len(cases) + total - 1) / total
	start := (index - 1) * size
	if start >= len(cases) {
		return nil, start, nil
	}
	end := start + size
	if end > len(cases) {
		end = len(cases)
	}
	return cases[start:end], start, nil
}

// Progress is an append-only file of completed case ids.
type Progress struct {
	mu   sync.Mutex
	path string
	done map[string]bool
}

// OpenProgress loads the progress file at path. A missing file means nothing
// has been completed yet.
func OpenProgress(path string) (*Progress, error) {
	p := &Progress{path: path, done: make(map[string]bool)}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open progress file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			p.done[id] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	return p, nil
}

// Done reports whether caseID was completed.
func (p *Progress) Done(caseID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[caseID]
}

// Len returns the number of completed cases.
func (p *Progress) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.done)
}

// Mark records caseID as completed.
func (p *Progress) Mark(caseID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[caseID] {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress file: %w", err)
	}
	if _, err := fmt.Fprintln(f, caseID); err != nil {
		_ = f.Close()
		return fmt.Errorf("append progress: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close progress file: %w", err)
	}
	p.done[caseID] = true
	return nil
}
