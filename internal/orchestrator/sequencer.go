// Package orchestrator runs a simulation: K rounds of analysis, reviewed
// teacher guidance and student queries over a shared dialogue ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sbenjam1n/tutorsim/internal/dispatch"
	"github.com/sbenjam1n/tutorsim/internal/generation"
	"github.com/sbenjam1n/tutorsim/internal/ledger"
	"github.com/sbenjam1n/tutorsim/internal/logger"
	"github.com/sbenjam1n/tutorsim/internal/prompts"
	"github.com/sbenjam1n/tutorsim/internal/review"
	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// Setup errors.
var (
	ErrNoStudents       = errors.New("at least one student is required")
	ErrDuplicateStudent = errors.New("duplicate student id")
	ErrInvalidRounds    = errors.New("max rounds must be at least 1")
)

// NoPatientQuestion is the stimulus of a round that follows one without
// patient queries.
const NoPatientQuestion = "No question from students"

const patientFallback = "I'm not sure how to answer that."

// Setup is the static material of a run.
type Setup struct {
	Case        sim.Case
	Persona     sim.Persona
	Students    []sim.StudentProfile
	Attachments []generation.Attachment
}

// Options tune a run.
type Options struct {
	MaxRounds         int
	MaxReviewAttempts int
	// Width caps concurrent generation calls per fan-out. Zero means no cap.
	Width int
	Seed  int64
	RunID string
	Clock func() time.Time
}

// Sequencer drives the rounds of one run. It is the only writer of its
// ledger and audit log.
type Sequencer struct {
	port       generation.Port
	tmpl       prompts.Set
	setup      Setup
	opts       Options
	log        *logger.Logger
	dispatcher *dispatch.Dispatcher
	gate       *review.Gate
	order      *dispatch.Shuffler

	ledger   *ledger.Ledger
	audit    *ledger.AuditLog
	stimuli  []string
	guidance []sim.GuidanceRecord
}

// New validates the setup and builds a sequencer. No generation call is made.
func New(port generation.Port, tmpl prompts.Set, setup Setup, opts Options, log *logger.Logger) (*Sequencer, error) {
	if len(setup.Students) == 0 {
		return nil, ErrNoStudents
	}
	seen := make(map[string]bool, len(setup.Students))
	for _, s := range setup.Students {
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStudent, s.ID)
		}
		seen[s.ID] = true
	}
	if opts.MaxRounds < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRounds, opts.MaxRounds)
	}
	if err := tmpl.Check(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("run_id", opts.RunID, "case_id", setup.Case.ID)

	d := dispatch.New(port, opts.Width)
	s := &Sequencer{
		port:       port,
		tmpl:       tmpl,
		setup:      setup,
		opts:       opts,
		log:        log,
		dispatcher: d,
		order:      dispatch.NewShuffler(opts.Seed),
		ledger:     ledger.New(),
		audit:      ledger.NewAuditLog(),
	}
	s.gate = review.New(port, d, review.Config{
		Templates: review.Templates{
			Guidance:   tmpl[prompts.TeacherGuidance],
			Revision:   tmpl[prompts.TeacherRevision],
			Expert:     tmpl[prompts.ExpertMain],
			Supervisor: tmpl[prompts.SupervisorReview],
		},
		MaxAttempts: opts.MaxReviewAttempts,
		Clock:       opts.Clock,
	}, log)
	return s, nil
}

// RunID returns the id the transcript will carry.
func (s *Sequencer) RunID() string {
	return s.opts.RunID
}

// Run executes every round and returns the transcript. Cancelling ctx stops
// the run before the next round starts; the partial transcript is returned
// with the error.
func (s *Sequencer) Run(ctx context.Context) (*sim.Transcript, error) {
	started := s.opts.Clock()
	stimulus := s.setup.Case.OpeningStatement()

	s.log.Info("simulation started",
		"rounds", s.opts.MaxRounds,
		"students", len(s.setup.Students),
		"persona", s.setup.Persona.ID,
	)

	for n := 1; n <= s.opts.MaxRounds; n++ {
		if err := ctx.Err(); err != nil {
			s.log.Warn("simulation aborted", "round", n, "error", err.Error())
			return s.transcript(started, n-1), fmt.Errorf("run %s aborted before round %d: %w", s.opts.RunID, n, err)
		}

		next, err := s.round(ctx, n, stimulus)
		if err != nil {
			return s.transcript(started, n-1), fmt.Errorf("round %d: %w", n, err)
		}
		stimulus = next
	}

	t := s.transcript(started, s.opts.MaxRounds)
	s.log.Info("simulation finished",
		"turns", len(t.Turns),
		"fallback_rounds", t.FallbackRounds(),
	)
	return t, nil
}

func (s *Sequencer) round(ctx context.Context, n int, stimulus string) (string, error) {
	s.stimuli = append(s.stimuli, stimulus)
	s.log.Info("round started", "round", n)

	analyses, err := s.analysisPhase(ctx, n, stimulus)
	if err != nil {
		return "", fmt.Errorf("analysis phase: %w", err)
	}
	guidance, err := s.guidancePhase(ctx, n, analyses)
	if err != nil {
		return "", fmt.Errorf("guidance phase: %w", err)
	}
	next, err := s.queryPhase(ctx, n, guidance)
	if err != nil {
		return "", fmt.Errorf("query phase: %w", err)
	}
	return next, nil
}

func (s *Sequencer) transcript(started time.Time, rounds int) *sim.Transcript {
	stimuli := make([]string, len(s.stimuli))
	copy(stimuli, s.stimuli)
	guidance := make([]sim.GuidanceRecord, len(s.guidance))
	copy(guidance, s.guidance)
	students := make([]sim.StudentProfile, len(s.setup.Students))
	copy(students, s.setup.Students)

	return &sim.Transcript{
		RunID:      s.opts.RunID,
		Case:       s.setup.Case,
		Persona:    s.setup.Persona,
		Students:   students,
		Rounds:     rounds,
		Turns:      s.ledger.Turns(),
		Audit:      s.audit.Snapshot(),
		Stimuli:    stimuli,
		Guidance:   guidance,
		StartedAt:  started,
		FinishedAt: s.opts.Clock(),
	}
}

// say appends one turn. Visibility is always one of the package constants,
// so an error here is a programming mistake.
func (s *Sequencer) say(n int, speaker string, role sim.Role, content string, vis sim.Visibility) error {
	return s.ledger.Append(sim.Turn{Round: n, Speaker: speaker, Role: role, Content: content, Visibility: vis})
}

func (s *Sequencer) record(agent string, n int, req generation.Request, res generation.Result) {
	s.audit.Record(sim.AuditEntry{
		Agent:       agent,
		Round:       n,
		Timestamp:   s.opts.Clock(),
		Instruction: req.Instruction,
		Payload:     generation.AuditPayload(req),
		Output:      res.Output,
		Failure:     res.FailureReason(),
	})
}

func (s *Sequencer) studentKeys() []string {
	keys := make([]string, len(s.setup.Students))
	for i, st := range s.setup.Students {
		keys[i] = st.ID
	}
	return keys
}
