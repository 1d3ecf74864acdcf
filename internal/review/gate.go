// Package review guards the teacher's guidance with a bounded
// draft, review and revise loop.
package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sbenjam1n/tutorsim/internal/dispatch"
	"github.com/sbenjam1n/tutorsim/internal/generation"
	"github.com/sbenjam1n/tutorsim/internal/logger"
	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// FallbackGuidance is committed when no draft is approved within the bound.
const FallbackGuidance = "Let's pause and reconsider. What is the most critical piece of information we need right now?"

const (
	expertPassNote     = "Fact check passed. The guidance is factually correct."
	supervisorPassNote = "Safety check passed. The guidance is safe and ethical."
	fallbackNote       = "Teacher draft failed all reviews. Using a fallback guidance."
)

// DefaultMaxAttempts bounds the number of drafts per round.
const DefaultMaxAttempts = 3

// Templates are the instructions the gate sends.
type Templates struct {
	Guidance   string
	Revision   string
	Expert     string
	Supervisor string
}

// Config configures a Gate.
type Config struct {
	Templates   Templates
	MaxAttempts int
	Clock       func() time.Time
}

// Analysis is one student's report for the round.
type Analysis struct {
	StudentID string `json:"student_id"`
	Analysis  string `json:"analysis"`
}

// Input is everything the teacher drafts from.
type Input struct {
	Round       int
	CaseData    map[string]any
	Steps       []any
	History     []sim.Turn
	Analyses    []Analysis
	Attachments []generation.Attachment
}

// Outcome is the finalized guidance of a round. Turns and Audit must be
// appended by the caller in the order given.
type Outcome struct {
	Guidance string
	Status   sim.GuidanceStatus
	Attempts int
	Reason   string
	Drafts   []Draft
	Verdicts []Verdict
	Turns    []sim.Turn
	Audit    []sim.AuditEntry
}

// Gate runs the review-revision state machine for one round at a time.
type Gate struct {
	port        generation.Port
	dispatcher  *dispatch.Dispatcher
	tmpl        Templates
	maxAttempts int
	now         func() time.Time
	log         *logger.Logger
}

// New creates a gate. Reviews are dispatched through d.
func New(port generation.Port, d *dispatch.Dispatcher, cfg Config, log *logger.Logger) *Gate {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Gate{
		port:        port,
		dispatcher:  d,
		tmpl:        cfg.Templates,
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Clock,
		log:         log,
	}
}

// round accumulates the turns and audit entries of one Finalize call.
type round struct {
	n     int
	out   Outcome
	clock func() time.Time
}

func (r *round) say(speaker string, role sim.Role, content string, vis sim.Visibility) {
	r.out.Turns = append(r.out.Turns, sim.Turn{
		Round:      r.n,
		Speaker:    speaker,
		Role:       role,
		Content:    content,
		Visibility: vis,
	})
}

func (r *round) record(agent string, req generation.Request, res generation.Result) {
	r.out.Audit = append(r.out.Audit, sim.AuditEntry{
		Agent:       agent,
		Round:       r.n,
		Timestamp:   r.clock(),
		Instruction: req.Instruction,
		Payload:     generation.AuditPayload(req),
		Output:      res.Output,
		Failure:     res.FailureReason(),
	})
}

// Finalize drafts, reviews and revises until both reviewers approve or the
// attempt bound is reached, then commits either the approved draft or the
// fallback guidance.
func (g *Gate) Finalize(ctx context.Context, in Input) (Outcome, error) {
	r := &round{n: in.Round, clock: g.now}

	base := map[string]any{
		"static_context": map[string]any{
			"case_data":           in.CaseData,
			"case_socratic_steps": in.Steps,
		},
		"dynamic_context": map[string]any{
			"dialogue_history":         in.History,
			"current_student_analyses": in.Analyses,
		},
	}

	var (
		draft    Draft
		latest   map[string]string
		history  []Verdict
		approved bool
	)

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		r.out.Attempts = attempt

		if attempt == 1 {
			draft = g.draft(ctx, r, DraftInitial, attempt, g.tmpl.Guidance, base, in.Attachments)
		} else {
			payload := map[string]any{
				"previous_guidance": draft.Text,
				"feedback":          latest,
				"review_history":    history,
				"context":           base,
			}
			draft = g.draft(ctx, r, DraftRevision, attempt, g.tmpl.Revision, payload, in.Attachments)
		}
		r.out.Drafts = append(r.out.Drafts, draft)
		r.say(fmt.Sprintf("Teacher (Draft %d)", attempt), sim.RoleTeacher, draft.Text, sim.VisibleTeacher)

		expert, supervisor, err := g.review(ctx, r, attempt, draft, in)
		if err != nil {
			return Outcome{}, err
		}
		r.out.Verdicts = append(r.out.Verdicts, expert, supervisor)

		if expert.Passed && supervisor.Passed {
			r.say("Expert (Review)", sim.RoleExpert, expertPassNote, sim.VisibleTeacherPrivate)
			r.say("Supervisor (Review)", sim.RoleSupervisor, supervisorPassNote, sim.VisibleTeacherPrivate)
			approved = true
			break
		}

		latest = map[string]string{}
		if !expert.Passed {
			r.say("Expert (Review)", sim.RoleExpert, "FAILED: "+expert.Feedback, sim.VisibleTeacherPrivate)
			latest[FeedbackExpert] = expert.Feedback
			history = append(history, expert)
		}
		if !supervisor.Passed {
			r.say("Supervisor (Review)", sim.RoleSupervisor, "FAILED: "+supervisor.Feedback, sim.VisibleTeacherPrivate)
			latest[FeedbackSupervisor] = supervisor.Feedback
			history = append(history, supervisor)
		}
		g.log.Info("guidance draft rejected",
			"round", in.Round,
			"attempt", attempt,
			"expert_passed", expert.Passed,
			"supervisor_passed", supervisor.Passed,
		)
	}

	if approved {
		r.out.Guidance = draft.Text
		r.out.Status = sim.GuidanceApproved
	} else {
		r.out.Guidance = FallbackGuidance
		r.out.Status = sim.GuidanceFallback
		r.out.Reason = rejectionReason(latest)
		r.say("System", sim.RoleSystem, fallbackNote+" Reason: "+r.out.Reason, sim.VisibleTeacher)
		g.log.Warn("guidance fell back after exhausting review attempts",
			"round", in.Round,
			"attempts", r.out.Attempts,
			"reason", r.out.Reason,
		)
	}

	r.out.Turns = append(r.out.Turns, sim.Turn{
		Round:      in.Round,
		Speaker:    "Teacher",
		Role:       sim.RoleTeacher,
		Content:    r.out.Guidance,
		Visibility: sim.VisibleTeacherStudent,
		Status:     r.out.Status,
	})
	return r.out, nil
}

func (g *Gate) draft(ctx context.Context, r *round, kind DraftKind, attempt int, instruction string, payload map[string]any, media []generation.Attachment) Draft {
	req := generation.Request{
		Capability:  string(sim.RoleTeacher),
		Instruction: instruction,
		Payload:     payload,
		Attachments: media,
	}
	res := g.port.Generate(ctx, req)
	r.record(sim.AgentTeacher, req, res)

	text := strings.TrimSpace(res.String(kind.field()))
	if !res.OK() || text == "" {
		if res.Failure != nil {
			g.log.Warn("teacher draft failed", "round", r.n, "attempt", attempt, "kind", kind.String(), "reason", res.Failure.Reason)
		}
		return Draft{
			Kind:    kind,
			Attempt: attempt,
			Text:    fmt.Sprintf("Error: Teacher failed to generate on attempt %d.", attempt),
			Failed:  true,
		}
	}
	return Draft{Kind: kind, Attempt: attempt, Text: text}
}

// review runs the two reviewers concurrently and returns their verdicts.
func (g *Gate) review(ctx context.Context, r *round, attempt int, d Draft, in Input) (Verdict, Verdict, error) {
	expertReq := generation.Request{
		Capability:  string(sim.RoleExpert),
		Instruction: g.tmpl.Expert,
		Payload: map[string]any{
			"mode":              "fact_check",
			"case_data":         in.CaseData,
			"teacher_statement": d.Text,
		},
		Attachments: in.Attachments,
	}
	supervisorReq := generation.Request{
		Capability:  string(sim.RoleSupervisor),
		Instruction: g.tmpl.Supervisor,
		Payload:     map[string]any{"teacher_statement": d.Text},
	}

	outcomes, err := g.dispatcher.Run(ctx, []dispatch.Job{
		{Key: sim.AgentExpert, Request: expertReq},
		{Key: sim.AgentSupervisor, Request: supervisorReq},
	})
	if err != nil {
		return Verdict{}, Verdict{}, fmt.Errorf("dispatch reviews: %w", err)
	}

	expertRes, supervisorRes := outcomes[0].Result, outcomes[1].Result
	r.record(sim.AgentExpert, expertReq, expertRes)
	r.record(sim.AgentSupervisor, supervisorReq, supervisorRes)

	expert := verdict(sim.AgentExpert, attempt, expertRes, "is_correct", "feedback", "Fact check failed.")
	supervisor := verdict(sim.AgentSupervisor, attempt, supervisorRes, "is_safe", "feedback_and_suggestion", "Safety check failed.")
	return expert, supervisor, nil
}

// verdict reads a reviewer result. A Failure, a missing flag or a false flag
// all reject the draft.
func verdict(reviewer string, attempt int, res generation.Result, flag, feedbackKey, fallback string) Verdict {
	v := Verdict{Reviewer: reviewer, Attempt: attempt}
	if !res.OK() {
		v.Feedback = "review unavailable: " + res.FailureReason()
		return v
	}
	ok, present := res.Bool(flag)
	if present && ok {
		v.Passed = true
		return v
	}
	v.Feedback = strings.TrimSpace(res.String(feedbackKey))
	if v.Feedback == "" {
		v.Feedback = fallback
	}
	if !present {
		v.Feedback = fmt.Sprintf("%s (missing %s verdict)", v.Feedback, flag)
	}
	return v
}

func rejectionReason(feedback map[string]string) string {
	var parts []string
	for _, key := range []string{FeedbackExpert, FeedbackSupervisor} {
		if fb, ok := feedback[key]; ok {
			parts = append(parts, key+": "+fb)
		}
	}
	if len(parts) == 0 {
		return "no approved draft"
	}
	return strings.Join(parts, "; ")
}
