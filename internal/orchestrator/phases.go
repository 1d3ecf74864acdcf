package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sbenjam1n/tutorsim/internal/dispatch"
	"github.com/sbenjam1n/tutorsim/internal/generation"
	"github.com/sbenjam1n/tutorsim/internal/prompts"
	"github.com/sbenjam1n/tutorsim/internal/review"
	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// analysisPhase shows the stimulus to every student and collects their
// reports for the teacher in a fresh speaking order.
func (s *Sequencer) analysisPhase(ctx context.Context, n int, stimulus string) ([]review.Analysis, error) {
	if err := s.say(n, "Patient", sim.RolePatient, stimulus, sim.VisibleStudentPatient); err != nil {
		return nil, err
	}

	view := s.ledger.View(sim.RoleStudent)
	instruction := s.tmpl[prompts.StudentAnalysis]
	jobs := make([]dispatch.Job, len(s.setup.Students))
	for i, st := range s.setup.Students {
		jobs[i] = dispatch.Job{Key: st.ID, Request: generation.Request{
			Capability:  string(sim.RoleStudent),
			Instruction: instruction,
			Payload: map[string]any{
				"student_personal_profile": st,
				"case_summary":             s.setup.Case.Title(),
				"dialogue_history":         view,
				"patient_latest_statement": stimulus,
			},
			Attachments: s.setup.Attachments,
		}}
	}

	outcomes, err := s.dispatcher.Run(ctx, jobs)
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		s.record(sim.StudentAgent(o.Key), n, o.Request, o.Result)
	}

	ordered := dispatch.Arrange(outcomes, s.order.SpeakingOrder(s.studentKeys()))
	analyses := make([]review.Analysis, 0, len(ordered))
	for _, o := range ordered {
		text := strings.TrimSpace(o.Result.String("analysis_for_teacher"))
		if text == "" {
			text = fmt.Sprintf("Error: %s failed to generate analysis.", o.Key)
			if o.Result.Failure != nil {
				s.log.Warn("student analysis failed", "round", n, "student", o.Key, "reason", o.Result.Failure.Reason)
			}
		}
		if err := s.say(n, o.Key, sim.RoleStudent, text, sim.VisibleTeacherStudent); err != nil {
			return nil, err
		}
		analyses = append(analyses, review.Analysis{StudentID: o.Key, Analysis: text})
	}
	return analyses, nil
}

// guidancePhase runs the review gate and commits its turns.
func (s *Sequencer) guidancePhase(ctx context.Context, n int, analyses []review.Analysis) (string, error) {
	c := s.setup.Case
	out, err := s.gate.Finalize(ctx, review.Input{
		Round: n,
		CaseData: map[string]any{
			"case_question":        c.Question,
			"case_question_answer": c.Answer(),
			"case_images":          c.Images,
			"case_body_system":     c.BodySystem,
		},
		Steps:       c.QuestionSteps,
		History:     s.ledger.View(sim.RoleTeacher),
		Analyses:    analyses,
		Attachments: s.setup.Attachments,
	})
	if err != nil {
		return "", err
	}

	for _, e := range out.Audit {
		s.audit.Record(e)
	}
	if err := s.ledger.AppendAll(out.Turns); err != nil {
		return "", err
	}
	s.guidance = append(s.guidance, sim.GuidanceRecord{
		Round:    n,
		Status:   out.Status,
		Attempts: out.Attempts,
		Reason:   out.Reason,
	})
	return out.Guidance, nil
}

type expertQuery struct {
	student string
	query   string
}

// queryPhase collects student actions, answers expert questions and asks the
// patient every question at once. It returns the next round's stimulus.
func (s *Sequencer) queryPhase(ctx context.Context, n int, guidance string) (string, error) {
	view := s.ledger.View(sim.RoleStudent)
	instruction := s.tmpl[prompts.StudentAction]
	jobs := make([]dispatch.Job, len(s.setup.Students))
	for i, st := range s.setup.Students {
		jobs[i] = dispatch.Job{Key: st.ID, Request: generation.Request{
			Capability:  string(sim.RoleStudent),
			Instruction: instruction,
			Payload: map[string]any{
				"student_personal_profile": st,
				"case_summary":             s.setup.Case.Title(),
				"dialogue_history":         view,
				"teacher_latest_guidance":  guidance,
			},
		}}
	}

	outcomes, err := s.dispatcher.Run(ctx, jobs)
	if err != nil {
		return "", err
	}
	for _, o := range outcomes {
		s.record(sim.StudentAgent(o.Key), n, o.Request, o.Result)
	}

	var (
		patientQueries []string
		expertQueries  []expertQuery
	)
	for _, o := range dispatch.Arrange(outcomes, s.order.SpeakingOrder(s.studentKeys())) {
		if !o.Result.OK() {
			s.log.Warn("student action failed", "round", n, "student", o.Key, "reason", o.Result.FailureReason())
			continue
		}
		if q := strings.TrimSpace(o.Result.String("query_for_patient")); q != "" {
			if err := s.say(n, o.Key, sim.RoleStudent, "(query_for_patient) "+q, sim.VisibleStudentPatient); err != nil {
				return "", err
			}
			patientQueries = append(patientQueries, q)
		}
		if q := strings.TrimSpace(o.Result.String("query_for_expert")); q != "" {
			if err := s.say(n, o.Key, sim.RoleStudent, "(query_for_expert) "+q, sim.VisibleStudent); err != nil {
				return "", err
			}
			expertQueries = append(expertQueries, expertQuery{student: o.Key, query: q})
		}
	}

	if err := s.answerExperts(ctx, n, expertQueries); err != nil {
		return "", err
	}

	if len(patientQueries) == 0 {
		s.log.Info("no patient questions this round", "round", n)
		return NoPatientQuestion, nil
	}
	return s.askPatient(ctx, n, patientQueries), nil
}

func (s *Sequencer) answerExperts(ctx context.Context, n int, queries []expertQuery) error {
	if len(queries) == 0 {
		return nil
	}
	instruction := s.tmpl[prompts.ExpertMain]
	jobs := make([]dispatch.Job, len(queries))
	for i, q := range queries {
		jobs[i] = dispatch.Job{Key: q.student, Request: generation.Request{
			Capability:  string(sim.RoleExpert),
			Instruction: instruction,
			Payload: map[string]any{
				"mode":              "knowledge_query",
				"student_statement": q.query,
			},
		}}
	}

	outcomes, err := s.dispatcher.Run(ctx, jobs)
	if err != nil {
		return err
	}
	for i, o := range outcomes {
		s.record(sim.AgentExpert, n, o.Request, o.Result)
		if !o.Result.OK() {
			msg := fmt.Sprintf("Sorry, I encountered an error trying to answer the question: '%s'", queries[i].query)
			if err := s.say(n, "Medical Expert", sim.RoleExpert, msg, sim.VisibleStudent); err != nil {
				return err
			}
			continue
		}
		if provided, _ := o.Result.Bool("answer_provided"); provided {
			if err := s.say(n, "Medical Expert", sim.RoleExpert, o.Result.String("explanation"), sim.VisibleStudent); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sequencer) askPatient(ctx context.Context, n int, queries []string) string {
	req := generation.Request{
		Capability:  string(sim.RolePatient),
		Instruction: s.tmpl[prompts.PatientRuntime],
		Payload: map[string]any{
			"script": map[string]any{
				"persona":    s.setup.Persona,
				"case_facts": s.setup.Case.PatientScript,
			},
			"dialogue_history": s.ledger.View(sim.RolePatient),
			"student_queries":  queries,
		},
	}
	res := s.port.Generate(ctx, req)
	s.record(sim.AgentPatient, n, req, res)

	reply := strings.TrimSpace(res.String("response"))
	if reply == "" {
		if res.Failure != nil {
			s.log.Warn("patient reply failed", "round", n, "reason", res.Failure.Reason)
		}
		return patientFallback
	}
	return reply
}
