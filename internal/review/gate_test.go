package review

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sbenjam1n/tutorsim/internal/dispatch"
	"github.com/sbenjam1n/tutorsim/internal/generation"
	"github.com/sbenjam1n/tutorsim/internal/sim"
)

// fakePort answers by capability and keeps every request it saw.
type fakePort struct {
	mu       sync.Mutex
	requests []generation.Request
	answer   map[string]func(req generation.Request, call int) generation.Result
	calls    map[string]int
}

func newFakePort() *fakePort {
	return &fakePort{
		answer: map[string]func(generation.Request, int) generation.Result{},
		calls:  map[string]int{},
	}
}

func (f *fakePort) Generate(_ context.Context, req generation.Request) generation.Result {
	f.mu.Lock()
	f.calls[req.Capability]++
	call := f.calls[req.Capability]
	f.requests = append(f.requests, req)
	fn := f.answer[req.Capability]
	f.mu.Unlock()
	if fn == nil {
		return generation.Fail(1, "no script for %s", req.Capability)
	}
	return fn(req, call)
}

func (f *fakePort) count(capability string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[capability]
}

func (f *fakePort) teacherRequests() []generation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []generation.Request
	for _, r := range f.requests {
		if r.Capability == "teacher" {
			out = append(out, r)
		}
	}
	return out
}

func ok(out map[string]any) generation.Result {
	return generation.Result{Output: out}
}

func teacherScript(req generation.Request, call int) generation.Result {
	if call == 1 {
		return ok(map[string]any{"guidance": "Which ECG leads show elevation?"})
	}
	return ok(map[string]any{"revised_guidance": "Revision " + string(rune('0'+call))})
}

func newGate(port generation.Port, attempts int) *Gate {
	clock := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return New(port, dispatch.New(port, 0), Config{
		Templates:   Templates{Guidance: "guide", Revision: "revise", Expert: "expert", Supervisor: "supervisor"},
		MaxAttempts: attempts,
		Clock:       clock,
	}, nil)
}

func input() Input {
	return Input{
		Round:    1,
		CaseData: map[string]any{"case_question": "Next step?"},
		Analyses: []Analysis{{StudentID: "S1", Analysis: "Likely STEMI."}},
	}
}

func TestFinalizeApprovesFirstDraft(t *testing.T) {
	port := newFakePort()
	port.answer["teacher"] = teacherScript
	port.answer["expert"] = func(generation.Request, int) generation.Result { return ok(map[string]any{"is_correct": true}) }
	port.answer["supervisor"] = func(generation.Request, int) generation.Result { return ok(map[string]any{"is_safe": true}) }

	out, err := newGate(port, 3).Finalize(context.Background(), input())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if out.Status != sim.GuidanceApproved || out.Attempts != 1 {
		t.Errorf("status = %s attempts = %d", out.Status, out.Attempts)
	}
	if out.Guidance != "Which ECG leads show elevation?" {
		t.Errorf("guidance = %q", out.Guidance)
	}
	if port.count("teacher") != 1 || port.count("expert") != 1 || port.count("supervisor") != 1 {
		t.Errorf("calls = %v", port.calls)
	}

	wantSpeakers := []string{"Teacher (Draft 1)", "Expert (Review)", "Supervisor (Review)", "Teacher"}
	if len(out.Turns) != len(wantSpeakers) {
		t.Fatalf("turns = %d, want %d", len(out.Turns), len(wantSpeakers))
	}
	for i, s := range wantSpeakers {
		if out.Turns[i].Speaker != s {
			t.Errorf("turn %d speaker = %s, want %s", i, out.Turns[i].Speaker, s)
		}
	}
	final := out.Turns[len(out.Turns)-1]
	if final.Visibility != sim.VisibleTeacherStudent || final.Status != sim.GuidanceApproved {
		t.Errorf("final turn = %+v", final)
	}
	if len(out.Audit) != 3 {
		t.Errorf("audit entries = %d, want 3", len(out.Audit))
	}
}

func TestFinalizeFallsBackAtBound(t *testing.T) {
	port := newFakePort()
	port.answer["teacher"] = teacherScript
	port.answer["expert"] = func(generation.Request, int) generation.Result { return ok(map[string]any{"is_correct": true}) }
	port.answer["supervisor"] = func(generation.Request, int) generation.Result {
		return ok(map[string]any{"is_safe": false, "feedback_and_suggestion": "unsafe"})
	}

	out, err := newGate(port, 3).Finalize(context.Background(), input())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if out.Status != sim.GuidanceFallback || out.Guidance != FallbackGuidance {
		t.Errorf("status = %s guidance = %q", out.Status, out.Guidance)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
	if port.count("teacher") != 3 {
		t.Errorf("teacher calls = %d, want 3", port.count("teacher"))
	}
	if reviews := port.count("expert") + port.count("supervisor"); reviews != 6 {
		t.Errorf("review calls = %d, want 6", reviews)
	}
	if !strings.Contains(out.Reason, "unsafe") {
		t.Errorf("reason = %q", out.Reason)
	}

	var drafts, failures, system int
	for _, turn := range out.Turns {
		switch {
		case strings.HasPrefix(turn.Speaker, "Teacher (Draft"):
			drafts++
			if turn.Visibility != sim.VisibleTeacher {
				t.Errorf("draft visibility = %s", turn.Visibility)
			}
		case turn.Speaker == "Supervisor (Review)":
			failures++
			if turn.Content != "FAILED: unsafe" || turn.Visibility != sim.VisibleTeacherPrivate {
				t.Errorf("supervisor turn = %+v", turn)
			}
		case turn.Speaker == "System":
			system++
		case turn.Speaker == "Expert (Review)":
			t.Errorf("passing expert should not log a turn before approval: %+v", turn)
		}
	}
	if drafts != 3 || failures != 3 || system != 1 {
		t.Errorf("drafts = %d failures = %d system = %d", drafts, failures, system)
	}
	final := out.Turns[len(out.Turns)-1]
	if final.Speaker != "Teacher" || final.Status != sim.GuidanceFallback {
		t.Errorf("final turn = %+v", final)
	}
}

func TestFinalizeRevisionPayload(t *testing.T) {
	port := newFakePort()
	port.answer["teacher"] = teacherScript
	port.answer["expert"] = func(_ generation.Request, call int) generation.Result {
		if call == 1 {
			return ok(map[string]any{"is_correct": false, "feedback": "wrong lead territory"})
		}
		return ok(map[string]any{"is_correct": true})
	}
	port.answer["supervisor"] = func(_ generation.Request, call int) generation.Result {
		if call <= 2 {
			return ok(map[string]any{"is_safe": false, "feedback_and_suggestion": "tone"})
		}
		return ok(map[string]any{"is_safe": true})
	}

	out, err := newGate(port, 3).Finalize(context.Background(), input())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Status != sim.GuidanceApproved || out.Attempts != 3 {
		t.Fatalf("status = %s attempts = %d", out.Status, out.Attempts)
	}
	if out.Guidance != "Revision 3" {
		t.Errorf("guidance = %q", out.Guidance)
	}

	reqs := port.teacherRequests()
	if len(reqs) != 3 {
		t.Fatalf("teacher requests = %d", len(reqs))
	}
	if reqs[0].Instruction != "guide" || reqs[1].Instruction != "revise" {
		t.Errorf("instructions = %q, %q", reqs[0].Instruction, reqs[1].Instruction)
	}

	fb2 := reqs[1].Payload["feedback"].(map[string]string)
	if fb2[FeedbackExpert] != "wrong lead territory" || fb2[FeedbackSupervisor] != "tone" {
		t.Errorf("attempt 2 feedback = %v", fb2)
	}
	if reqs[1].Payload["previous_guidance"] != "Which ECG leads show elevation?" {
		t.Errorf("previous_guidance = %v", reqs[1].Payload["previous_guidance"])
	}

	// The expert passed on attempt 2, so only the newer supervisor feedback remains.
	fb3 := reqs[2].Payload["feedback"].(map[string]string)
	if _, stale := fb3[FeedbackExpert]; stale {
		t.Errorf("attempt 3 feedback kept stale expert entry: %v", fb3)
	}
	hist := reqs[2].Payload["review_history"].([]Verdict)
	if len(hist) != 3 {
		t.Errorf("review history = %d entries, want 3", len(hist))
	}
	if _, ok := reqs[2].Payload["context"].(map[string]any)["static_context"]; !ok {
		t.Error("revision lost the original context")
	}
}

func TestFinalizeTreatsReviewerFailureAsRejection(t *testing.T) {
	port := newFakePort()
	port.answer["teacher"] = func(generation.Request, int) generation.Result {
		return generation.Fail(3, "teacher backend down")
	}
	port.answer["expert"] = func(generation.Request, int) generation.Result {
		return generation.Fail(3, "timeout")
	}
	port.answer["supervisor"] = func(generation.Request, int) generation.Result {
		return ok(map[string]any{"feedback_and_suggestion": "looks fine"})
	}

	out, err := newGate(port, 2).Finalize(context.Background(), input())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Status != sim.GuidanceFallback || out.Attempts != 2 {
		t.Fatalf("status = %s attempts = %d", out.Status, out.Attempts)
	}
	if out.Turns[0].Content != "Error: Teacher failed to generate on attempt 1." {
		t.Errorf("failed draft placeholder = %q", out.Turns[0].Content)
	}
	for _, v := range out.Verdicts {
		if v.Passed {
			t.Errorf("verdict %+v should be a rejection", v)
		}
	}
	if !strings.Contains(out.Verdicts[0].Feedback, "review unavailable: timeout") {
		t.Errorf("expert feedback = %q", out.Verdicts[0].Feedback)
	}
	if !strings.Contains(out.Verdicts[1].Feedback, "missing is_safe") {
		t.Errorf("supervisor feedback = %q", out.Verdicts[1].Feedback)
	}
}

func TestFinalizeStripsMediaFromAudit(t *testing.T) {
	port := newFakePort()
	port.answer["teacher"] = teacherScript
	port.answer["expert"] = func(req generation.Request, _ int) generation.Result {
		if len(req.Attachments) != 1 {
			t.Errorf("expert attachments = %d, want 1", len(req.Attachments))
		}
		return ok(map[string]any{"is_correct": true})
	}
	port.answer["supervisor"] = func(req generation.Request, _ int) generation.Result {
		if len(req.Attachments) != 0 {
			t.Errorf("supervisor should not receive images")
		}
		return ok(map[string]any{"is_safe": true})
	}

	in := input()
	in.Attachments = []generation.Attachment{{MediaType: "image/png", Data: []byte("png")}}
	out, err := newGate(port, 1).Finalize(context.Background(), in)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	for _, e := range out.Audit {
		if _, ok := e.Payload["images_data"]; ok {
			t.Errorf("%s audit payload carries media", e.Agent)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("%s audit entry missing timestamp", e.Agent)
		}
	}
}
