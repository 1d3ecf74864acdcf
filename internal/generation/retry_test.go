package generation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedBackend struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (map[string]any, error)
}

func (b *scriptedBackend) Complete(ctx context.Context, _ Request) (map[string]any, error) {
	n := int(b.calls.Add(1))
	return b.fn(ctx, n)
}

func newTestRetrying(b Backend, policy RetryPolicy) (*Retrying, *[]time.Duration) {
	r := NewRetrying(b, policy, nil)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestRetryingSucceedsAfterTransientFailures(t *testing.T) {
	b := &scriptedBackend{fn: func(_ context.Context, call int) (map[string]any, error) {
		if call < 3 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{"guidance": "ok"}, nil
	}}
	r, slept := newTestRetrying(b, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second})

	res := r.Generate(context.Background(), Request{Capability: "teacher"})
	if !res.OK() {
		t.Fatalf("expected success, got failure %q", res.FailureReason())
	}
	if res.String("guidance") != "ok" {
		t.Errorf("guidance = %q", res.String("guidance"))
	}
	if got := b.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("backoff = %v, want %v", *slept, want)
	}
}

func TestRetryingReturnsFailureAfterExhaustion(t *testing.T) {
	b := &scriptedBackend{fn: func(context.Context, int) (map[string]any, error) {
		return nil, errors.New("status 503")
	}}
	r, slept := newTestRetrying(b, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	res := r.Generate(context.Background(), Request{Capability: "expert"})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Failure.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Failure.Attempts)
	}
	if !strings.Contains(res.Failure.Reason, "status 503") {
		t.Errorf("reason should carry last error: %q", res.Failure.Reason)
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}
}

func TestRetryingCountsTimeoutAsAttempt(t *testing.T) {
	b := &scriptedBackend{fn: func(ctx context.Context, call int) (map[string]any, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"response": "fine"}, nil
	}}
	r, _ := newTestRetrying(b, RetryPolicy{MaxAttempts: 2, CallTimeout: 20 * time.Millisecond})

	res := r.Generate(context.Background(), Request{Capability: "patient"})
	if !res.OK() {
		t.Fatalf("expected success on second attempt, got %q", res.FailureReason())
	}
	if got := b.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestRetryingStopsOnCancelledContext(t *testing.T) {
	b := &scriptedBackend{fn: func(context.Context, int) (map[string]any, error) {
		return map[string]any{"x": 1}, nil
	}}
	r, _ := newTestRetrying(b, RetryPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Generate(ctx, Request{Capability: "student"})
	if res.OK() {
		t.Fatal("expected failure for cancelled context")
	}
	if b.calls.Load() != 0 {
		t.Errorf("backend should not be called, calls = %d", b.calls.Load())
	}
}

func TestRetryingRejectsNilOutput(t *testing.T) {
	b := &scriptedBackend{fn: func(context.Context, int) (map[string]any, error) {
		return nil, nil
	}}
	r, _ := newTestRetrying(b, RetryPolicy{MaxAttempts: 2})

	res := r.Generate(context.Background(), Request{Capability: "student"})
	if res.OK() {
		t.Fatal("nil output must not count as success")
	}
	if b.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", b.calls.Load())
	}
}

func TestRouterUnknownCapability(t *testing.T) {
	r := Router{"teacher": PortFunc(func(context.Context, Request) Result {
		return Result{Output: map[string]any{}}
	})}
	if res := r.Generate(context.Background(), Request{Capability: "teacher"}); !res.OK() {
		t.Error("expected routed call to succeed")
	}
	res := r.Generate(context.Background(), Request{Capability: "oracle"})
	if res.OK() || !strings.Contains(res.FailureReason(), "oracle") {
		t.Errorf("unexpected result for unknown capability: %+v", res)
	}
}

func TestAuditPayloadDropsMedia(t *testing.T) {
	req := Request{
		Payload: map[string]any{
			"teacher_statement": "Consider the ECG.",
			"images_data":       []string{"aGVsbG8="},
			"nested":            map[string]any{"k": "v"},
		},
		Attachments: []Attachment{{MediaType: "image/png", Data: []byte("png")}},
	}
	got := AuditPayload(req)
	if _, ok := got["images_data"]; ok {
		t.Error("images_data should be stripped")
	}
	if got["teacher_statement"] != "Consider the ECG." {
		t.Errorf("payload lost fields: %v", got)
	}

	got["nested"].(map[string]any)["k"] = "changed"
	if req.Payload["nested"].(map[string]any)["k"] != "v" {
		t.Error("audit payload must be a deep copy")
	}
}
