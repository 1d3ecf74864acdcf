package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sbenjam1n/tutorsim/internal/generation"
)

func echoPort(maxDelay time.Duration) generation.Port {
	return generation.PortFunc(func(ctx context.Context, req generation.Request) generation.Result {
		time.Sleep(time.Duration(rand.Int63n(int64(maxDelay))))
		return generation.Result{Output: map[string]any{"echo": req.Payload["id"]}}
	})
}

func TestRunPairsOutcomesWithJobsUnderRandomDelays(t *testing.T) {
	d := New(echoPort(5*time.Millisecond), 0)

	for iter := 0; iter < 20; iter++ {
		var jobs []Job
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("S%d", i)
			jobs = append(jobs, Job{Key: id, Request: generation.Request{
				Capability: "student",
				Payload:    map[string]any{"id": id},
			}})
		}

		outcomes, err := d.Run(context.Background(), jobs)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(outcomes) != len(jobs) {
			t.Fatalf("outcomes = %d, want %d", len(outcomes), len(jobs))
		}
		for i, o := range outcomes {
			if o.Key != jobs[i].Key {
				t.Fatalf("slot %d key = %s, want %s", i, o.Key, jobs[i].Key)
			}
			if got := o.Result.String("echo"); got != o.Key {
				t.Fatalf("slot %d carries result for %s", i, got)
			}
		}
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	port := generation.PortFunc(func(_ context.Context, req generation.Request) generation.Result {
		switch req.Payload["id"] {
		case "bad":
			return generation.Fail(3, "backend down")
		case "panic":
			panic("boom")
		}
		return generation.Result{Output: map[string]any{"ok": true}}
	})
	d := New(port, 2)

	outcomes, err := d.Run(context.Background(), []Job{
		{Key: "a", Request: generation.Request{Payload: map[string]any{"id": "a"}}},
		{Key: "bad", Request: generation.Request{Payload: map[string]any{"id": "bad"}}},
		{Key: "panic", Request: generation.Request{Payload: map[string]any{"id": "panic"}}},
		{Key: "b", Request: generation.Request{Payload: map[string]any{"id": "b"}}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tests := []struct {
		slot int
		ok   bool
	}{
		{0, true}, {1, false}, {2, false}, {3, true},
	}
	for _, tt := range tests {
		if got := outcomes[tt.slot].Result.OK(); got != tt.ok {
			t.Errorf("slot %d OK = %v, want %v", tt.slot, got, tt.ok)
		}
	}
	if outcomes[1].Result.Failure.Attempts != 3 {
		t.Errorf("failure attempts = %d, want 3", outcomes[1].Result.Failure.Attempts)
	}
}

func TestRunRespectsWidth(t *testing.T) {
	var inFlight, peak atomic.Int32
	port := generation.PortFunc(func(context.Context, generation.Request) generation.Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return generation.Result{Output: map[string]any{}}
	})

	var jobs []Job
	for i := 0; i < 10; i++ {
		jobs = append(jobs, Job{Key: fmt.Sprint(i)})
	}
	if _, err := New(port, 3).Run(context.Background(), jobs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestRunRejectsDuplicateKeys(t *testing.T) {
	var calls atomic.Int32
	port := generation.PortFunc(func(context.Context, generation.Request) generation.Result {
		calls.Add(1)
		return generation.Result{Output: map[string]any{}}
	})
	_, err := New(port, 0).Run(context.Background(), []Job{{Key: "x"}, {Key: "x"}})
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	if calls.Load() != 0 {
		t.Errorf("no job should run, calls = %d", calls.Load())
	}
}

func TestRunEmpty(t *testing.T) {
	out, err := New(echoPort(time.Millisecond), 0).Run(context.Background(), nil)
	if err != nil || len(out) != 0 {
		t.Errorf("Run(nil) = %v, %v", out, err)
	}
}
