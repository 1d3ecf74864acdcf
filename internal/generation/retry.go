package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sbenjam1n/tutorsim/internal/logger"
)

// Backend performs a single generation attempt.
type Backend interface {
	Complete(ctx context.Context, req Request) (map[string]any, error)
}

// RetryPolicy bounds how a Retrying port calls its backend.
type RetryPolicy struct {
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number before the next attempt.
	BaseDelay   time.Duration
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts, 2s/4s backoff and a two minute
// per-call timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		CallTimeout: 120 * time.Second,
	}
}

// Retrying is a Port that retries transport and parse failures with
// increasing backoff and reports exhaustion as a Failure.
type Retrying struct {
	backend Backend
	policy  RetryPolicy
	log     *logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps backend with policy. Zero policy fields take defaults.
func NewRetrying(backend Backend, policy RetryPolicy, log *logger.Logger) *Retrying {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = def.CallTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Retrying{backend: backend, policy: policy, log: log, sleep: sleepCtx}
}

func (r *Retrying) Generate(ctx context.Context, req Request) Result {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Fail(attempt-1, "generation for %s cancelled: %v", req.Capability, err)
		}

		out, err := r.attempt(ctx, req)
		if err == nil {
			return Result{Output: out}
		}
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := time.Duration(attempt) * r.policy.BaseDelay
		r.log.Warn("generation attempt failed, retrying",
			"capability", req.Capability,
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"sleep", delay.String(),
			"error", err.Error(),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return Fail(attempt, "generation for %s cancelled during backoff: %v", req.Capability, err)
		}
	}

	r.log.Error("generation failed after retries",
		"capability", req.Capability,
		"attempts", r.policy.MaxAttempts,
		"error", errString(lastErr),
	)
	return Fail(r.policy.MaxAttempts, "generation for %s failed after %d attempts: %s",
		req.Capability, r.policy.MaxAttempts, errString(lastErr))
}

func (r *Retrying) attempt(ctx context.Context, req Request) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()

	out, err := r.backend.Complete(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("call timed out after %s: %w", r.policy.CallTimeout, err)
		}
		return nil, err
	}
	if out == nil {
		return nil, errors.New("backend returned no structured output")
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
