// Package dispatch fans generation requests out concurrently and gathers
// their results back in submission order.
package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sbenjam1n/tutorsim/internal/generation"
)

// Job is one keyed generation request.
type Job struct {
	Key     string
	Request generation.Request
}

// Outcome pairs a job with its result.
type Outcome struct {
	Key     string
	Request generation.Request
	Result  generation.Result
}

// Dispatcher runs jobs against a Port with bounded concurrency.
type Dispatcher struct {
	port  generation.Port
	width int
}

// New creates a dispatcher. A width of zero or less runs every job at once.
func New(port generation.Port, width int) *Dispatcher {
	return &Dispatcher{port: port, width: width}
}

// Run submits all jobs, waits for every one of them and returns outcomes in
// job order. A failed job yields an outcome carrying its Failure; it never
// affects the other jobs.
func (d *Dispatcher) Run(ctx context.Context, jobs []Job) ([]Outcome, error) {
	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if _, dup := seen[j.Key]; dup {
			return nil, fmt.Errorf("dispatch jobs: duplicate key %q", j.Key)
		}
		seen[j.Key] = struct{}{}
	}

	out := make([]Outcome, len(jobs))
	if len(jobs) == 0 {
		return out, nil
	}

	var g errgroup.Group
	limit := d.width
	if limit <= 0 || limit > len(jobs) {
		limit = len(jobs)
	}
	g.SetLimit(limit)

	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			res := d.generate(ctx, j.Request)
			out[i] = Outcome{Key: j.Key, Request: j.Request, Result: res}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (d *Dispatcher) generate(ctx context.Context, req generation.Request) (res generation.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = generation.Fail(0, "generation for %s panicked: %v", req.Capability, r)
		}
	}()
	return d.port.Generate(ctx, req)
}

// ByKey indexes outcomes by job key.
func ByKey(outcomes []Outcome) map[string]Outcome {
	m := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		m[o.Key] = o
	}
	return m
}
