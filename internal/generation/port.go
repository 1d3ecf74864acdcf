// Package generation is the boundary to the role-agent backends: every
// simulated participant produces its turns through a Port.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Attachment is opaque binary media sent alongside a payload.
type Attachment struct {
	MediaType string
	Data      []byte
}

// Request asks a role-agent for one structured response.
type Request struct {
	Capability  string
	Instruction string
	Payload     map[string]any
	Attachments []Attachment
}

// Failure is the terminal outcome of a generation call that never produced
// a usable structured result. It is an expected value, not an error.
type Failure struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Result is either a structured output or a Failure.
type Result struct {
	Output  map[string]any
	Failure *Failure
}

// OK reports whether the call produced structured output.
func (r Result) OK() bool {
	return r.Failure == nil && r.Output != nil
}

// String returns a string field of the output, or "" when absent.
func (r Result) String(key string) string {
	if r.Output == nil {
		return ""
	}
	s, _ := r.Output[key].(string)
	return s
}

// Bool returns a boolean field of the output and whether it was present.
func (r Result) Bool(key string) (value, present bool) {
	if r.Output == nil {
		return false, false
	}
	b, ok := r.Output[key].(bool)
	return b, ok
}

// FailureReason returns the failure reason or "".
func (r Result) FailureReason() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Reason
}

// Fail builds a failed Result.
func Fail(attempts int, format string, args ...any) Result {
	return Result{Failure: &Failure{Reason: fmt.Sprintf(format, args...), Attempts: attempts}}
}

// Port is the single capability every role-agent exposes.
type Port interface {
	Generate(ctx context.Context, req Request) Result
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context, req Request) Result

func (f PortFunc) Generate(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// Router dispatches requests to a Port by capability id.
type Router map[string]Port

func (r Router) Generate(ctx context.Context, req Request) Result {
	p, ok := r[req.Capability]
	if !ok || p == nil {
		return Fail(0, "no generation handle for capability %q", req.Capability)
	}
	return p.Generate(ctx, req)
}

// AuditPayload returns a deep copy of the request payload suitable for
// logging. Attachments never appear in it.
func AuditPayload(req Request) map[string]any {
	if req.Payload == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return map[string]any{"unserializable_payload": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"unserializable_payload": err.Error()}
	}
	delete(out, "images_data")
	return out
}
