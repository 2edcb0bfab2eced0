// Package executor implements the per-type execution strategies behind
// the runtime: tool dispatch, model generation, sandboxed code, step
// workflows, and the hybrid generate-then-run combination. Each strategy
// handles exactly one capability execution type; the runtime picks one
// from a Set by the capability's declared type.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/kazi/internal/capability"
)

var (
	// ErrUnsupportedType means no executor is registered for the
	// capability's execution type.
	ErrUnsupportedType = errors.New("unsupported execution type")

	// ErrUnknownTool means a tool capability names a tool that is not in
	// the registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoCode means a code capability carries no runnable source for
	// the selected backend.
	ErrNoCode = errors.New("no code source")
)

// Options carries the per-call knobs a caller may set on top of the
// capability descriptor.
type Options struct {
	// SessionID pins the execution to a named sandbox session. Empty =
	// a session keyed by the capability ID.
	SessionID string

	// Model overrides the adapter's configured model for generative and
	// hybrid capabilities.
	Model string
}

// Executor runs capabilities of exactly one execution type.
//
// An error return means the execution could not be attempted at all
// (unknown tool, no adapter, sandbox setup failure). A failed attempt —
// non-zero exit, timeout, model refusal — comes back as a Result with
// Success false and a nil error, so callers handle both shapes the
// same way the runtime does: by folding errors into failed results.
type Executor interface {
	Type() capability.ExecutionType
	Execute(ctx context.Context, c *capability.Capability, inputs map[string]any, opts Options) (*capability.Result, error)
}

// Dispatcher re-enters the runtime to execute a capability by ID. The
// workflow executor uses it to run steps through the full pipeline
// (validation, metrics, history) instead of calling executors directly.
type Dispatcher func(ctx context.Context, capabilityID string, inputs map[string]any, opts Options) (*capability.Result, error)

// Set is an immutable table of executors keyed by execution type.
type Set struct {
	executors map[capability.ExecutionType]Executor
}

// NewSet builds a set from the given executors. Duplicate types panic;
// that is a wiring bug, not a runtime condition.
func NewSet(executors ...Executor) *Set {
	s := &Set{executors: make(map[capability.ExecutionType]Executor, len(executors))}
	for _, e := range executors {
		if _, dup := s.executors[e.Type()]; dup {
			panic(fmt.Sprintf("executor: duplicate executor for type %q", e.Type()))
		}
		s.executors[e.Type()] = e
	}
	return s
}

// For returns the executor for the given type.
func (s *Set) For(t capability.ExecutionType) (Executor, error) {
	e, ok := s.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, t)
	}
	return e, nil
}

// failure builds the uniform failed result shape.
func failure(capabilityID string, err error) *capability.Result {
	return &capability.Result{
		CapabilityID: capabilityID,
		Success:      false,
		Error:        err.Error(),
	}
}
