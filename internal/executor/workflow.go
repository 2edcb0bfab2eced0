package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/capability"
)

// WorkflowExecutor runs workflow capabilities as a strict sequence of
// steps, each dispatched back through the runtime so nested capabilities
// get the same validation and bookkeeping as top-level calls. The first
// failing step halts the workflow.
type WorkflowExecutor struct {
	dispatch Dispatcher
	logger   *slog.Logger
}

// NewWorkflowExecutor creates a workflow executor. The dispatcher is
// set later by the runtime via SetDispatcher; the two reference each
// other, so one side has to be wired after construction.
func NewWorkflowExecutor(logger *slog.Logger) *WorkflowExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WorkflowExecutor{logger: logger}
}

// SetDispatcher wires the runtime's dispatch function. Must be called
// before the first Execute.
func (e *WorkflowExecutor) SetDispatcher(d Dispatcher) { e.dispatch = d }

func (e *WorkflowExecutor) Type() capability.ExecutionType { return capability.ExecutionWorkflow }

func (e *WorkflowExecutor) Execute(ctx context.Context, c *capability.Capability, inputs map[string]any, opts Options) (*capability.Result, error) {
	if e.dispatch == nil {
		return nil, fmt.Errorf("capability %s: workflow executor has no dispatcher", c.ID)
	}

	outputs := make(map[string]any, len(c.Workflow))
	produced := make(map[string][]byte)
	var last any

	for _, step := range c.Workflow {
		stepInputs, err := resolveStepInputs(step, inputs, outputs)
		if err != nil {
			return &capability.Result{
				CapabilityID: c.ID,
				Success:      false,
				Error:        err.Error(),
				FailedStep:   step.ID,
			}, nil
		}

		e.logger.DebugContext(ctx, "workflow step executing",
			slog.String("workflow", c.ID),
			slog.String("step", step.ID),
			slog.String("capability", step.Capability),
		)

		res, err := e.dispatch(ctx, step.Capability, stepInputs, opts)
		if err != nil {
			return &capability.Result{
				CapabilityID: c.ID,
				Success:      false,
				Error:        fmt.Sprintf("step %s: %v", step.ID, err),
				FailedStep:   step.ID,
			}, nil
		}
		if !res.Success {
			return &capability.Result{
				CapabilityID:  c.ID,
				Success:       false,
				Error:         fmt.Sprintf("step %s: %s", step.ID, res.Error),
				FailedStep:    step.ID,
				ProducedFiles: mergeFiles(produced, res.ProducedFiles),
			}, nil
		}

		outputs[step.ID] = res.Output
		last = res.Output
		mergeFiles(produced, res.ProducedFiles)
	}

	return &capability.Result{
		CapabilityID:  c.ID,
		Success:       true,
		Output:        last,
		ProducedFiles: produced,
	}, nil
}

// resolveStepInputs builds a step's inputs from its literal bindings.
// A string value of the form "$<step_id>" substitutes that step's
// output; "$inputs" substitutes the workflow's own input map. Steps
// with no bindings inherit the workflow inputs unchanged.
func resolveStepInputs(step capability.Step, workflowInputs map[string]any, outputs map[string]any) (map[string]any, error) {
	if len(step.Inputs) == 0 {
		return workflowInputs, nil
	}
	resolved := make(map[string]any, len(step.Inputs))
	for key, value := range step.Inputs {
		ref, ok := value.(string)
		if !ok || !strings.HasPrefix(ref, "$") {
			resolved[key] = value
			continue
		}
		name := strings.TrimPrefix(ref, "$")
		if name == "inputs" {
			resolved[key] = workflowInputs
			continue
		}
		out, ok := outputs[name]
		if !ok {
			return nil, fmt.Errorf("step %s: input %s references unknown step %q", step.ID, key, name)
		}
		resolved[key] = out
	}
	return resolved, nil
}

// mergeFiles folds src into dst, later steps winning on name clashes.
func mergeFiles(dst, src map[string][]byte) map[string][]byte {
	for name, data := range src {
		dst[name] = data
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}
