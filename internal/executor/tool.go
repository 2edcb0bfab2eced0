package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/tools"
)

// ToolExecutor runs tool capabilities by dispatching to a registered
// tool. The capability's execution binding names the tool; inputs pass
// through the tool's own validation before execution.
type ToolExecutor struct {
	registry *tools.Registry
	logger   *slog.Logger
}

// NewToolExecutor creates a tool executor backed by the given registry.
func NewToolExecutor(registry *tools.Registry, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ToolExecutor{registry: registry, logger: logger}
}

func (e *ToolExecutor) Type() capability.ExecutionType { return capability.ExecutionTool }

func (e *ToolExecutor) Execute(ctx context.Context, c *capability.Capability, inputs map[string]any, _ Options) (*capability.Result, error) {
	name := c.Execution.Tool
	if name == "" {
		return nil, fmt.Errorf("capability %s: no tool binding", c.ID)
	}
	tool := e.registry.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("capability %s: %w: %q", c.ID, ErrUnknownTool, name)
	}

	if err := tool.Validate(inputs); err != nil {
		return failure(c.ID, fmt.Errorf("tool %s: %w", name, err)), nil
	}

	e.logger.DebugContext(ctx, "tool executing",
		slog.String("capability", c.ID),
		slog.String("tool", name),
	)

	res, err := tool.Execute(ctx, inputs)
	if err != nil {
		return failure(c.ID, fmt.Errorf("tool %s: %w", name, err)), nil
	}

	return &capability.Result{
		CapabilityID: c.ID,
		Success:      res.Success,
		Output:       res.Output,
	}, nil
}
