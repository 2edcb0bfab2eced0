package executor

import (
	"context"
	"io"
	"log/slog"

	"github.com/jkaninda/kazi/internal/capability"
)

// generatedContentInput is the input key the hybrid executor binds the
// generative phase's output under before running the code phase.
const generatedContentInput = "generated_content"

// HybridExecutor runs hybrid capabilities: a generative phase produces
// content, then the capability's code runs in the sandbox with that
// content bound as an input. A failed generative phase short-circuits;
// the code phase never runs on missing content.
type HybridExecutor struct {
	generative *GenerativeExecutor
	code       *CodeExecutor
	logger     *slog.Logger
}

// NewHybridExecutor composes the two phase executors.
func NewHybridExecutor(generative *GenerativeExecutor, code *CodeExecutor, logger *slog.Logger) *HybridExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HybridExecutor{generative: generative, code: code, logger: logger}
}

func (e *HybridExecutor) Type() capability.ExecutionType { return capability.ExecutionHybrid }

func (e *HybridExecutor) Execute(ctx context.Context, c *capability.Capability, inputs map[string]any, opts Options) (*capability.Result, error) {
	genResult, err := e.generative.Execute(ctx, c, inputs, opts)
	if err != nil {
		return nil, err
	}
	if !genResult.Success {
		return genResult, nil
	}

	e.logger.DebugContext(ctx, "hybrid generative phase done",
		slog.String("capability", c.ID),
	)

	codeInputs := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		codeInputs[k] = v
	}
	codeInputs[generatedContentInput] = genResult.Output

	return e.code.Execute(ctx, c, codeInputs, opts)
}
