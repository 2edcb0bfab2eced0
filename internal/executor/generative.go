package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/jkaninda/kazi/internal/adapter"
	"github.com/jkaninda/kazi/internal/capability"
)

// GenerativeExecutor runs generative capabilities through a model
// adapter. The capability picks the adapter by name; unset means the
// registry default, so local configs can route everything to Ollama
// without touching descriptors.
type GenerativeExecutor struct {
	adapters *adapter.Registry
	logger   *slog.Logger
}

// NewGenerativeExecutor creates a generative executor backed by the
// given adapter registry.
func NewGenerativeExecutor(adapters *adapter.Registry, logger *slog.Logger) *GenerativeExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GenerativeExecutor{adapters: adapters, logger: logger}
}

func (e *GenerativeExecutor) Type() capability.ExecutionType { return capability.ExecutionGenerative }

func (e *GenerativeExecutor) Execute(ctx context.Context, c *capability.Capability, inputs map[string]any, opts Options) (*capability.Result, error) {
	a, err := e.adapters.Get(c.Execution.Adapter)
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", c.ID, err)
	}

	req := &adapter.Request{
		SystemPrompt: systemPrompt(c),
		Prompt:       renderPrompt(c, inputs),
		Model:        opts.Model,
	}

	e.logger.DebugContext(ctx, "generative executing",
		slog.String("capability", c.ID),
		slog.String("adapter", a.Name()),
	)

	resp, err := a.Complete(ctx, req)
	if err != nil {
		return failure(c.ID, fmt.Errorf("adapter %s: %w", a.Name(), err)), nil
	}

	return &capability.Result{
		CapabilityID: c.ID,
		Success:      true,
		Output:       resp.Content,
	}, nil
}

// systemPrompt returns the descriptor's override or a generated frame
// built from the capability's own metadata.
func systemPrompt(c *capability.Capability) string {
	if c.Execution.SystemPrompt != "" {
		return c.Execution.SystemPrompt
	}
	var sb strings.Builder
	sb.WriteString("You are executing the capability ")
	sb.WriteString(c.ID)
	sb.WriteString(".")
	if c.Description != "" {
		sb.WriteString(" ")
		sb.WriteString(c.Description)
	}
	sb.WriteString(" Respond with the result only, no preamble.")
	return sb.String()
}

// renderPrompt binds the inputs into a user prompt. A "prompt" input is
// used verbatim; any remaining inputs are appended as a labeled block
// in stable key order so identical calls render identical prompts.
func renderPrompt(c *capability.Capability, inputs map[string]any) string {
	var sb strings.Builder
	if p, ok := inputs["prompt"].(string); ok && p != "" {
		sb.WriteString(p)
	} else if c.Description != "" {
		sb.WriteString(c.Description)
	} else {
		sb.WriteString(c.ID)
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		if k == "prompt" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return sb.String()
	}
	sort.Strings(keys)

	sb.WriteString("\n\nInputs:\n")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(stringifyInput(inputs[k]))
		sb.WriteString("\n")
	}
	return sb.String()
}

func stringifyInput(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
