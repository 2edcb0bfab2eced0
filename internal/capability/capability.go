// Package capability defines the declarative capability model: what an
// invocable unit of work is, what it needs and produces, and how it runs.
// Descriptors are handed to the engine fully formed — the engine never
// parses pack directories or skill files itself.
package capability

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionType selects the execution strategy for a capability.
// The variant set is closed — the runtime dispatches over it with an
// exhaustive switch, not open-ended plugins.
type ExecutionType string

const (
	ExecutionTool       ExecutionType = "tool"       // Direct structured tool call.
	ExecutionGenerative ExecutionType = "generative" // Model-adapter generation.
	ExecutionCode       ExecutionType = "code"       // Sandboxed code execution.
	ExecutionWorkflow   ExecutionType = "workflow"   // Sequence of other capabilities.
	ExecutionHybrid     ExecutionType = "hybrid"     // Generative phase feeding a code phase.
)

// Valid reports whether t is one of the known execution types.
func (t ExecutionType) Valid() bool {
	switch t {
	case ExecutionTool, ExecutionGenerative, ExecutionCode, ExecutionWorkflow, ExecutionHybrid:
		return true
	}
	return false
}

// RiskLevel classifies the blast radius of a capability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"      // Read-only, no side effects.
	RiskMedium   RiskLevel = "medium"   // Limited, reversible side effects.
	RiskHigh     RiskLevel = "high"     // Significant side effects.
	RiskCritical RiskLevel = "critical" // Irreversible or dangerous.
)

// InputSchema is a minimal JSON-Schema-shaped input contract.
type InputSchema struct {
	Type       string         `json:"type,omitempty" yaml:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string       `json:"required,omitempty" yaml:"required,omitempty"`
}

// ValidateInputs checks the given inputs against the schema's required
// list. Property types are not enforced; the sandbox boundary already
// serializes everything through JSON.
func (s InputSchema) ValidateInputs(inputs map[string]any) error {
	for _, key := range s.Required {
		if _, ok := inputs[key]; !ok {
			return fmt.Errorf("missing required input %q", key)
		}
	}
	return nil
}

// ResourceLimits constrains sandboxed execution. Only the docker backend
// can enforce these with OS-level guarantees; the process backend treats
// them as best effort and the host backend ignores them entirely.
type ResourceLimits struct {
	MemoryMB int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUCores float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
}

// Execution holds the per-backend code and prompt bindings.
type Execution struct {
	// Tool names the registered tool invoked by tool capabilities.
	Tool string `json:"tool,omitempty" yaml:"tool,omitempty"`

	// Entrypoint is a script path relative to the capability's root.
	// Resolved first; helper scripts in a sibling "scripts" directory are
	// bundled into the working area alongside it.
	Entrypoint string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`

	// Code is inline code, used when no entrypoint is set.
	Code string `json:"code,omitempty" yaml:"code,omitempty"`

	// BackendScripts maps an isolation backend name to a script used only
	// on that backend. Lowest-priority code source.
	BackendScripts map[string]string `json:"backend_scripts,omitempty" yaml:"backend_scripts,omitempty"`

	// Adapter names the model adapter for generative/hybrid execution.
	// Empty = runtime default.
	Adapter string `json:"adapter,omitempty" yaml:"adapter,omitempty"`

	// SystemPrompt overrides the generated system prompt for the
	// generative phase.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// Step is one entry in a workflow sequence. Steps run strictly in order;
// the first failure halts the workflow.
type Step struct {
	ID         string         `json:"id" yaml:"id"`
	Capability string         `json:"capability" yaml:"capability"`
	// Inputs maps step input names to literal values. A string value of
	// the form "$<step_id>" references the output of a prior step.
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Capability is the declarative descriptor for one invocable unit of work.
// Descriptors are immutable once registered.
type Capability struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string        `json:"version,omitempty" yaml:"version,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Type        ExecutionType `json:"type" yaml:"type"`

	// Discovery metadata.
	Intents []string `json:"intents,omitempty" yaml:"intents,omitempty"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Examples are worked example phrasings, used by the matcher's
	// similarity signal when an embedder is configured.
	Examples []string `json:"examples,omitempty" yaml:"examples,omitempty"`

	Input InputSchema `json:"input,omitempty" yaml:"input,omitempty"`

	// Third-party packages installed into the sandbox session before the
	// first execution.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Limits         ResourceLimits `json:"limits,omitempty" yaml:"limits,omitempty"`

	// Isolation names the sandbox backend ("none", "process", "docker").
	// Empty = manager default (docker).
	Isolation string `json:"isolation,omitempty" yaml:"isolation,omitempty"`

	// NetworkAllowed opens network access inside the docker backend.
	// Disabled by default.
	NetworkAllowed bool `json:"network_allowed,omitempty" yaml:"network_allowed,omitempty"`

	Risk RiskLevel `json:"risk,omitempty" yaml:"risk,omitempty"`

	Execution Execution `json:"execution,omitempty" yaml:"execution,omitempty"`

	// Workflow is the step sequence for workflow capabilities.
	Workflow []Step `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// Root is the directory the descriptor was loaded from. Entrypoint
	// paths resolve against it. Set by the loader, never serialized.
	Root string `json:"-" yaml:"-"`
}

// Timeout returns the descriptor timeout as a duration, or def when unset.
func (c *Capability) Timeout(def time.Duration) time.Duration {
	if c.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks the structural invariants a descriptor must satisfy
// before registration.
func (c *Capability) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("capability id is required")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("capability %s: unknown execution type %q", c.ID, c.Type)
	}
	if c.Type == ExecutionWorkflow && len(c.Workflow) == 0 {
		return fmt.Errorf("capability %s: workflow type requires at least one step", c.ID)
	}
	for i, step := range c.Workflow {
		if step.ID == "" {
			return fmt.Errorf("capability %s: workflow step %d has no id", c.ID, i)
		}
		if step.Capability == "" {
			return fmt.Errorf("capability %s: workflow step %s names no capability", c.ID, step.ID)
		}
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("capability %s: negative timeout", c.ID)
	}
	return nil
}

// FromYAML decodes a single capability descriptor.
func FromYAML(data []byte) (*Capability, error) {
	var c Capability
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding capability: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToYAML encodes the descriptor.
func (c *Capability) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Result is the uniform outcome of one capability execution. Every path
// through the runtime — including panics, timeouts, and adapter failures —
// produces exactly this shape.
type Result struct {
	CapabilityID  string            `json:"capability_id"`
	Success       bool              `json:"success"`
	Output        any               `json:"output,omitempty"`
	Error         string            `json:"error,omitempty"`
	ElapsedMS     float64           `json:"elapsed_ms"`
	ProducedFiles map[string][]byte `json:"-"`
	// FailedStep identifies the failing workflow step, when applicable.
	FailedStep string `json:"failed_step,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}
