// Package sandbox provides session-scoped isolated execution environments
// for capability code. All capability code runs through a sandbox session —
// never directly on the host unless the caller explicitly opts into the
// no-isolation backend.
//
// A session is created lazily by the Manager on first reference to its ID,
// owns a private working area, and moves through a forward-only lifecycle:
// uninitialized → ready → busy → ready → … → closed. Executions against
// the same session serialize; different sessions run fully in parallel.
//
// Structured data crosses the sandbox boundary through a narrow file ABI
// (version 1): caller arguments are serialized to _args.json inside a
// per-execution directory, a generated _runner.py wrapper runs the code,
// and a _result.json file, when written, is parsed as the structured
// output. Every other new file in the execution directory becomes a
// produced file.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// Isolation backend names.
const (
	BackendNone    = "none"    // Caller's own environment. Trusted dev only.
	BackendProcess = "process" // Fresh OS process per execution.
	BackendDocker  = "docker"  // Warm hardened container per session.
)

// File ABI (version 1). Files with these names, and any "_"-prefixed file,
// are reserved bookkeeping and never reported as produced files.
const (
	abiVersion     = "1"
	abiVersionEnv  = "KAZI_ABI_VERSION"
	argsFileName   = "_args.json"
	resultFileName = "_result.json"
	runnerFileName = "_runner.py"
	depsDirName    = "_deps"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty code.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout     = 30 * time.Second
	defaultMemoryMB    = 512
	defaultCPUCores    = 1.0
	defaultPIDsLimit   = 64
	defaultInterpreter = "python3"
	defaultDockerImage = "kazi-runtime:latest"

	installTimeout = 2 * time.Minute
)

// Sandbox error taxonomy. Callers distinguish cases with errors.Is.
var (
	ErrSetupFailed          = errors.New("sandbox setup failed")
	ErrDependencyInstall    = errors.New("dependency install failed") // Soft: execution still proceeds.
	ErrTimeout              = errors.New("execution timed out")
	ErrNonZeroExit          = errors.New("execution exited non-zero")
	ErrSessionBusy          = errors.New("session busy")
	ErrSessionClosed        = errors.New("session closed")
	ErrUnsupportedIsolation = errors.New("unsupported isolation backend")
)

// Config describes one sandbox session's environment.
type Config struct {
	// Backend is the isolation backend name. Empty = the Manager default.
	Backend string

	// WorkDir overrides the session's private working area root.
	// Empty = a fresh temp directory.
	WorkDir string

	// Interpreter runs the generated wrapper. Default: python3.
	Interpreter string

	// Image is the container image for the docker backend.
	Image string

	// DefaultTimeout bounds executions whose request carries no timeout.
	DefaultTimeout time.Duration

	// Resource limits. Only the docker backend enforces these with
	// OS-level guarantees; the process backend applies them best-effort
	// via ulimit and the no-isolation backend ignores them.
	MemoryMB  int
	CPUCores  float64
	PIDsLimit int

	// NetworkAllowed opens network access in the docker backend.
	// Disabled by default.
	NetworkAllowed bool
}

// withDefaults fills zero fields from fallback values.
func (c Config) withDefaults(def Config) Config {
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.Backend == "" {
		c.Backend = BackendDocker
	}
	if c.Interpreter == "" {
		c.Interpreter = def.Interpreter
	}
	if c.Interpreter == "" {
		c.Interpreter = defaultInterpreter
	}
	if c.Image == "" {
		c.Image = def.Image
	}
	if c.Image == "" {
		c.Image = defaultDockerImage
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = def.MemoryMB
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.CPUCores == 0 {
		c.CPUCores = def.CPUCores
	}
	if c.CPUCores == 0 {
		c.CPUCores = defaultCPUCores
	}
	if c.PIDsLimit == 0 {
		c.PIDsLimit = def.PIDsLimit
	}
	if c.PIDsLimit == 0 {
		c.PIDsLimit = defaultPIDsLimit
	}
	// WorkDir is deliberately not inherited: the Manager derives a
	// per-session directory from its work root instead.
	return c
}

// ExecutionRequest defines what to run inside a session and under what
// constraints. Constructed per call by the executor and owned for the
// duration of one Execute.
type ExecutionRequest struct {
	// ScriptPath is a host path to the script to run. Takes precedence
	// over Code.
	ScriptPath string

	// Code is inline code, used when ScriptPath is empty.
	Code string

	// Args are serialized to the well-known input file before running.
	Args map[string]any

	// Env adds environment overrides on top of the backend's base set.
	Env map[string]string

	// Files are input files staged into the execution directory
	// (relative name → content). Never reported back as produced files.
	Files map[string][]byte

	// Timeout is the hard wall-clock bound. Zero = session default.
	Timeout time.Duration
}

// ExecutionResponse captures the outcome of one sandboxed execution.
// Err is non-nil exactly when Success is false and wraps one of the
// sandbox sentinel errors where applicable.
type ExecutionResponse struct {
	Success  bool
	Output   any // Parsed from the result file, when the code wrote one.
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Files    map[string][]byte // Produced files (relative name → content).
	Err      error
}

// Backend is the shared contract implemented by the three isolation
// strategies. Lifecycle and at-most-once install bookkeeping live in
// Session; backends only do the work they are told to.
type Backend interface {
	// Setup allocates the working area and any backend-specific resource.
	// Called exactly once per session, before any other method.
	Setup(ctx context.Context) error

	// InstallDependencies installs the given packages into the session's
	// private dependency area.
	InstallDependencies(ctx context.Context, packages []string) error

	// Execute runs one request under its wall-clock timeout. The
	// returned response is non-nil whenever err is nil.
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error)

	// Cleanup releases the working area and the backend resource.
	Cleanup(ctx context.Context) error
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Report the full length consumed so the copier never sees a short
	// write at the cap boundary.
	return len(p), nil
}
