package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// CodeExecutor runs code capabilities inside sandbox sessions. The
// session is keyed by the caller's session ID when given, otherwise by
// the capability ID, so repeated runs of one capability reuse a warm
// environment and its installed dependencies.
type CodeExecutor struct {
	sessions *sandbox.Manager
	logger   *slog.Logger
}

// NewCodeExecutor creates a code executor backed by the given session
// manager.
func NewCodeExecutor(sessions *sandbox.Manager, logger *slog.Logger) *CodeExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CodeExecutor{sessions: sessions, logger: logger}
}

func (e *CodeExecutor) Type() capability.ExecutionType { return capability.ExecutionCode }

func (e *CodeExecutor) Execute(ctx context.Context, c *capability.Capability, inputs map[string]any, opts Options) (*capability.Result, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = c.ID
	}

	sess, err := e.sessions.GetOrCreate(ctx, sessionID, sandbox.Config{
		Backend:        c.Isolation,
		MemoryMB:       c.Limits.MemoryMB,
		CPUCores:       c.Limits.CPUCores,
		NetworkAllowed: c.NetworkAllowed,
	})
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", c.ID, err)
	}

	// Install failures are soft: the package list is advisory and the
	// code may not touch the failing package on this path.
	if len(c.Dependencies) > 0 {
		if err := sess.InstallDependencies(ctx, c.Dependencies); err != nil {
			e.logger.WarnContext(ctx, "dependency install failed, continuing",
				slog.String("capability", c.ID),
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	req, err := e.buildRequest(c, sess.Backend(), inputs)
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", c.ID, err)
	}

	e.logger.DebugContext(ctx, "code executing",
		slog.String("capability", c.ID),
		slog.String("session", sessionID),
		slog.String("backend", sess.Backend()),
	)

	resp, err := sess.Execute(ctx, *req)
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", c.ID, err)
	}

	result := &capability.Result{
		CapabilityID:  c.ID,
		Success:       resp.Success,
		Output:        responseOutput(resp),
		ProducedFiles: resp.Files,
	}
	if resp.Err != nil {
		result.Error = resp.Err.Error()
	}
	return result, nil
}

// buildRequest resolves the capability's code source for the resolved
// backend. Priority: entrypoint script, inline code, per-backend script.
func (e *CodeExecutor) buildRequest(c *capability.Capability, backend string, inputs map[string]any) (*sandbox.ExecutionRequest, error) {
	req := &sandbox.ExecutionRequest{
		Args:    inputs,
		Timeout: c.Timeout(0),
	}

	switch {
	case c.Execution.Entrypoint != "":
		req.ScriptPath = filepath.Join(c.Root, c.Execution.Entrypoint)
		files, err := helperScripts(c.Root)
		if err != nil {
			return nil, err
		}
		req.Files = files
	case c.Execution.Code != "":
		req.Code = c.Execution.Code
	case c.Execution.BackendScripts[backend] != "":
		req.Code = c.Execution.BackendScripts[backend]
	default:
		return nil, fmt.Errorf("%w for backend %q", ErrNoCode, backend)
	}
	return req, nil
}

// helperScripts reads the capability's scripts directory, when present,
// so entrypoints can import their helpers from the execution directory.
func helperScripts(root string) (map[string][]byte, error) {
	dir := filepath.Join(root, "scripts")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scripts dir: %w", err)
	}
	files := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading helper script %s: %w", entry.Name(), err)
		}
		files[entry.Name()] = data
	}
	return files, nil
}

// responseOutput picks the structured result when the code wrote one,
// falling back to trimmed stdout.
func responseOutput(resp *sandbox.ExecutionResponse) any {
	if resp.Output != nil {
		return resp.Output
	}
	if out := strings.TrimSpace(resp.Stdout); out != "" {
		return out
	}
	return nil
}
