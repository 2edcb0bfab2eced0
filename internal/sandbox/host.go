package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// HostBackend runs code directly in the caller's environment with no
// isolation at all. It exists for trusted development setups where the
// operator accepts host access; production deployments use the process
// or docker backend.
type HostBackend struct {
	cfg     Config
	workDir string
	ownsDir bool
	logger  *slog.Logger
}

// NewHostBackend creates the no-isolation backend.
func NewHostBackend(cfg Config, logger *slog.Logger) *HostBackend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HostBackend{cfg: cfg, logger: logger}
}

func (h *HostBackend) Setup(ctx context.Context) error {
	if h.cfg.WorkDir != "" {
		if err := os.MkdirAll(h.cfg.WorkDir, 0o755); err != nil {
			return fmt.Errorf("creating work dir: %w", err)
		}
		h.workDir = h.cfg.WorkDir
		return nil
	}
	dir, err := os.MkdirTemp("", "kazi-host-*")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	h.workDir = dir
	h.ownsDir = true
	return nil
}

func (h *HostBackend) InstallDependencies(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	target := filepath.Join(h.workDir, depsDirName)
	args := append([]string{"-m", "pip", "install", "--quiet", "--target", target}, packages...)
	out, err := exec.CommandContext(ctx, h.cfg.Interpreter, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pip install %v: %w: %s", packages, err, lastLine(string(out)))
	}
	h.logger.Debug("dependencies installed", slog.Any("packages", packages))
	return nil
}

func (h *HostBackend) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = h.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Stage the execution directory.
	execDir, staged, err := prepareExecution(h.workDir, req)
	if err != nil {
		return nil, err
	}

	// 3. Full host environment plus the sandbox additions. This backend
	// deliberately inherits everything the caller has.
	env := append(os.Environ(),
		abiVersionEnv+"="+abiVersion,
		"PYTHONPATH="+filepath.Join(h.workDir, depsDirName),
	)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	cmd := exec.CommandContext(ctx, h.cfg.Interpreter, runnerFileName)
	cmd.Dir = execDir
	cmd.Env = env

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	// 4. Run and interpret.
	h.logger.Info("host backend executing",
		slog.String("dir", execDir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil && ctx.Err() != nil {
		h.logger.Warn("host execution timed out", slog.Duration("timeout", timeout))
		return timeoutResponse(execDir, staged, stdoutBuf.String(), stderrBuf.String(), duration, timeout), nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("host execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return buildResponse(execDir, staged, stdoutBuf.String(), stderrBuf.String(), exitCode, duration), nil
}

func (h *HostBackend) Cleanup(ctx context.Context) error {
	if h.ownsDir && h.workDir != "" {
		if err := os.RemoveAll(h.workDir); err != nil {
			return fmt.Errorf("removing work dir: %w", err)
		}
	}
	return nil
}
