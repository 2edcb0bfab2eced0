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
	"syscall"
	"time"
)

// ProcessBackend executes each request in a fresh OS process.
//
// Security guarantees:
//   - Each session gets its own working area (removed on cleanup)
//   - The runner runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the parent — only a minimal safe set
//   - stdout/stderr capped to prevent OOM
//
// Resource limits are applied via ulimit and are best-effort only: ulimit -v
// caps virtual address space rather than resident memory, and nothing here
// bounds CPU share. Only the wall-clock timeout is a hard guarantee.
// Workloads that need enforced limits belong on the docker backend.
type ProcessBackend struct {
	cfg     Config
	workDir string
	ownsDir bool
	logger  *slog.Logger
}

// NewProcessBackend creates a process-based backend.
func NewProcessBackend(cfg Config, logger *slog.Logger) *ProcessBackend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProcessBackend{cfg: cfg, logger: logger}
}

func (p *ProcessBackend) Setup(ctx context.Context) error {
	if p.cfg.WorkDir != "" {
		if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
			return fmt.Errorf("creating work dir: %w", err)
		}
		p.workDir = p.cfg.WorkDir
		return nil
	}
	dir, err := os.MkdirTemp("", "kazi-proc-*")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	p.workDir = dir
	p.ownsDir = true
	return nil
}

func (p *ProcessBackend) InstallDependencies(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	target := filepath.Join(p.workDir, depsDirName)
	args := append([]string{"-m", "pip", "install", "--quiet", "--target", target}, packages...)
	cmd := exec.CommandContext(ctx, p.cfg.Interpreter, args...)
	cmd.Env = p.buildEnv(nil)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pip install %v: %w: %s", packages, err, lastLine(string(out)))
	}
	p.logger.Debug("dependencies installed",
		slog.Any("packages", packages),
		slog.String("target", target),
	)
	return nil
}

// Execute runs the generated runner in an isolated process.
func (p *ProcessBackend) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = p.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Stage the execution directory.
	execDir, staged, err := prepareExecution(p.workDir, req)
	if err != nil {
		return nil, err
	}

	// 3. Wrap the interpreter invocation with ulimit best-effort caps.
	//
	// sh -c 'ulimit -v KB 2>/dev/null; exec "$@"' _ python3 _runner.py
	//
	// Using exec "$@" with positional parameters prevents shell injection —
	// nothing request-controlled is interpolated into the shell string.
	memKB := p.cfg.MemoryMB * 1024
	shellScript := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", memKB)
	cmd := exec.CommandContext(ctx, "/bin/sh",
		"-c", shellScript, "_", p.cfg.Interpreter, runnerFileName)
	cmd.Dir = execDir

	// 4. Process group isolation — the runner runs in its own group, and
	// the whole group dies on timeout/cancel so grandchildren cannot
	// outlive the window.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// 5. Sanitized environment — NO inheritance from the host process.
	cmd.Env = p.buildEnv(req.Env)

	// 6. Capture stdout/stderr with size cap.
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	// 7. Execute and measure duration.
	p.logger.Info("process backend executing",
		slog.String("dir", execDir),
		slog.Int("memory_limit_mb", p.cfg.MemoryMB),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// 8. Interpret the result. Timeout first, then exit code.
	if runErr != nil && ctx.Err() != nil {
		p.logger.Warn("process execution timed out",
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		return timeoutResponse(execDir, staged, stdoutBuf.String(), stderrBuf.String(), duration, timeout), nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("process execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	p.logger.Info("process execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return buildResponse(execDir, staged, stdoutBuf.String(), stderrBuf.String(), exitCode, duration), nil
}

func (p *ProcessBackend) Cleanup(ctx context.Context) error {
	if p.ownsDir && p.workDir != "" {
		if err := os.RemoveAll(p.workDir); err != nil {
			return fmt.Errorf("removing work dir: %w", err)
		}
	}
	return nil
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is NEVER inherited — this prevents API keys and other
// secrets from leaking into sandboxed code.
func (p *ProcessBackend) buildEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + p.workDir,
		"TMPDIR=" + p.workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONPATH=" + filepath.Join(p.workDir, depsDirName),
		abiVersionEnv + "=" + abiVersion,
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
