package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// containerWorkspace is where the session working area is mounted inside
// the container. Execution directories live directly under it, so host
// and container paths differ only in this prefix.
const containerWorkspace = "/workspace"

// DockerBackend executes requests inside one warm, hardened container
// per session. The container is provisioned on setup and reused across
// executions; each execution is a docker exec into it.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Read-only root filesystem; only /tmp and the workspace mount are writable
//   - Non-root user (--user=65534:65534)
//   - Network disabled unless the session allows it (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - CPU rate limited, PIDs limit prevents fork bombs
//   - stdout/stderr capped to prevent OOM on the host
//
// On timeout the whole container is force-removed so nothing outlives the
// window, and a fresh one is provisioned lazily on the next execution.
// The workspace bind mount survives, so installed dependencies and prior
// execution directories persist across the re-provision.
type DockerBackend struct {
	cfg     Config
	workDir string
	ownsDir bool
	logger  *slog.Logger

	mu        sync.Mutex
	container string // Empty when no container is live.
}

// NewDockerBackend creates a container-based backend.
func NewDockerBackend(cfg Config, logger *slog.Logger) *DockerBackend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DockerBackend{cfg: cfg, logger: logger}
}

func (d *DockerBackend) Setup(ctx context.Context) error {
	// 1. Allocate the host-side working area. It must be writable by the
	// unprivileged container user, hence the wide mode.
	if d.cfg.WorkDir != "" {
		if err := os.MkdirAll(d.cfg.WorkDir, 0o777); err != nil {
			return fmt.Errorf("creating work dir: %w", err)
		}
		d.workDir = d.cfg.WorkDir
	} else {
		dir, err := os.MkdirTemp("", "kazi-dock-*")
		if err != nil {
			return fmt.Errorf("creating work dir: %w", err)
		}
		d.workDir = dir
		d.ownsDir = true
	}
	if err := os.Chmod(d.workDir, 0o777); err != nil {
		return fmt.Errorf("opening work dir permissions: %w", err)
	}

	// 2. Provision the warm container.
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.provisionLocked(ctx)
}

// provisionLocked starts the session container. Caller holds d.mu.
func (d *DockerBackend) provisionLocked(ctx context.Context) error {
	if d.container != "" {
		return nil
	}
	name, err := generateContainerName()
	if err != nil {
		return fmt.Errorf("generating container name: %w", err)
	}

	args := d.runArgs(name)
	args = append(args, d.cfg.Image, "sleep", "infinity")

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run %s: %w: %s", d.cfg.Image, err, lastLine(string(out)))
	}
	d.container = name

	d.logger.Info("session container provisioned",
		slog.String("container", name),
		slog.String("image", d.cfg.Image),
		slog.Int("memory_mb", d.cfg.MemoryMB),
		slog.Float64("cpu_cores", d.cfg.CPUCores),
		slog.Bool("network", d.cfg.NetworkAllowed),
	)
	return nil
}

// runArgs constructs the docker run argument list with all hardening
// flags. The image and command are NOT included — caller appends them.
func (d *DockerBackend) runArgs(name string) []string {
	memoryFlag := strconv.Itoa(d.cfg.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(d.cfg.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(d.cfg.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable areas: scratch tmpfs plus the session workspace ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--volume", d.workDir + ":" + containerWorkspace,
		"--workdir", containerWorkspace,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--env", "PYTHONPATH=" + containerWorkspace + "/" + depsDirName,
		"--env", abiVersionEnv + "=" + abiVersion,
	}

	// Network policy: disabled by default (no network stack at all).
	if d.cfg.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	return args
}

// InstallDependencies installs packages into the shared dependency area.
// The warm container usually has no network stack, so the install runs in
// a short-lived helper container with network access that writes into the
// same workspace mount.
func (d *DockerBackend) InstallDependencies(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	args := []string{
		"run", "--rm",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=65534:65534",
		"--network=bridge",
		"--volume", d.workDir + ":" + containerWorkspace,
		"--workdir", containerWorkspace,
		"--env", "HOME=/tmp",
		d.cfg.Image,
		d.cfg.Interpreter, "-m", "pip", "install", "--quiet",
		"--target", containerWorkspace + "/" + depsDirName,
	}
	args = append(args, packages...)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pip install %v: %w: %s", packages, err, lastLine(string(out)))
	}
	d.logger.Debug("dependencies installed", slog.Any("packages", packages))
	return nil
}

// Execute runs one request via docker exec against the warm container.
func (d *DockerBackend) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Re-provision lazily if a prior timeout removed the container.
	d.mu.Lock()
	if err := d.provisionLocked(ctx); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	container := d.container
	d.mu.Unlock()

	// 3. Stage the execution directory on the host side of the mount.
	execDir, staged, err := prepareExecution(d.workDir, req)
	if err != nil {
		return nil, err
	}
	containerExecDir := containerWorkspace + "/" + filepath.Base(execDir)

	// 4. docker exec into the warm container.
	args := []string{"exec", "--workdir", containerExecDir}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, container, d.cfg.Interpreter, runnerFileName)

	cmd := exec.CommandContext(execCtx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	d.logger.Info("docker backend executing",
		slog.String("container", container),
		slog.String("dir", containerExecDir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// 5. On timeout, killing the docker exec client does not kill the
	// code inside the container. Remove the whole container so nothing
	// outlives the window; the next execution re-provisions.
	if runErr != nil && execCtx.Err() != nil {
		d.logger.Warn("docker execution timed out, removing container",
			slog.String("container", container),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		d.mu.Lock()
		d.forceRemoveContainer(container)
		if d.container == container {
			d.container = ""
		}
		d.mu.Unlock()
		return timeoutResponse(execDir, staged, stdoutBuf.String(), stderrBuf.String(), duration, timeout), nil
	}

	// 6. Interpret the exit code.
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	d.logger.Info("docker execution completed",
		slog.String("container", container),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return buildResponse(execDir, staged, stdoutBuf.String(), stderrBuf.String(), exitCode, duration), nil
}

func (d *DockerBackend) Cleanup(ctx context.Context) error {
	d.mu.Lock()
	if d.container != "" {
		d.forceRemoveContainer(d.container)
		d.container = ""
	}
	d.mu.Unlock()

	if d.ownsDir && d.workDir != "" {
		if err := os.RemoveAll(d.workDir); err != nil {
			return fmt.Errorf("removing work dir: %w", err)
		}
	}
	return nil
}

// forceRemoveContainer removes a container by name. Errors are logged but
// not returned (best-effort cleanup).
func (d *DockerBackend) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when it already went away.
		if !bytes.Contains(out, []byte("No such container")) {
			d.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique container name: kazi-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "kazi-sbx-" + hex.EncodeToString(b), nil
}
