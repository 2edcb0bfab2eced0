package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// wrapperTemplate is the generated runner for ABI version 1. The user's
// code runs at module scope with `args`/`inputs` bound from the input
// file; a top-level `result` variable, if assigned, becomes the
// structured output.
const wrapperTemplate = `import json
import sys
from pathlib import Path

args = {}
_args_path = Path("_args.json")
if _args_path.exists():
    args = json.loads(_args_path.read_text(encoding="utf-8"))
inputs = args

result = None
_error = None
try:
%s
    pass
except Exception as e:
    _error = str(e)
    import traceback
    traceback.print_exc(file=sys.stderr)

_payload = {"success": _error is None, "result": result, "error": _error}
try:
    Path("_result.json").write_text(
        json.dumps(_payload, default=str, ensure_ascii=False), encoding="utf-8")
except Exception as e:
    print(f"failed to write result file: {e}", file=sys.stderr)

sys.exit(0 if _error is None else 1)
`

// newExecID returns a unique execution directory name: exec_<16 hex chars>.
func newExecID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "exec_" + hex.EncodeToString(b), nil
}

// resolveCode returns the code to run: the referenced script first, then
// inline code.
func resolveCode(req ExecutionRequest) (string, error) {
	if req.ScriptPath != "" {
		data, err := os.ReadFile(req.ScriptPath)
		if err != nil {
			return "", fmt.Errorf("reading script %s: %w", req.ScriptPath, err)
		}
		return string(data), nil
	}
	if req.Code != "" {
		return req.Code, nil
	}
	return "", fmt.Errorf("execution request carries no script and no code")
}

// prepareExecution creates a fresh execution directory under workDir,
// stages the request's input files, serializes the arguments to the
// well-known input file, and writes the generated runner. The returned
// set records every staged relative path so collection can exclude them.
func prepareExecution(workDir string, req ExecutionRequest) (execDir string, staged map[string]bool, err error) {
	execID, err := newExecID()
	if err != nil {
		return "", nil, fmt.Errorf("generating execution id: %w", err)
	}
	execDir = filepath.Join(workDir, execID)
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating execution dir: %w", err)
	}

	code, err := resolveCode(req)
	if err != nil {
		return "", nil, err
	}

	staged = make(map[string]bool, len(req.Files))
	for name, content := range req.Files {
		rel := filepath.Clean(name)
		if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return "", nil, fmt.Errorf("input file name escapes working area: %s", name)
		}
		dest := filepath.Join(execDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", nil, fmt.Errorf("staging input file %s: %w", name, err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return "", nil, fmt.Errorf("staging input file %s: %w", name, err)
		}
		staged[rel] = true
	}

	argsJSON, err := json.Marshal(orEmptyArgs(req.Args))
	if err != nil {
		return "", nil, fmt.Errorf("serializing arguments: %w", err)
	}
	if err := os.WriteFile(filepath.Join(execDir, argsFileName), argsJSON, 0o644); err != nil {
		return "", nil, fmt.Errorf("writing input file: %w", err)
	}

	wrapper := fmt.Sprintf(wrapperTemplate, indent(code, "    "))
	if err := os.WriteFile(filepath.Join(execDir, runnerFileName), []byte(wrapper), 0o644); err != nil {
		return "", nil, fmt.Errorf("writing runner: %w", err)
	}

	return execDir, staged, nil
}

func orEmptyArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func indent(code, prefix string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

// resultPayload is the shape the runner writes to the result file.
type resultPayload struct {
	Success bool   `json:"success"`
	Result  any    `json:"result"`
	Error   string `json:"error"`
}

// parseResultFile reads the structured output the code wrote, if any.
func parseResultFile(execDir string) (output any, errMsg string, ok bool) {
	data, err := os.ReadFile(filepath.Join(execDir, resultFileName))
	if err != nil {
		return nil, "", false
	}
	var payload resultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, "", false
	}
	return payload.Result, payload.Error, true
}

// buildResponse assembles the execution outcome from the exit code, the
// result file (when the code wrote one) and the produced files. Shared
// by every backend after the run itself finished.
func buildResponse(execDir string, staged map[string]bool, stdout, stderr string, exitCode int, duration time.Duration) *ExecutionResponse {
	resp := &ExecutionResponse{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: duration,
	}

	output, errMsg, ok := parseResultFile(execDir)
	if ok {
		resp.Output = output
	}

	files, err := collectProducedFiles(execDir, staged)
	if err == nil && len(files) > 0 {
		resp.Files = files
	}

	if exitCode != 0 {
		detail := errMsg
		if detail == "" {
			detail = lastLine(stderr)
		}
		if detail != "" {
			resp.Err = fmt.Errorf("%w: exit code %d: %s", ErrNonZeroExit, exitCode, detail)
		} else {
			resp.Err = fmt.Errorf("%w: exit code %d", ErrNonZeroExit, exitCode)
		}
		return resp
	}

	resp.Success = true
	return resp
}

// timeoutResponse reports a run killed at its wall-clock bound. Files
// produced before the kill are still collected.
func timeoutResponse(execDir string, staged map[string]bool, stdout, stderr string, duration, timeout time.Duration) *ExecutionResponse {
	resp := &ExecutionResponse{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: -1,
		Duration: duration,
		Err:      fmt.Errorf("%w after %s", ErrTimeout, timeout),
	}
	if files, err := collectProducedFiles(execDir, staged); err == nil && len(files) > 0 {
		resp.Files = files
	}
	return resp
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// collectProducedFiles walks the execution directory and returns every
// new file that is not staged input, reserved bookkeeping ("_" prefix),
// the private dependency area, or interpreter cache debris.
func collectProducedFiles(execDir string, staged map[string]bool) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(execDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == "__pycache__" || name == depsDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, "_") {
			return nil
		}
		rel, err := filepath.Rel(execDir, path)
		if err != nil {
			return err
		}
		if staged[rel] {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading produced file %s: %w", rel, err)
		}
		files[rel] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
