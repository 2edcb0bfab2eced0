package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrepareExecution_Layout(t *testing.T) {
	workDir := t.TempDir()

	execDir, staged, err := prepareExecution(workDir, ExecutionRequest{
		Code:  "result = 1",
		Args:  map[string]any{"n": 3},
		Files: map[string][]byte{"sub/input.txt": []byte("hi")},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(execDir), "exec_") {
		t.Errorf("exec dir = %q, want exec_ prefix", execDir)
	}

	argsData, err := os.ReadFile(filepath.Join(execDir, argsFileName))
	if err != nil {
		t.Fatalf("reading args: %v", err)
	}
	var args map[string]any
	if err := json.Unmarshal(argsData, &args); err != nil {
		t.Fatalf("args not valid JSON: %v", err)
	}
	if args["n"] != float64(3) {
		t.Errorf("args n = %v, want 3", args["n"])
	}

	runner, err := os.ReadFile(filepath.Join(execDir, runnerFileName))
	if err != nil {
		t.Fatalf("reading runner: %v", err)
	}
	if !strings.Contains(string(runner), "    result = 1") {
		t.Error("runner does not embed the indented user code")
	}

	if !staged["sub/input.txt"] {
		t.Errorf("staged set = %v, missing sub/input.txt", staged)
	}
	if _, err := os.Stat(filepath.Join(execDir, "sub", "input.txt")); err != nil {
		t.Errorf("staged file not written: %v", err)
	}
}

func TestPrepareExecution_RejectsEscapingNames(t *testing.T) {
	for _, name := range []string{"../escape.txt", "/etc/passwd"} {
		_, _, err := prepareExecution(t.TempDir(), ExecutionRequest{
			Code:  "result = 1",
			Files: map[string][]byte{name: []byte("x")},
		})
		if err == nil {
			t.Errorf("file name %q accepted, want error", name)
		}
	}
}

func TestPrepareExecution_NoCode(t *testing.T) {
	if _, _, err := prepareExecution(t.TempDir(), ExecutionRequest{}); err == nil {
		t.Error("expected error for empty request")
	}
}

func TestCollectProducedFiles_Filtering(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("report.txt", "new")
	write("nested/chart.png", "png")
	write("input.csv", "staged")
	write("_args.json", "{}")
	write("_result.json", "{}")
	write("_deps/pkg/__init__.py", "")
	write("__pycache__/mod.pyc", "")

	files, err := collectProducedFiles(dir, map[string]bool{"input.csv": true})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if len(files) != 2 {
		t.Errorf("got %d files, want 2: %v", len(files), keys(files))
	}
	if string(files["report.txt"]) != "new" {
		t.Errorf("report.txt = %q", files["report.txt"])
	}
	if string(files[filepath.Join("nested", "chart.png")]) != "png" {
		t.Error("nested produced file missing")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestIndent_SkipsBlankLines(t *testing.T) {
	got := indent("a = 1\n\nb = 2", "    ")
	want := "    a = 1\n\n    b = 2"
	if got != want {
		t.Errorf("indent = %q, want %q", got, want)
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"single", "single"},
		{"first\nsecond\n", "second"},
		{"trailing\n\n\n", "trailing"},
	}
	for _, tt := range tests {
		if got := lastLine(tt.in); got != tt.want {
			t.Errorf("lastLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLimitedWriter_Caps(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, remaining: 5}

	n, err := lw.Write([]byte("0123456789"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 10 {
		t.Errorf("n = %d, want 10 (excess silently discarded)", n)
	}
	if sb.String() != "01234" {
		t.Errorf("captured = %q, want 01234", sb.String())
	}
}
