package runtime

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/adapter"
	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/history"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/tools"
)

func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping")
	}
}

type stubAdapter struct {
	content string
	err     error
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Complete(context.Context, *adapter.Request) (*adapter.Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &adapter.Response{Content: a.content, Model: "stub"}, nil
}

type panicTool struct{}

func (panicTool) Name() string                               { return "panicker" }
func (panicTool) Description() string                        { return "always panics" }
func (panicTool) InputSchema() map[string]any                { return map[string]any{"type": "object"} }
func (panicTool) Validate(map[string]any) error              { return nil }
func (panicTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	panic("tool exploded")
}

type echoTool struct{}

func (echoTool) Name() string                  { return "echo" }
func (echoTool) Description() string           { return "echoes text" }
func (echoTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (echoTool) Validate(map[string]any) error { return nil }
func (echoTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	text, _ := params["text"].(string)
	return &tools.Result{Output: text, Success: true}, nil
}

// newTestRuntime builds a full stack: echo and panic tools, a stub
// adapter, a host-backend sandbox, and all five executors with the
// workflow dispatcher wired back to the runtime.
func newTestRuntime(t *testing.T, gen *stubAdapter, opts ...Option) (*Runtime, *capability.Registry) {
	t.Helper()

	toolReg := tools.NewRegistry()
	toolReg.Register(echoTool{})
	toolReg.Register(panicTool{})

	adapterReg := adapter.NewRegistry()
	if gen == nil {
		gen = &stubAdapter{content: "stub output"}
	}
	adapterReg.Register(gen)

	sessions := sandbox.NewManager(sandbox.Config{
		Backend: sandbox.BackendNone,
		WorkDir: t.TempDir(),
	}, nil)
	t.Cleanup(func() { _ = sessions.ReleaseAll(context.Background()) })

	genExec := executor.NewGenerativeExecutor(adapterReg, nil)
	codeExec := executor.NewCodeExecutor(sessions, nil)
	wfExec := executor.NewWorkflowExecutor(nil)

	capReg := capability.NewRegistry(nil)
	rt := New(capReg, executor.NewSet(
		executor.NewToolExecutor(toolReg, nil),
		genExec,
		codeExec,
		wfExec,
		executor.NewHybridExecutor(genExec, codeExec, nil),
	), nil, opts...)
	wfExec.SetDispatcher(rt.Dispatch)

	return rt, capReg
}

func mustRegister(t *testing.T, reg *capability.Registry, c *capability.Capability) {
	t.Helper()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register %s: %v", c.ID, err)
	}
}

func TestExecute_UnknownCapability(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)

	res, err := rt.Execute(context.Background(), "ghost", nil, executor.Options{})
	if !errors.Is(err, capability.ErrUnknownCapability) {
		t.Errorf("err = %v, want ErrUnknownCapability", err)
	}
	if res == nil || res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	if res.CapabilityID != "ghost" {
		t.Errorf("capability id = %q", res.CapabilityID)
	}
}

func TestExecute_MissingRequiredInput(t *testing.T) {
	rt, reg := newTestRuntime(t, nil)
	mustRegister(t, reg, &capability.Capability{
		ID:        "strict",
		Type:      capability.ExecutionTool,
		Input:     capability.InputSchema{Required: []string{"text"}},
		Execution: capability.Execution{Tool: "echo"},
	})

	res, err := rt.Execute(context.Background(), "strict", map[string]any{}, executor.Options{})
	if err == nil {
		t.Error("expected validation error")
	}
	if res.Success {
		t.Error("success = true, want validation failure")
	}
	if !strings.Contains(res.Error, "text") {
		t.Errorf("error = %q, want mention of missing input", res.Error)
	}
}

func TestExecute_Tool(t *testing.T) {
	rt, reg := newTestRuntime(t, nil)
	mustRegister(t, reg, &capability.Capability{
		ID:        "echo-cap",
		Type:      capability.ExecutionTool,
		Execution: capability.Execution{Tool: "echo"},
	})

	res, err := rt.Execute(context.Background(), "echo-cap", map[string]any{"text": "hi"}, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Output != "hi" {
		t.Errorf("result = %+v", res)
	}
	if res.ElapsedMS < 0 {
		t.Errorf("elapsed = %f", res.ElapsedMS)
	}
}

func TestExecute_Generative(t *testing.T) {
	rt, reg := newTestRuntime(t, &stubAdapter{content: "three lines of verse"})
	mustRegister(t, reg, &capability.Capability{
		ID:   "haiku",
		Type: capability.ExecutionGenerative,
	})

	res, err := rt.Execute(context.Background(), "haiku", map[string]any{"prompt": "write one"}, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Output != "three lines of verse" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_Code(t *testing.T) {
	skipIfNoPython(t)
	rt, reg := newTestRuntime(t, nil)
	mustRegister(t, reg, &capability.Capability{
		ID:   "adder",
		Type: capability.ExecutionCode,
		Execution: capability.Execution{
			Code: `result = {"sum": args["a"] + args["b"]}`,
		},
	})

	res, err := rt.Execute(context.Background(), "adder", map[string]any{"a": 1, "b": 2}, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("success = false: %s", res.Error)
	}
	out := res.Output.(map[string]any)
	if out["sum"] != float64(3) {
		t.Errorf("sum = %v", out["sum"])
	}
}

func TestExecute_CodeFailure(t *testing.T) {
	skipIfNoPython(t)
	rt, reg := newTestRuntime(t, nil)
	mustRegister(t, reg, &capability.Capability{
		ID:   "broken",
		Type: capability.ExecutionCode,
		Execution: capability.Execution{
			Code: `raise ValueError("bad input")`,
		},
	})

	res, err := rt.Execute(context.Background(), "broken", nil, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Error("success = true, want failure")
	}
	if !strings.Contains(res.Error, "bad input") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecute_HybridProducesFile(t *testing.T) {
	skipIfNoPython(t)
	rt, reg := newTestRuntime(t, &stubAdapter{content: "Title: Demo"})
	mustRegister(t, reg, &capability.Capability{
		ID:   "report",
		Type: capability.ExecutionHybrid,
		Execution: capability.Execution{
			Code: `
with open("output.txt", "w") as f:
    f.write(args["generated_content"])
result = {"written": True}
`,
		},
	})

	res, err := rt.Execute(context.Background(), "report", map[string]any{"topic": "demo"}, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("success = false: %s", res.Error)
	}
	if got := string(res.ProducedFiles["output.txt"]); got != "Title: Demo" {
		t.Errorf("output.txt = %q", got)
	}
}

func TestExecute_WorkflowThroughDispatch(t *testing.T) {
	rt, reg := newTestRuntime(t, &stubAdapter{content: "generated text"})
	mustRegister(t, reg, &capability.Capability{
		ID:   "gen-step",
		Type: capability.ExecutionGenerative,
	})
	mustRegister(t, reg, &capability.Capability{
		ID:        "echo-step",
		Type:      capability.ExecutionTool,
		Execution: capability.Execution{Tool: "echo"},
	})
	mustRegister(t, reg, &capability.Capability{
		ID:   "pipeline",
		Type: capability.ExecutionWorkflow,
		Workflow: []capability.Step{
			{ID: "generate", Capability: "gen-step"},
			{ID: "relay", Capability: "echo-step", Inputs: map[string]any{"text": "$generate"}},
		},
	})

	res, err := rt.Execute(context.Background(), "pipeline", nil, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("success = false: %s (step %s)", res.Error, res.FailedStep)
	}
	if res.Output != "generated text" {
		t.Errorf("output = %v, want relayed generation", res.Output)
	}
}

func TestExecute_WorkflowFailedStep(t *testing.T) {
	rt, reg := newTestRuntime(t, nil)
	mustRegister(t, reg, &capability.Capability{
		ID:   "wf",
		Type: capability.ExecutionWorkflow,
		Workflow: []capability.Step{
			{ID: "bad", Capability: "no-such-capability"},
		},
	})

	res, err := rt.Execute(context.Background(), "wf", nil, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Error("success = true, want failure")
	}
	if res.FailedStep != "bad" {
		t.Errorf("failed step = %q, want bad", res.FailedStep)
	}
}

func TestExecute_PanicRecovered(t *testing.T) {
	rt, reg := newTestRuntime(t, nil)
	mustRegister(t, reg, &capability.Capability{
		ID:        "panic-cap",
		Type:      capability.ExecutionTool,
		Execution: capability.Execution{Tool: "panicker"},
	})

	res, err := rt.Execute(context.Background(), "panic-cap", nil, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Error("success = true, want recovered panic failure")
	}
	if !strings.Contains(res.Error, "panic") {
		t.Errorf("error = %q, want panic mention", res.Error)
	}
}

func TestExecute_OverwriteRegister(t *testing.T) {
	rt, reg := newTestRuntime(t, nil)
	mustRegister(t, reg, &capability.Capability{
		ID:        "shadow",
		Type:      capability.ExecutionTool,
		Execution: capability.Execution{Tool: "panicker"},
	})
	// Last registration wins.
	mustRegister(t, reg, &capability.Capability{
		ID:        "shadow",
		Type:      capability.ExecutionTool,
		Execution: capability.Execution{Tool: "echo"},
	})

	res, err := rt.Execute(context.Background(), "shadow", map[string]any{"text": "v2"}, executor.Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Output != "v2" {
		t.Errorf("result = %+v, want overwritten capability to run", res)
	}
}

func TestExecute_RecordsHistory(t *testing.T) {
	store, err := history.Open(history.Config{
		Driver: history.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, nil)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rt, reg := newTestRuntime(t, nil, WithHistory(store))
	mustRegister(t, reg, &capability.Capability{
		ID:        "echo-cap",
		Type:      capability.ExecutionTool,
		Execution: capability.Execution{Tool: "echo"},
	})

	if _, err := rt.Execute(context.Background(), "echo-cap", map[string]any{"text": "hi"}, executor.Options{SessionID: "s1"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	recs, err := store.List(context.Background(), history.Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.CapabilityID != "echo-cap" || !rec.Success || rec.SessionID != "s1" {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.Inputs, "hi") {
		t.Errorf("inputs = %q", rec.Inputs)
	}
}

func TestExecute_RecordsMetrics(t *testing.T) {
	m := observability.NewMetricsCollector()
	rt, reg := newTestRuntime(t, nil, WithMetrics(m))
	mustRegister(t, reg, &capability.Capability{
		ID:        "echo-cap",
		Type:      capability.ExecutionTool,
		Execution: capability.Execution{Tool: "echo"},
	})

	if _, err := rt.Execute(context.Background(), "echo-cap", map[string]any{"text": "hi"}, executor.Options{}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "kazi_capability_executions_total" && len(f.GetMetric()) > 0 {
			found = true
		}
	}
	if !found {
		t.Error("execution counter not recorded")
	}
}

func TestFacade_RegisterGetListMatch(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)

	err := rt.Register(&capability.Capability{
		ID:        "csv-summarize",
		Name:      "CSV Summarize",
		Type:      capability.ExecutionTool,
		Intents:   []string{"summarize a csv file"},
		Tags:      []string{"csv"},
		Execution: capability.Execution{Tool: "echo"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := rt.Get("csv-summarize")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "CSV Summarize" {
		t.Errorf("got name %q", got.Name)
	}
	if _, err := rt.Get("nope"); !errors.Is(err, capability.ErrUnknownCapability) {
		t.Errorf("get unknown = %v, want ErrUnknownCapability", err)
	}

	found := false
	for _, c := range rt.List() {
		if c.ID == "csv-summarize" {
			found = true
		}
	}
	if !found {
		t.Error("registered capability missing from List")
	}

	matches := rt.Match("summarize a csv file", 5, 0.1)
	if len(matches) == 0 || matches[0].Capability.ID != "csv-summarize" {
		t.Errorf("matches = %+v", matches)
	}
}
