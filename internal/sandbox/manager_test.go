package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend records calls for manager/session state machine tests.
type fakeBackend struct {
	setupErr   error
	installErr error
	execDelay  time.Duration

	mu        sync.Mutex
	setups    int
	installs  [][]string
	execs     int
	cleanups  int
	inFlight  atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeBackend) Setup(ctx context.Context) error {
	f.mu.Lock()
	f.setups++
	f.mu.Unlock()
	return f.setupErr
}

func (f *fakeBackend) InstallDependencies(ctx context.Context, packages []string) error {
	f.mu.Lock()
	f.installs = append(f.installs, packages)
	f.mu.Unlock()
	return f.installErr
}

func (f *fakeBackend) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	n := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.execDelay > 0 {
		time.Sleep(f.execDelay)
	}
	f.mu.Lock()
	f.execs++
	f.mu.Unlock()
	return &ExecutionResponse{Success: true, Output: "ok"}, nil
}

func (f *fakeBackend) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	return nil
}

// newFakeManager returns a manager whose factory hands out the given
// backend for every session.
func newFakeManager(fb *fakeBackend) *Manager {
	m := NewManager(Config{Backend: BackendProcess}, nil)
	m.newBackend = func(cfg Config, logger *slog.Logger) (Backend, error) {
		return fb, nil
	}
	return m
}

func TestManager_LazySessionCreation(t *testing.T) {
	fb := &fakeBackend{}
	m := newFakeManager(fb)
	ctx := context.Background()

	if m.Count() != 0 {
		t.Fatalf("count = %d before first reference, want 0", m.Count())
	}

	s1, err := m.GetOrCreate(ctx, "sess-1", Config{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	s2, err := m.GetOrCreate(ctx, "sess-1", Config{})
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if s1 != s2 {
		t.Error("same ID returned different sessions")
	}
	if fb.setups != 1 {
		t.Errorf("setups = %d, want 1", fb.setups)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}
}

func TestManager_UnsupportedBackend(t *testing.T) {
	m := NewManager(Config{Backend: BackendProcess}, nil)

	_, err := m.GetOrCreate(context.Background(), "s", Config{Backend: "firecracker"})
	if !errors.Is(err, ErrUnsupportedIsolation) {
		t.Errorf("err = %v, want ErrUnsupportedIsolation", err)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0 (no session allocated)", m.Count())
	}
}

func TestManager_SetupFailureFreesID(t *testing.T) {
	fb := &fakeBackend{setupErr: errors.New("image pull failed")}
	m := newFakeManager(fb)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "s", Config{})
	if !errors.Is(err, ErrSetupFailed) {
		t.Fatalf("err = %v, want ErrSetupFailed", err)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d after failed setup, want 0", m.Count())
	}

	// The ID is free again; a fresh attempt runs setup anew.
	fb.setupErr = nil
	if _, err := m.GetOrCreate(ctx, "s", Config{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if fb.setups != 2 {
		t.Errorf("setups = %d, want 2", fb.setups)
	}
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	fb := &fakeBackend{}
	m := newFakeManager(fb)
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, "s", Config{}); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Release(ctx, "s"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if err := m.Release(ctx, "never-existed"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
	if fb.cleanups != 1 {
		t.Errorf("cleanups = %d, want 1", fb.cleanups)
	}
}

func TestSession_ExecuteAfterCloseFails(t *testing.T) {
	fb := &fakeBackend{}
	m := newFakeManager(fb)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "s", Config{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := m.Release(ctx, "s"); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, err = s.Execute(ctx, ExecutionRequest{Code: "result = 1"})
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSession_BusyRejectsConcurrentExecute(t *testing.T) {
	fb := &fakeBackend{execDelay: 200 * time.Millisecond}
	m := newFakeManager(fb)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "s", Config{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, ExecutionRequest{Code: "result = 1"})
		done <- err
	}()

	// Wait for the first execution to occupy the session, then collide.
	time.Sleep(50 * time.Millisecond)
	_, err = s.Execute(ctx, ExecutionRequest{Code: "result = 2"})
	if !errors.Is(err, ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// The session is usable again once the first execution finished.
	if _, err := s.Execute(ctx, ExecutionRequest{Code: "result = 3"}); err != nil {
		t.Fatalf("execute after busy window: %v", err)
	}
}

func TestSession_DifferentSessionsRunInParallel(t *testing.T) {
	fb := &fakeBackend{execDelay: 100 * time.Millisecond}
	m := newFakeManager(fb)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		s, err := m.GetOrCreate(ctx, id, Config{})
		if err != nil {
			t.Fatalf("get or create %s: %v", id, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Execute(ctx, ExecutionRequest{Code: "result = 1"}); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := fb.maxInFlight.Load(); max < 2 {
		t.Errorf("max in flight = %d, want overlap across sessions", max)
	}
}

func TestSession_InstallAtMostOncePerPackage(t *testing.T) {
	fb := &fakeBackend{}
	m := newFakeManager(fb)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "s", Config{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.InstallDependencies(ctx, []string{"pandas", "numpy"}); err != nil {
			t.Fatalf("install %d: %v", i, err)
		}
	}
	if err := s.InstallDependencies(ctx, []string{"numpy", "openpyxl"}); err != nil {
		t.Fatalf("install: %v", err)
	}

	if len(fb.installs) != 2 {
		t.Fatalf("install calls = %d, want 2: %v", len(fb.installs), fb.installs)
	}
	if len(fb.installs[0]) != 2 {
		t.Errorf("first install = %v, want [pandas numpy]", fb.installs[0])
	}
	if len(fb.installs[1]) != 1 || fb.installs[1][0] != "openpyxl" {
		t.Errorf("second install = %v, want [openpyxl]", fb.installs[1])
	}
}

// A failed package is not retried: the attempt itself is what is
// recorded, so a broken dependency cannot stall every execution.
func TestSession_FailedInstallNotRetried(t *testing.T) {
	fb := &fakeBackend{installErr: errors.New("no matching distribution")}
	m := newFakeManager(fb)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "s", Config{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	if err := s.InstallDependencies(ctx, []string{"ghost-pkg"}); !errors.Is(err, ErrDependencyInstall) {
		t.Fatalf("err = %v, want ErrDependencyInstall", err)
	}
	if err := s.InstallDependencies(ctx, []string{"ghost-pkg"}); err != nil {
		t.Fatalf("second attempt should be a no-op, got %v", err)
	}
	if len(fb.installs) != 1 {
		t.Errorf("install calls = %d, want 1", len(fb.installs))
	}
}

func TestSession_ConcurrentInstallsSinglePipRun(t *testing.T) {
	fb := &fakeBackend{}
	m := newFakeManager(fb)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "s", Config{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InstallDependencies(ctx, []string{"pandas"})
		}()
	}
	wg.Wait()

	if len(fb.installs) != 1 {
		t.Errorf("install calls = %d, want 1", len(fb.installs))
	}
}

func TestManager_ReleaseAll(t *testing.T) {
	fb := &fakeBackend{}
	m := newFakeManager(fb)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.GetOrCreate(ctx, id, Config{}); err != nil {
			t.Fatalf("get or create %s: %v", id, err)
		}
	}
	if err := m.ReleaseAll(ctx); err != nil {
		t.Fatalf("release all: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
	if fb.cleanups != 3 {
		t.Errorf("cleanups = %d, want 3", fb.cleanups)
	}
}

func TestManager_SessionsSorted(t *testing.T) {
	m := newFakeManager(&fakeBackend{})
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.GetOrCreate(ctx, id, Config{}); err != nil {
			t.Fatalf("get or create %s: %v", id, err)
		}
	}

	got := m.Sessions()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sessions = %v, want %v", got, want)
		}
	}
}
