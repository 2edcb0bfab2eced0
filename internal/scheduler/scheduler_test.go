package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/executor"
)

func TestAddJobs_InvalidSchedule(t *testing.T) {
	s := New(func(context.Context, string, map[string]any, executor.Options) (*capability.Result, error) {
		return &capability.Result{Success: true}, nil
	}, nil, nil)

	err := s.AddJobs(context.Background(), []config.ScheduledJob{
		{Name: "bad", Schedule: "not a cron expr", Capability: "cap"},
	})
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestFire_DispatchesJob(t *testing.T) {
	var mu sync.Mutex
	var gotID string
	var gotOpts executor.Options
	s := New(func(_ context.Context, id string, _ map[string]any, opts executor.Options) (*capability.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		gotID = id
		gotOpts = opts
		return &capability.Result{CapabilityID: id, Success: true}, nil
	}, nil, nil)

	s.fire(context.Background(), config.ScheduledJob{
		Name:       "nightly",
		Capability: "report",
		Session:    "nightly-session",
	})

	mu.Lock()
	defer mu.Unlock()
	if gotID != "report" {
		t.Errorf("dispatched capability = %q, want report", gotID)
	}
	if gotOpts.SessionID != "nightly-session" {
		t.Errorf("session = %q", gotOpts.SessionID)
	}
}

func TestFire_SkipsOverlappingRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	s := New(func(context.Context, string, map[string]any, executor.Options) (*capability.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return &capability.Result{Success: true}, nil
	}, nil, nil)

	job := config.ScheduledJob{Name: "slow", Capability: "cap"}
	go s.fire(context.Background(), job)
	<-started

	// Second fire while the first is still running must be skipped.
	s.fire(context.Background(), job)
	close(release)

	// Wait for the first run to finish.
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		busy := s.inFlight[job.Name]
		s.mu.Unlock()
		if !busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first run never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("dispatch calls = %d, want 1 (overlap skipped)", calls)
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRun("30 2 * * *", from)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 1, 1, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := NextRun("garbage", from); err == nil {
		t.Error("expected error for bad expression")
	}
}

func TestStartStop(t *testing.T) {
	s := New(func(context.Context, string, map[string]any, executor.Options) (*capability.Result, error) {
		return &capability.Result{Success: true}, nil
	}, nil, nil)
	if err := s.AddJobs(context.Background(), []config.ScheduledJob{
		{Name: "hourly", Schedule: "0 * * * *", Capability: "cap"},
	}); err != nil {
		t.Fatalf("add jobs: %v", err)
	}

	stop := s.Start()
	stop()
}
