package adapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubAdapter struct {
	name    string
	content string
	err     error
	calls   int
}

func (s *stubAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: s.content, Model: "stub"}, nil
}

func (s *stubAdapter) Name() string { return s.name }

func TestRegistry_FirstIsDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{name: "primary"})
	r.Register(&stubAdapter{name: "secondary"})

	a, err := r.Get("")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if a.Name() != "primary" {
		t.Errorf("default = %q, want primary", a.Name())
	}
}

func TestRegistry_SetDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{name: "primary"})
	r.Register(&stubAdapter{name: "secondary"})

	if err := r.SetDefault("secondary"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	a, _ := r.Get("")
	if a.Name() != "secondary" {
		t.Errorf("default = %q, want secondary", a.Name())
	}

	if err := r.SetDefault("missing"); err == nil {
		t.Error("expected error for unknown default")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{name: "primary"})

	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unknown adapter")
	}
}

func TestFallback_PrimarySucceeds(t *testing.T) {
	primary := &stubAdapter{name: "a", content: "from a"}
	backup := &stubAdapter{name: "b", content: "from b"}
	f := NewFallback([]Adapter{primary, backup}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := f.Complete(context.Background(), &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from a" {
		t.Errorf("content = %q, want from a", resp.Content)
	}
	if backup.calls != 0 {
		t.Errorf("backup called %d times, want 0", backup.calls)
	}
}

func TestFallback_TriesNextOnFailure(t *testing.T) {
	primary := &stubAdapter{name: "a", err: errors.New("down")}
	backup := &stubAdapter{name: "b", content: "from b"}
	f := NewFallback([]Adapter{primary, backup}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := f.Complete(context.Background(), &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from b" {
		t.Errorf("content = %q, want from b", resp.Content)
	}
}

func TestFallback_AllFail(t *testing.T) {
	f := NewFallback([]Adapter{
		&stubAdapter{name: "a", err: errors.New("down")},
		&stubAdapter{name: "b", err: errors.New("also down")},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := f.Complete(context.Background(), &Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error when all adapters fail")
	}
}
