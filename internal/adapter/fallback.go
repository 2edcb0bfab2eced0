package adapter

import (
	"context"
	"fmt"
	"log/slog"
)

// Fallback wraps multiple adapters and tries them in order. If the
// primary adapter fails, subsequent adapters are tried until one
// succeeds or all have failed.
type Fallback struct {
	adapters []Adapter
	logger   *slog.Logger
}

// NewFallback creates an adapter that tries each adapter in order.
// At least one adapter is required.
func NewFallback(adapters []Adapter, logger *slog.Logger) *Fallback {
	if len(adapters) == 0 {
		panic("Fallback requires at least one adapter")
	}
	return &Fallback{adapters: adapters, logger: logger}
}

// Complete tries each adapter in order, returning the first successful
// response.
func (f *Fallback) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, a := range f.adapters {
		resp, err := a.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "adapter fallback succeeded",
					slog.String("adapter", a.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		lastErr = err
		f.logger.WarnContext(ctx, "adapter failed, trying next",
			slog.String("adapter", a.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.adapters)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d adapters failed, last error: %w", len(f.adapters), lastErr)
}

// Name returns a composite name indicating fallback configuration.
func (f *Fallback) Name() string {
	return f.adapters[0].Name() + "+fallback"
}
