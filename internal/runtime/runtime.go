// Package runtime ties the engine together: it resolves capability IDs,
// validates inputs, hands execution to the right per-type executor, and
// wraps every outcome — including panics — into one uniform result
// shape, with metrics, tracing, and history recording on the way out.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/history"
	"github.com/jkaninda/kazi/internal/observability"
)

// Runtime is the single entry point for capability execution. Every
// execution path, including workflow steps re-entering through
// Dispatch, flows through Execute.
type Runtime struct {
	registry  *capability.Registry
	matcher   *capability.Matcher
	executors *executor.Set
	metrics   *observability.MetricsCollector
	tracer    trace.Tracer
	history   history.Store
	logger    *slog.Logger
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer attaches an OTel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithHistory attaches an execution history store. Recording is
// best-effort; a failed write never fails the execution.
func WithHistory(s history.Store) Option {
	return func(r *Runtime) { r.history = s }
}

// WithMatcher attaches a query matcher. Without it, New builds one over
// the registry with no embedder.
func WithMatcher(m *capability.Matcher) Option {
	return func(r *Runtime) { r.matcher = m }
}

// New creates a runtime over the given registry and executor set.
func New(registry *capability.Registry, executors *executor.Set, logger *slog.Logger, opts ...Option) *Runtime {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runtime{
		registry:  registry,
		executors: executors,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.matcher == nil {
		r.matcher = capability.NewMatcher(registry, nil, logger)
	}
	return r
}

// Register adds or overwrites a capability descriptor.
func (r *Runtime) Register(c *capability.Capability) error {
	return r.registry.Register(c)
}

// Get returns a registered descriptor by ID.
func (r *Runtime) Get(capabilityID string) (*capability.Capability, error) {
	return r.registry.Get(capabilityID)
}

// List returns all registered descriptors sorted by ID.
func (r *Runtime) List() []*capability.Capability {
	return r.registry.List()
}

// Match ranks registered capabilities against a free-text query.
func (r *Runtime) Match(query string, topK int, threshold float64) []capability.Match {
	matches := r.matcher.Match(query, topK, threshold)
	if r.metrics != nil && len(matches) > 0 {
		r.metrics.RecordMatch(matches[0].Score)
	}
	return matches
}

// Dispatch is the executor.Dispatcher the workflow executor re-enters
// through, so nested capability runs get full runtime treatment.
func (r *Runtime) Dispatch(ctx context.Context, capabilityID string, inputs map[string]any, opts executor.Options) (*capability.Result, error) {
	return r.Execute(ctx, capabilityID, inputs, opts)
}

// Execute runs one capability by ID. The returned result is always
// non-nil with CapabilityID, ElapsedMS, and (when tracing) TraceID set;
// the error mirrors resolution failures for programmatic checks while
// execution failures surface only through the result.
func (r *Runtime) Execute(ctx context.Context, capabilityID string, inputs map[string]any, opts executor.Options) (*capability.Result, error) {
	start := time.Now()

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "capability.execute",
			trace.WithAttributes(attribute.String("capability.id", capabilityID)))
		defer span.End()
	}

	c, err := r.registry.Get(capabilityID)
	if err != nil {
		return r.finish(ctx, span, start, nil, inputs, opts, failedResult(capabilityID, err), err)
	}

	if err := c.Input.ValidateInputs(inputs); err != nil {
		err = fmt.Errorf("capability %s: %w", capabilityID, err)
		return r.finish(ctx, span, start, c, inputs, opts, failedResult(capabilityID, err), err)
	}

	exec, err := r.executors.For(c.Type)
	if err != nil {
		err = fmt.Errorf("capability %s: %w", capabilityID, err)
		return r.finish(ctx, span, start, c, inputs, opts, failedResult(capabilityID, err), err)
	}

	r.logger.InfoContext(ctx, "capability executing",
		slog.String("capability", capabilityID),
		slog.String("type", string(c.Type)),
	)

	result, err := r.runGuarded(ctx, exec, c, inputs, opts)
	if err != nil {
		result = failedResult(capabilityID, err)
	}
	return r.finish(ctx, span, start, c, inputs, opts, result, err)
}

// runGuarded executes with panic recovery: a panicking executor or tool
// becomes a failed result instead of taking the process down.
func (r *Runtime) runGuarded(ctx context.Context, exec executor.Executor, c *capability.Capability, inputs map[string]any, opts executor.Options) (result *capability.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "capability panicked",
				slog.String("capability", c.ID),
				slog.Any("panic", rec),
			)
			result = failedResult(c.ID, fmt.Errorf("panic: %v", rec))
			err = nil
		}
	}()
	return exec.Execute(ctx, c, inputs, opts)
}

// finish stamps the uniform fields and emits metrics, span status, and
// the history record.
func (r *Runtime) finish(ctx context.Context, span trace.Span, start time.Time, c *capability.Capability, inputs map[string]any, opts executor.Options, result *capability.Result, err error) (*capability.Result, error) {
	elapsed := time.Since(start)
	result.ElapsedMS = float64(elapsed.Microseconds()) / 1000

	if span != nil {
		if sc := span.SpanContext(); sc.HasTraceID() {
			result.TraceID = sc.TraceID().String()
		}
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	execType := ""
	if c != nil {
		execType = string(c.Type)
	}
	r.metrics.RecordExecution(result.CapabilityID, execType, result.Success, elapsed.Seconds())

	if !result.Success {
		r.logger.WarnContext(ctx, "capability failed",
			slog.String("capability", result.CapabilityID),
			slog.String("error", result.Error),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		r.logger.InfoContext(ctx, "capability succeeded",
			slog.String("capability", result.CapabilityID),
			slog.Duration("elapsed", elapsed),
		)
	}

	r.record(ctx, result, inputs, opts)
	return result, err
}

// record appends the execution to history, when a store is attached.
func (r *Runtime) record(ctx context.Context, result *capability.Result, inputs map[string]any, opts executor.Options) {
	if r.history == nil {
		return
	}
	rec := &history.Record{
		CapabilityID: result.CapabilityID,
		SessionID:    opts.SessionID,
		Success:      result.Success,
		Error:        result.Error,
		ElapsedMS:    result.ElapsedMS,
		Inputs:       marshalJSON(inputs),
		Output:       marshalJSON(result.Output),
		FailedStep:   result.FailedStep,
		TraceID:      result.TraceID,
	}
	if err := r.history.Append(ctx, rec); err != nil {
		r.logger.WarnContext(ctx, "history write failed",
			slog.String("capability", result.CapabilityID),
			slog.String("error", err.Error()),
		)
	}
}

func failedResult(capabilityID string, err error) *capability.Result {
	return &capability.Result{
		CapabilityID: capabilityID,
		Success:      false,
		Error:        err.Error(),
	}
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
