// Package engine contains the default execution engine: it walks a committed
// execution graph, persists the run snapshot on every transition and emits
// watch events for observers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/stepflow/pkg/api"
)

// tracerName is the instrumentation scope name for stepflow tracing.
const tracerName = "github.com/petrijr/stepflow"

// Engine is the default, in-process ExecutionEngine.
//
// Nodes run sequentially in graph order. Members of parallel, conditional
// and foreach nodes run concurrently; the node completes once all of them
// settled. Step failures never abort siblings.
type Engine struct {
	observer api.Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the observer notified of run and step transitions.
func WithObserver(o api.Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithTracer sets the tracer used for run and step spans. The default is
// the global otel tracer, a no-op unless a TracerProvider is installed.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger sets the logger used for storage and scorer warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		observer: api.NoopObserver{},
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ api.ExecutionEngine = (*Engine)(nil)

// Execute runs p.Graph from the beginning, or from p.Resume.ResumePath when
// resuming, until it finishes, fails or suspends.
func (e *Engine) Execute(ctx context.Context, p api.ExecuteParams) (*api.WorkflowResult, error) {
	nodes := p.Graph.Steps
	if len(nodes) == 0 {
		return nil, api.ErrNoFlow
	}

	start := 0
	var target *resumeTarget
	if p.Resume != nil && len(p.Resume.Steps) > 0 {
		start = resumeIndex(nodes, p.Resume)
		if start < 0 || start >= len(nodes) {
			return nil, fmt.Errorf("resume: step %q is not part of workflow %s", p.Resume.Steps[0], p.WorkflowID)
		}
		target = &resumeTarget{steps: p.Resume.Steps, payload: p.Resume.ResumePayload}
	}

	ctx, span := e.tracer.Start(ctx, "stepflow.workflow.run",
		trace.WithAttributes(
			attribute.String("stepflow.workflow.id", p.WorkflowID),
			attribute.String("stepflow.run.id", p.RunID),
			attribute.Bool("stepflow.resume", target != nil),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	x := newExecution(e, p)
	e.observer.OnWorkflowStart(ctx, x.run)
	x.persist(ctx)

	prev := x.input
	if start > 0 {
		prev = x.nodeOutput(nodes[start-1])
	}

	for i := start; i < len(nodes); i++ {
		if err := ctx.Err(); err != nil {
			return x.fail(ctx, span, err), nil
		}

		var t *resumeTarget
		if i == start {
			t = target
		}
		x.setActive([]int{i})

		out, err := x.runEntry(ctx, nodes[i], []int{i}, prev, t)
		if err == nil {
			prev = out
			continue
		}
		if errors.Is(err, errSuspended) {
			return x.suspend(ctx, span), nil
		}
		if bail, ok := api.IsBail(err); ok {
			return x.succeed(ctx, span, bail.Result), nil
		}
		return x.fail(ctx, span, err), nil
	}

	return x.succeed(ctx, span, prev), nil
}

// resumeIndex returns the graph index to restart from.
func resumeIndex(nodes []api.StepFlowEntry, r *api.ResumeDescriptor) int {
	if len(r.ResumePath) > 0 {
		return r.ResumePath[0]
	}
	for i, n := range nodes {
		for _, id := range api.EntryStepIDs(n) {
			if id == r.Steps[0] {
				return i
			}
		}
	}
	return -1
}

func (x *execution) succeed(ctx context.Context, span trace.Span, result any) *api.WorkflowResult {
	x.finish(api.StatusSuccess, result, nil)
	x.persist(ctx)
	x.emitWatch(nil)
	x.e.observer.OnWorkflowCompleted(ctx, x.run)
	span.SetStatus(codes.Ok, "")
	return x.result(nil)
}

func (x *execution) fail(ctx context.Context, span trace.Span, err error) *api.WorkflowResult {
	x.finish(api.StatusFailed, nil, err)
	x.persist(ctx)
	x.emitWatch(nil)
	x.e.observer.OnWorkflowFailed(ctx, x.run, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return x.result(err)
}

func (x *execution) suspend(ctx context.Context, span trace.Span) *api.WorkflowResult {
	x.finish(api.StatusSuspended, nil, nil)
	snap := x.persist(ctx)
	x.emitWatch(nil)
	paths := snap.SuspendedStepPaths()
	x.e.observer.OnWorkflowSuspended(ctx, x.run, paths)
	span.SetStatus(codes.Ok, "suspended")
	res := x.result(nil)
	res.Suspended = paths
	return res
}
