package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunInfo identifies a run in observer callbacks.
type RunInfo struct {
	WorkflowID string
	RunID      string
}

// Observer receives callbacks from the execution engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called when a start or resume begins executing.
	OnWorkflowStart(ctx context.Context, run RunInfo)

	// OnWorkflowCompleted is called when a run reaches StatusSuccess.
	OnWorkflowCompleted(ctx context.Context, run RunInfo)

	// OnWorkflowFailed is called when a run reaches StatusFailed.
	OnWorkflowFailed(ctx context.Context, run RunInfo, err error)

	// OnWorkflowSuspended is called when a run stops in StatusSuspended.
	OnWorkflowSuspended(ctx context.Context, run RunInfo, paths [][]string)

	// OnStepStart is called before invoking a step body.
	// path is the execution path of the step in the graph.
	OnStepStart(ctx context.Context, run RunInfo, stepID string, path []int)

	// OnStepCompleted is called after a step settles, whatever its status.
	OnStepCompleted(ctx context.Context, run RunInfo, stepID string, path []int, status StepStatus, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, run RunInfo)                       {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, run RunInfo)                   {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, run RunInfo, err error)           {}
func (NoopObserver) OnWorkflowSuspended(ctx context.Context, run RunInfo, paths [][]string) {}
func (NoopObserver) OnStepStart(ctx context.Context, run RunInfo, stepID string, path []int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, path []int, status StepStatus, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, run)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, run RunInfo, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnWorkflowSuspended(ctx context.Context, run RunInfo, paths [][]string) {
	for _, o := range c.observers {
		o.OnWorkflowSuspended(ctx, run, paths)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run RunInfo, stepID string, path []int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID, path)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, path []int, status StepStatus, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepID, path, status, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", run.WorkflowID),
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", run.WorkflowID),
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, run RunInfo, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", run.WorkflowID),
		slog.String("run_id", run.RunID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnWorkflowSuspended(ctx context.Context, run RunInfo, paths [][]string) {
	o.Logger.InfoContext(ctx, "workflow_suspended",
		slog.String("workflow", run.WorkflowID),
		slog.String("run_id", run.RunID),
		slog.Any("paths", paths),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run RunInfo, stepID string, path []int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", run.WorkflowID),
		slog.String("run_id", run.RunID),
		slog.String("step", stepID),
		slog.Any("path", path),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, path []int, status StepStatus, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", run.WorkflowID),
		slog.String("run_id", run.RunID),
		slog.String("step", stepID),
		slog.Any("path", path),
		slog.String("status", string(status)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	workflowsSuspended atomic.Int64
	stepsCompleted     atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsSuspended int64
	PendingWorkflows   int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, run RunInfo) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, run RunInfo) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, run RunInfo, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowSuspended(ctx context.Context, run RunInfo, paths [][]string) {
	m.workflowsSuspended.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, path []int, status StepStatus, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if status == StepSuccess {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	suspended := m.workflowsSuspended.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		WorkflowsSuspended: suspended,
		PendingWorkflows:   started - completed - failed - suspended,
		StepsCompleted:     steps,
		AvgStepDuration:    avg,
	}
}
