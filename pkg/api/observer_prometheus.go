package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports run and step metrics to a Prometheus registry.
type PrometheusObserver struct {
	NoopObserver

	runs         *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
}

// NewPrometheusObserver registers the collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_workflow_runs_total",
			Help: "Workflow run transitions by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_steps_total",
			Help: "Settled steps by workflow, step and status.",
		}, []string{"workflow", "step", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_step_duration_seconds",
			Help:    "Step execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "step"}),
	}
}

func (p *PrometheusObserver) OnWorkflowStart(ctx context.Context, run RunInfo) {
	p.runs.WithLabelValues(run.WorkflowID, "started").Inc()
}

func (p *PrometheusObserver) OnWorkflowCompleted(ctx context.Context, run RunInfo) {
	p.runs.WithLabelValues(run.WorkflowID, "success").Inc()
}

func (p *PrometheusObserver) OnWorkflowFailed(ctx context.Context, run RunInfo, err error) {
	p.runs.WithLabelValues(run.WorkflowID, "failed").Inc()
}

func (p *PrometheusObserver) OnWorkflowSuspended(ctx context.Context, run RunInfo, paths [][]string) {
	p.runs.WithLabelValues(run.WorkflowID, "suspended").Inc()
}

func (p *PrometheusObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, path []int, status StepStatus, err error, d time.Duration) {
	p.steps.WithLabelValues(run.WorkflowID, stepID, string(status)).Inc()
	p.stepDuration.WithLabelValues(run.WorkflowID, stepID).Observe(d.Seconds())
}

// Runs exposes the run counter for scraping in tests.
func (p *PrometheusObserver) Runs() *prometheus.CounterVec { return p.runs }

// Steps exposes the step counter for scraping in tests.
func (p *PrometheusObserver) Steps() *prometheus.CounterVec { return p.steps }
