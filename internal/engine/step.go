package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/stepflow/pkg/api"
)

// invocation carries the per-call inputs of a step execution that do not
// come from the graph.
type invocation struct {
	resumeData     any
	resumeSteps    []string
	resuming       bool
	runCount       int
	iterationCount int
	// quiet suppresses watch-v2 step chunks; foreach emits them per node.
	quiet bool
}

// invocationFor returns the invocation of stepID, carrying the resume
// payload when stepID is the resume target.
func invocationFor(stepID string, t *resumeTarget) invocation {
	if t == nil || len(t.steps) == 0 || t.steps[0] != stepID {
		return invocation{}
	}
	return invocation{
		resumeData:  t.payload,
		resumeSteps: append([]string{}, t.steps[1:]...),
		resuming:    true,
	}
}

// outcome is the settled result of one step execution.
type outcome struct {
	res  *api.StepResult
	err  error
	bail *api.BailError
}

// settle turns an outcome into the (output, error) pair nodes return.
func (o outcome) settle(stepID string) (any, error) {
	switch {
	case o.bail != nil:
		return nil, o.bail
	case o.res.Status == api.StepSuspended:
		return nil, errSuspended
	case o.res.Status == api.StepFailed:
		return nil, &api.StepFailedError{StepID: stepID, Err: o.err}
	}
	return o.res.Output, nil
}

// invoke executes step with retries, validation, scoring, tracing and
// observer callbacks. The caller records the result.
func (x *execution) invoke(ctx context.Context, step *api.Step, path []int, input any, inv invocation) outcome {
	callID := uuid.NewString()
	started := x.nowMs()
	res := &api.StepResult{Status: api.StepRunning, Payload: input, StartedAt: started}
	if inv.resuming {
		res.ResumePayload = inv.resumeData
		res.ResumedAt = started
	}

	ctx, span := x.e.tracer.Start(ctx, "stepflow.step.execute",
		trace.WithAttributes(
			attribute.String("stepflow.workflow.id", x.p.WorkflowID),
			attribute.String("stepflow.run.id", x.p.RunID),
			attribute.String("stepflow.step.id", step.ID),
			attribute.String("stepflow.step.path", formatPath(path)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if !inv.quiet {
		x.emitChunk(api.ChunkStepStart, map[string]any{
			"id":         step.ID,
			"stepName":   step.ID,
			"stepCallId": callID,
			"payload":    input,
			"startedAt":  started,
			"status":     string(api.StepRunning),
		})
	}

	if !inv.quiet {
		x.markRunning(step.ID, res.Clone())
	}

	x.e.observer.OnStepStart(ctx, x.run, step.ID, path)
	begin := time.Now()

	o := x.attempt(ctx, step, input, inv)
	o.res.Payload = res.Payload
	o.res.StartedAt = started
	o.res.ResumePayload = res.ResumePayload
	o.res.ResumedAt = res.ResumedAt
	o.res.EndedAt = x.nowMs()

	if o.res.Status == api.StepSuccess && !x.p.DisableScorers && len(step.Scorers) > 0 {
		o.res.Scores = x.score(ctx, step, input, o.res.Output)
	}

	x.e.observer.OnStepCompleted(ctx, x.run, step.ID, path, o.res.Status, o.err, time.Since(begin))

	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
	} else {
		span.SetAttributes(attribute.String("stepflow.step.status", string(o.res.Status)))
		span.SetStatus(codes.Ok, "")
	}

	if !inv.quiet {
		x.emitStepEnd(step.ID, callID, o.res)
	}
	return o
}

// attempt runs the step body until it succeeds, suspends, bails or exhausts
// its retries.
func (x *execution) attempt(ctx context.Context, step *api.Step, input any, inv invocation) outcome {
	failed := func(err error) outcome {
		return outcome{res: &api.StepResult{Status: api.StepFailed, Error: err.Error()}, err: err}
	}

	if step.Execute == nil {
		return failed(fmt.Errorf("step %s has no execute function", step.ID))
	}
	if step.InputSchema != nil {
		v, err := step.InputSchema.Validate(input)
		if err != nil {
			return failed(fmt.Errorf("invalid input: %w", err))
		}
		input = v
	}
	if inv.resuming && step.ResumeSchema != nil {
		v, err := step.ResumeSchema.Validate(inv.resumeData)
		if err != nil {
			return failed(fmt.Errorf("invalid resume data: %w", err))
		}
		inv.resumeData = v
	}

	cfg := x.p.RetryConfig
	retries := cfg.Attempts
	if step.Retries > 0 {
		retries = step.Retries
	}
	delay := cfg.Delay
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}

		out, err := step.Execute(ctx, x.stepContext(input, inv))
		if err == nil {
			if step.OutputSchema != nil {
				v, verr := step.OutputSchema.Validate(out)
				if verr != nil {
					return failed(fmt.Errorf("invalid output: %w", verr))
				}
				out = v
			}
			return outcome{res: &api.StepResult{Status: api.StepSuccess, Output: out}}
		}

		if se, ok := api.IsSuspend(err); ok {
			payload := se.Payload
			if step.SuspendSchema != nil {
				v, verr := step.SuspendSchema.Validate(payload)
				if verr != nil {
					return failed(fmt.Errorf("invalid suspend payload: %w", verr))
				}
				payload = v
			}
			return outcome{res: &api.StepResult{
				Status:         api.StepSuspended,
				SuspendPayload: payload,
				WorkflowMeta:   se.Meta,
				SuspendedAt:    x.nowMs(),
			}}
		}
		if be, ok := api.IsBail(err); ok {
			return outcome{res: &api.StepResult{Status: api.StepSuccess, Output: be.Result}, bail: be}
		}

		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			break
		}
		// A mapping path fails the same way on every attempt.
		var pathErr *api.PathError
		if errors.As(err, &pathErr) {
			break
		}
		if attempt == retries {
			break
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return failed(ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return failed(lastErr)
}

// score runs the step scorers in name order. A failing scorer is logged and
// left out of the result.
func (x *execution) score(ctx context.Context, step *api.Step, input, output any) map[string]float64 {
	scores := make(map[string]float64, len(step.Scorers))
	for _, name := range slices.Sorted(maps.Keys(step.Scorers)) {
		v, err := step.Scorers[name].Score(ctx, api.ScoreInput{
			RunID:  x.p.RunID,
			StepID: step.ID,
			Input:  input,
			Output: output,
		})
		if err != nil {
			x.e.logger.WarnContext(ctx, "scorer failed",
				slog.String("run_id", x.p.RunID),
				slog.String("step", step.ID),
				slog.String("scorer", name),
				slog.Any("error", err),
			)
			continue
		}
		scores[name] = v
	}
	return scores
}

// emitStepEnd emits the watch-v2 chunk closing a step.
func (x *execution) emitStepEnd(stepID, callID string, res *api.StepResult) {
	payload := res.Record()
	payload["id"] = stepID
	payload["stepName"] = stepID
	payload["stepCallId"] = callID
	typ := api.ChunkStepResult
	if res.Status == api.StepSuspended {
		typ = api.ChunkStepSuspended
	}
	x.emitChunk(typ, payload)
}

func formatPath(path []int) string {
	b := make([]byte, 0, len(path)*2)
	for i, p := range path {
		if i > 0 {
			b = append(b, '.')
		}
		b = strconv.AppendInt(b, int64(p), 10)
	}
	return string(b)
}
