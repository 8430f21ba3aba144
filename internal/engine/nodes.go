package engine

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/pkg/api"
)

// runEntry executes one graph node and returns the value handed to the next
// node. Errors are errSuspended, *api.BailError or a node failure.
func (x *execution) runEntry(ctx context.Context, entry api.StepFlowEntry, path []int, prev any, t *resumeTarget) (any, error) {
	switch n := entry.(type) {
	case api.StepEntry:
		o := x.invoke(ctx, n.Step, path, prev, invocationFor(n.Step.ID, t))
		x.record(n.Step.ID, o.res, path)
		return o.settle(n.Step.ID)

	case api.SleepEntry:
		return x.runSleep(ctx, n.ID, path, prev, func(sc *api.StepContext) (time.Duration, error) {
			if n.Fn != nil {
				return n.Fn(ctx, sc)
			}
			return n.Duration, nil
		})

	case api.SleepUntilEntry:
		return x.runSleep(ctx, n.ID, path, prev, func(sc *api.StepContext) (time.Duration, error) {
			date := n.Date
			if n.Fn != nil {
				d, err := n.Fn(ctx, sc)
				if err != nil {
					return 0, err
				}
				date = d
			}
			return date.Sub(x.e.now()), nil
		})

	case api.WaitForEventEntry:
		return x.runWaitForEvent(ctx, n, path, prev, t)

	case api.ParallelEntry:
		return x.runConcurrent(ctx, n.Steps, nil, path, prev, t)

	case api.ConditionalEntry:
		return x.runConditional(ctx, n, path, prev, t)

	case api.LoopEntry:
		return x.runLoop(ctx, n, path, prev, t)

	case api.ForeachEntry:
		return x.runForeach(ctx, n, path, prev, t)
	}
	return nil, fmt.Errorf("unknown entry type %T", entry)
}

// runSleep pauses for the duration computed by wait and passes prev through.
func (x *execution) runSleep(ctx context.Context, id string, path []int, prev any, wait func(*api.StepContext) (time.Duration, error)) (any, error) {
	started := x.nowMs()
	callID := uuid.NewString()
	running := &api.StepResult{Status: api.StepRunning, Payload: prev, StartedAt: started}
	x.emitChunk(api.ChunkStepStart, map[string]any{
		"id":         id,
		"stepName":   id,
		"stepCallId": callID,
		"payload":    prev,
		"startedAt":  started,
		"status":     string(api.StepRunning),
	})
	x.markRunning(id, running)

	fail := func(err error) (any, error) {
		res := &api.StepResult{Status: api.StepFailed, Error: err.Error(), Payload: prev, StartedAt: started, EndedAt: x.nowMs()}
		x.record(id, res, path)
		x.emitStepEnd(id, callID, res)
		return nil, &api.StepFailedError{StepID: id, Err: err}
	}

	d, err := wait(x.stepContext(prev, invocation{}))
	if err != nil {
		return fail(err)
	}
	if d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail(ctx.Err())
		case <-timer.C:
		}
	}

	res := &api.StepResult{Status: api.StepSuccess, Output: prev, Payload: prev, StartedAt: started, EndedAt: x.nowMs()}
	x.record(id, res, path)
	x.emitStepEnd(id, callID, res)
	return prev, nil
}

// runWaitForEvent blocks until the event is sent to the run, then executes
// the node's step with the event data as resume data.
func (x *execution) runWaitForEvent(ctx context.Context, n api.WaitForEventEntry, path []int, prev any, t *resumeTarget) (any, error) {
	id := n.Step.ID
	inv := invocationFor(id, t)
	if inv.resuming {
		o := x.invoke(ctx, n.Step, path, prev, inv)
		x.record(id, o.res, path)
		return o.settle(id)
	}

	// Subscribe before announcing the wait so an event sent in reaction to
	// the waiting chunk is not lost.
	delivered := make(chan any, 1)
	off := x.emitter.Once(api.UserEventPrefix+n.Event, func(data any) {
		select {
		case delivered <- data:
		default:
		}
	})
	defer off()

	started := x.nowMs()
	waiting := &api.StepResult{Status: api.StepWaiting, Payload: prev, StartedAt: started}
	x.markWaiting(id, n.Event, path, waiting)
	x.emitChunk(api.ChunkStepWaiting, map[string]any{
		"id":        id,
		"stepName":  id,
		"payload":   prev,
		"startedAt": started,
		"status":    string(api.StepWaiting),
	})

	var timeout <-chan time.Time
	if n.Timeout > 0 {
		timer := time.NewTimer(n.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	fail := func(err error) (any, error) {
		x.clearWaiting(n.Event)
		res := &api.StepResult{Status: api.StepFailed, Error: err.Error(), Payload: prev, StartedAt: started, EndedAt: x.nowMs()}
		x.record(id, res, path)
		return nil, &api.StepFailedError{StepID: id, Err: err}
	}

	var data any
	select {
	case data = <-delivered:
	case <-timeout:
		return fail(api.ErrEventTimeout)
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	x.clearWaiting(n.Event)

	o := x.invoke(ctx, n.Step, path, prev, invocation{resumeData: data})
	o.res.ResumePayload = data
	x.record(id, o.res, path)
	return o.settle(id)
}

// runConcurrent executes the selected steps concurrently, all with prev as
// input, and joins on all of them. include selects steps by index; nil
// selects every step. When resuming, only the target step is executed again;
// siblings keep their recorded results.
func (x *execution) runConcurrent(ctx context.Context, steps []api.StepEntry, include []bool, path []int, prev any, t *resumeTarget) (any, error) {
	outcomes := make([]*outcome, len(steps))

	var g errgroup.Group
	for i, se := range steps {
		if include != nil && !include[i] {
			continue
		}
		childPath := append(slices.Clip(path), i)
		inv := invocationFor(se.Step.ID, t)

		if t != nil && !inv.resuming {
			if prior := x.resultOf(se.Step.ID); prior != nil && reusable(prior.Status) {
				if prior.Status == api.StepSuspended {
					x.record(se.Step.ID, prior, childPath)
				}
				outcomes[i] = &outcome{res: prior}
				continue
			}
		}

		g.Go(func() error {
			o := x.invoke(ctx, se.Step, childPath, prev, inv)
			x.record(se.Step.ID, o.res, childPath)
			outcomes[i] = &o
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]any)
	var bail *api.BailError
	var failure error
	suspended := false
	for i, o := range outcomes {
		if o == nil {
			continue
		}
		id := steps[i].Step.ID
		switch {
		case o.bail != nil:
			if bail == nil {
				bail = o.bail
			}
		case o.res.Status == api.StepFailed:
			if failure == nil {
				failure = &api.StepFailedError{StepID: id, Err: o.failure()}
			}
		case o.res.Status == api.StepSuspended:
			suspended = true
		case o.res.Status == api.StepSuccess:
			out[id] = o.res.Output
		}
	}

	switch {
	case failure != nil:
		return nil, failure
	case bail != nil:
		return nil, bail
	case suspended:
		return nil, errSuspended
	}
	return out, nil
}

func reusable(s api.StepStatus) bool {
	return s == api.StepSuccess || s == api.StepSuspended || s == api.StepSkipped
}

// failure returns the step error, rebuilding it from the recorded message
// for reused results.
func (o *outcome) failure() error {
	if o.err != nil {
		return o.err
	}
	return fmt.Errorf("%s", o.res.Error)
}

// runConditional evaluates every condition against prev and runs the steps
// whose condition holds. Steps whose condition is false are recorded as
// skipped. A resumed node does not evaluate its conditions again.
func (x *execution) runConditional(ctx context.Context, n api.ConditionalEntry, path []int, prev any, t *resumeTarget) (any, error) {
	include := make([]bool, len(n.Steps))

	if t != nil {
		for i, se := range n.Steps {
			if invocationFor(se.Step.ID, t).resuming {
				include[i] = true
				continue
			}
			prior := x.resultOf(se.Step.ID)
			include[i] = prior != nil && prior.Status != api.StepSkipped
		}
		return x.runConcurrent(ctx, n.Steps, include, path, prev, t)
	}

	for i, cond := range n.Conditions {
		if cond.Fn == nil {
			return nil, &api.StepFailedError{StepID: n.Steps[i].Step.ID, Err: fmt.Errorf("condition %q is not registered", cond.Name)}
		}
		ok, err := cond.Fn(ctx, x.stepContext(prev, invocation{}))
		if err != nil {
			return nil, &api.StepFailedError{StepID: n.Steps[i].Step.ID, Err: fmt.Errorf("evaluate condition %q: %w", cond.Name, err)}
		}
		include[i] = ok
	}

	for i, se := range n.Steps {
		if !include[i] {
			x.record(se.Step.ID, &api.StepResult{Status: api.StepSkipped}, append(slices.Clip(path), i))
		}
	}
	return x.runConcurrent(ctx, n.Steps, include, path, prev, nil)
}

// runLoop repeats the step, feeding each output into the next iteration,
// while (dowhile) or until (dountil) the condition holds.
func (x *execution) runLoop(ctx context.Context, n api.LoopEntry, path []int, prev any, t *resumeTarget) (any, error) {
	id := n.Step.ID
	if n.Condition.Fn == nil {
		return nil, &api.StepFailedError{StepID: id, Err: fmt.Errorf("condition %q is not registered", n.Condition.Name)}
	}

	inv := invocationFor(id, t)
	input := prev
	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, &api.StepFailedError{StepID: id, Err: err}
		}

		inv.runCount = iteration
		o := x.invoke(ctx, n.Step, path, input, inv)
		x.record(id, o.res, path)
		out, err := o.settle(id)
		if err != nil {
			return nil, err
		}
		input = out
		inv = invocation{}

		ok, err := n.Condition.Fn(ctx, x.stepContext(out, invocation{runCount: iteration, iterationCount: iteration + 1}))
		if err != nil {
			return nil, &api.StepFailedError{StepID: id, Err: fmt.Errorf("evaluate condition %q: %w", n.Condition.Name, err)}
		}
		again := ok
		if n.LoopType == api.LoopDoUntil {
			again = !ok
		}
		if !again {
			return out, nil
		}
	}
}

// runForeach applies the step to every element of prev with bounded
// concurrency. The output preserves input order. When resuming, iterations
// that already succeeded are not executed again.
func (x *execution) runForeach(ctx context.Context, n api.ForeachEntry, path []int, prev any, t *resumeTarget) (any, error) {
	id := n.Step.ID
	started := x.nowMs()
	callID := uuid.NewString()

	x.emitChunk(api.ChunkStepStart, map[string]any{
		"id":         id,
		"stepName":   id,
		"stepCallId": callID,
		"payload":    prev,
		"startedAt":  started,
		"status":     string(api.StepRunning),
	})

	items, err := toSlice(prev)
	if err != nil {
		res := &api.StepResult{Status: api.StepFailed, Error: err.Error(), Payload: prev, StartedAt: started, EndedAt: x.nowMs()}
		x.record(id, res, path)
		x.emitStepEnd(id, callID, res)
		return nil, &api.StepFailedError{StepID: id, Err: err}
	}

	inv := invocationFor(id, t)
	var prior *api.StepResult
	if inv.resuming {
		prior = x.resultOf(id)
	}
	x.markRunning(id, &api.StepResult{Status: api.StepRunning, Payload: prev, StartedAt: started})

	concurrency := max(n.Concurrency, 1)
	iterations := make([]*api.StepResult, len(items))
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, item := range items {
		itInv := invocation{quiet: true}
		if prior != nil && i < len(prior.Iterations) && prior.Iterations[i] != nil {
			switch prior.Iterations[i].Status {
			case api.StepSuccess:
				iterations[i] = prior.Iterations[i]
				continue
			case api.StepSuspended:
				itInv.resuming = true
				itInv.resumeData = inv.resumeData
				itInv.resumeSteps = inv.resumeSteps
			}
		}
		g.Go(func() error {
			o := x.invoke(ctx, n.Step, append(slices.Clip(path), i), item, itInv)
			iterations[i] = o.res
			errs[i] = o.err
			return nil
		})
	}
	_ = g.Wait()

	res := &api.StepResult{Status: api.StepSuccess, Payload: prev, Iterations: iterations, StartedAt: started}
	if inv.resuming {
		res.ResumePayload = inv.resumeData
		res.ResumedAt = started
	}
	outputs := make([]any, len(items))
	var failure error
	for i, it := range iterations {
		switch it.Status {
		case api.StepFailed:
			if failure == nil {
				failure = errs[i]
				if failure == nil {
					failure = fmt.Errorf("%s", it.Error)
				}
				res.Status = api.StepFailed
				res.Error = fmt.Sprintf("iteration %d: %s", i, it.Error)
			}
		case api.StepSuspended:
			if res.Status == api.StepSuccess {
				res.Status = api.StepSuspended
				res.SuspendPayload = it.SuspendPayload
				res.SuspendedAt = x.nowMs()
			}
		default:
			outputs[i] = it.Output
		}
	}
	res.EndedAt = x.nowMs()
	if res.Status == api.StepSuccess {
		res.Output = outputs
	}

	x.record(id, res, path)
	x.emitStepEnd(id, callID, res)

	switch res.Status {
	case api.StepFailed:
		return nil, &api.StepFailedError{StepID: id, Err: failure}
	case api.StepSuspended:
		return nil, errSuspended
	}
	return outputs, nil
}

// toSlice converts any slice or array value to []any.
func toSlice(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("foreach input must be an array, got %T", v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}
