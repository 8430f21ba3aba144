package stepflow

import (
	"maps"
	"slices"

	"github.com/petrijr/stepflow/pkg/api"
)

// Watch subscribes cb to the run's events and returns the function that
// unsubscribes it.
//
// With WatchCumulative every callback receives the merged run state so far
// as its payload. With WatchGranular it receives the engine's chunks as
// they are emitted. Events of nested workflows are delivered too, with
// their step ids prefixed by the id of the nested workflow.
//
// Callbacks run synchronously in emission order and must not emit on the
// run themselves (SendEvent included).
func (r *Run) Watch(cb func(WatchEvent), kind string) (unwatch func()) {
	if kind == WatchGranular {
		off := r.bus.On(api.EventWatchV2, func(data any) {
			if ev, ok := asWatchEvent(data); ok {
				cb(ev)
			}
		})
		offNested := r.bus.On(api.EventNestedWatchV2, func(data any) {
			ne, ok := data.(NestedEvent)
			if !ok {
				return
			}
			ev := ne.Event
			if ev.Type == api.ChunkWorkflowStart || ev.Type == api.ChunkWorkflowFinish {
				return
			}
			if id, ok := ev.Payload["id"].(string); ok {
				ev.Payload = maps.Clone(ev.Payload)
				ev.Payload["id"] = ne.WorkflowID + "." + id
			}
			cb(ev)
		})
		return func() { off(); offNested() }
	}

	deliver := func(ev WatchEvent) {
		cb(WatchEvent{Type: ev.Type, Payload: r.GetState(), EventTimestamp: ev.EventTimestamp})
	}
	off := r.bus.On(api.EventWatch, func(data any) {
		if ev, ok := asWatchEvent(data); ok {
			deliver(ev)
		}
	})
	offNested := r.bus.On(api.EventNestedWatch, func(data any) {
		if ne, ok := data.(NestedEvent); ok {
			deliver(ne.Event)
		}
	})
	return func() { off(); offNested() }
}

func asWatchEvent(data any) (WatchEvent, bool) {
	switch ev := data.(type) {
	case WatchEvent:
		return ev, true
	case *WatchEvent:
		if ev != nil {
			return *ev, true
		}
	}
	return WatchEvent{}, false
}

func (r *Run) reduce(data any) {
	if ev, ok := asWatchEvent(data); ok {
		r.updateState(ev.Payload)
	}
}

// reduceNested merges the steps of a nested run under "<workflowID>.<stepID>".
func (r *Run) reduceNested(data any) {
	ne, ok := data.(NestedEvent)
	if !ok {
		return
	}
	payload := ne.Event.Payload

	prefixed := make(map[string]any)
	if ws, ok := payload["workflowState"].(map[string]any); ok {
		if steps, ok := ws["steps"].(map[string]any); ok {
			for id, s := range steps {
				prefixed[ne.WorkflowID+"."+id] = s
			}
		}
	}

	current := make(map[string]any)
	if cs, ok := payload["currentStep"].(map[string]any); ok {
		maps.Copy(current, cs)
	}
	id, _ := current["id"].(string)
	current["id"] = ne.WorkflowID + "." + id

	r.updateState(map[string]any{
		"currentStep":   current,
		"workflowState": map[string]any{"steps": prefixed},
	})
}

// updateState folds one watch payload into the cumulative state.
// currentStep is replaced when present and dropped once the run is no
// longer running; workflowState is deep-merged.
func (r *Run) updateState(payload map[string]any) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	ws, _ := payload["workflowState"].(map[string]any)
	if cs, ok := payload["currentStep"]; ok && cs != nil {
		r.state["currentStep"] = cs
	} else if ws["status"] != string(StatusRunning) {
		delete(r.state, "currentStep")
	}
	if ws != nil {
		prev, _ := r.state["workflowState"].(map[string]any)
		r.state["workflowState"] = DeepMerge(prev, ws)
	}
}

// GetState returns a copy of the cumulative state built from the run's
// watch events: {"workflowState": {...}, "currentStep": {...}}.
func (r *Run) GetState() map[string]any {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return deepCopy(r.state).(map[string]any)
}

// DeepMerge merges b into a copy of a. Nil values in b leave a untouched,
// slices in b replace those of a with their nil items dropped, and nested
// objects merge recursively.
func DeepMerge(a, b map[string]any) map[string]any {
	if a == nil {
		a = map[string]any{}
	}
	out := maps.Clone(a)
	for k, bv := range b {
		switch v := bv.(type) {
		case nil:
			continue
		case []any:
			out[k] = slices.DeleteFunc(slices.Clone(v), func(item any) bool { return item == nil })
		case map[string]any:
			if av, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(av, v)
			} else {
				out[k] = DeepMerge(nil, v)
			}
		default:
			out[k] = v
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	}
	return v
}
