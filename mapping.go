package stepflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/petrijr/stepflow/pkg/api"
)

// Mapping describes the object a Map node produces: one source per key.
type Mapping map[string]MapSource

// MapSource computes one value of a Mapping.
type MapSource interface {
	resolve(ctx context.Context, sc *StepContext) (any, error)
	describe() map[string]any
}

// FromStep projects Path out of the output of the step with id Step.
// Path "." selects the whole output; otherwise it is a dotted path.
type FromStep struct {
	Step string
	Path string
}

// FromInit projects Path out of the workflow input.
type FromInit struct {
	Path string
}

// FromRuntimeContext reads Key from the runtime context and projects the
// optional Path out of it.
type FromRuntimeContext struct {
	Key  string
	Path string
}

// Value is a literal.
type Value struct {
	V any
}

// FromFunc computes the value with a named function. A nil Fn is looked up
// by name in the workflow's Funcs.
type FromFunc struct {
	Name string
	Fn   ExecuteFunc
}

func (m FromStep) resolve(_ context.Context, sc *StepContext) (any, error) {
	return project(sc.GetStepResult(m.Step), m.Path, m.Step)
}

func (m FromStep) describe() map[string]any {
	return map[string]any{"step": m.Step, "path": m.Path}
}

func (m FromInit) resolve(_ context.Context, sc *StepContext) (any, error) {
	return project(sc.GetInitData(), m.Path, "initData")
}

func (m FromInit) describe() map[string]any {
	return map[string]any{"initData": true, "path": m.Path}
}

func (m FromRuntimeContext) resolve(_ context.Context, sc *StepContext) (any, error) {
	v := sc.RuntimeContext.Get(m.Key)
	if m.Path == "" {
		return v, nil
	}
	return project(v, m.Path, "runtimeContext."+m.Key)
}

func (m FromRuntimeContext) describe() map[string]any {
	d := map[string]any{"runtimeContextPath": m.Key}
	if m.Path != "" {
		d["path"] = m.Path
	}
	return d
}

func (m Value) resolve(context.Context, *StepContext) (any, error) { return m.V, nil }

func (m Value) describe() map[string]any { return map[string]any{"value": m.V} }

func (m FromFunc) resolve(ctx context.Context, sc *StepContext) (any, error) {
	return m.Fn(ctx, sc)
}

func (m FromFunc) describe() map[string]any { return map[string]any{"fn": m.Name} }

// project walks a dotted path through nested objects. Walking into
// anything that is not an object fails with a PathError naming owner.
func project(v any, path, owner string) (any, error) {
	if path == "." || path == "" {
		return v, nil
	}
	for _, part := range strings.Split(path, ".") {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, &PathError{Path: path, Step: owner}
		}
		v = obj[part]
	}
	return v, nil
}

// Map appends a synthesized step with id mapping_<id> whose output is the
// object described by m.
func (w *Workflow) Map(m Mapping) *Workflow {
	resolved := make(Mapping, len(m))
	for key, src := range m {
		if src == nil {
			return w.fail(fmt.Errorf("map: key %q has no source", key))
		}
		if f, ok := src.(FromFunc); ok && f.Fn == nil {
			fn, found := w.funcs.Mapping(f.Name)
			if !found {
				return w.fail(fmt.Errorf("map: unknown mapping function %q", f.Name))
			}
			src = FromFunc{Name: f.Name, Fn: fn}
		}
		resolved[key] = src
	}

	desc := make(map[string]any, len(resolved))
	for key, src := range resolved {
		desc[key] = src.describe()
	}
	cfg, err := json.Marshal(desc)
	if err != nil {
		return w.fail(fmt.Errorf("map: %w", err))
	}

	keys := slices.Sorted(maps.Keys(resolved))
	step := &Step{
		ID: "mapping_" + w.newID(),
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			out := make(map[string]any, len(keys))
			for _, key := range keys {
				v, err := resolved[key].resolve(ctx, sc)
				if err != nil {
					return nil, err
				}
				out[key] = v
			}
			return out, nil
		},
	}
	return w.appendMapping(step, string(cfg))
}

// MapFunc appends a synthesized mapping step whose output is whatever fn
// returns. A nil fn is looked up by name in the workflow's Funcs.
func (w *Workflow) MapFunc(name string, fn ExecuteFunc) *Workflow {
	if fn == nil {
		var ok bool
		if fn, ok = w.funcs.Mapping(name); !ok {
			return w.fail(fmt.Errorf("map: unknown mapping function %q", name))
		}
	}
	return w.appendMapping(&Step{ID: "mapping_" + w.newID(), Execute: fn}, name)
}

func (w *Workflow) appendMapping(step *Step, cfg string) *Workflow {
	return w.extend(
		api.StepEntry{Step: step},
		SerializedStepFlowEntry{
			Type: api.EntryStep,
			Step: &api.SerializedStep{ID: step.ID, MapConfig: cfg},
		},
		step,
	)
}
