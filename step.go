package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/petrijr/stepflow/pkg/api"
)

// StepSource is what CreateStep turns into a Step. The set of
// implementations is closed: StepParams, AgentAdapter and ToolAdapter.
type StepSource interface {
	isStepSource()
}

// StepParams defines a plain step.
type StepParams struct {
	ID          string
	Description string

	InputSchema   Validator
	OutputSchema  Validator
	ResumeSchema  Validator
	SuspendSchema Validator

	Retries int
	Scorers map[string]Scorer

	Execute ExecuteFunc
}

// AgentAdapter exposes a streaming text agent as a step with input
// {prompt} and output {text}.
type AgentAdapter struct {
	Name string
	// Stream answers prompt. Every chunk passed to emit is published on the
	// run's watch-v2 channel. It returns the full response text.
	Stream func(ctx context.Context, prompt string, rc *RuntimeContext, emit func(WatchEvent)) (string, error)
}

// ToolAdapter exposes a tool as a step. Tools must declare both schemas.
type ToolAdapter struct {
	ID          string
	Description string

	InputSchema  Validator
	OutputSchema Validator

	Execute func(ctx context.Context, input any, rc *RuntimeContext) (any, error)
}

func (StepParams) isStepSource()   {}
func (AgentAdapter) isStepSource() {}
func (ToolAdapter) isStepSource()  {}

// CreateStep builds a Step from src.
func CreateStep(src StepSource) (*Step, error) {
	switch s := src.(type) {
	case StepParams:
		if s.ID == "" {
			return nil, errors.New("step id must not be empty")
		}
		if s.Execute == nil {
			return nil, fmt.Errorf("step %q has no execute function", s.ID)
		}
		return &Step{
			ID:            s.ID,
			Description:   s.Description,
			InputSchema:   s.InputSchema,
			OutputSchema:  s.OutputSchema,
			ResumeSchema:  s.ResumeSchema,
			SuspendSchema: s.SuspendSchema,
			Retries:       s.Retries,
			Scorers:       maps.Clone(s.Scorers),
			Execute:       s.Execute,
		}, nil

	case AgentAdapter:
		if s.Name == "" || s.Stream == nil {
			return nil, errors.New("agent adapter needs a name and a stream function")
		}
		return agentStep(s), nil

	case ToolAdapter:
		if s.InputSchema == nil || s.OutputSchema == nil {
			return nil, ErrToolSchema
		}
		if s.ID == "" || s.Execute == nil {
			return nil, errors.New("tool adapter needs an id and an execute function")
		}
		exec := s.Execute
		return &Step{
			ID:           s.ID,
			Description:  s.Description,
			InputSchema:  s.InputSchema,
			OutputSchema: s.OutputSchema,
			Execute: func(ctx context.Context, sc *StepContext) (any, error) {
				return exec(ctx, sc.InputData, sc.RuntimeContext)
			},
		}, nil
	}
	return nil, fmt.Errorf("unsupported step source %T", src)
}

// MustCreateStep is like CreateStep but panics on error.
// Useful for package-level step definitions.
func MustCreateStep(src StepSource) *Step {
	s, err := CreateStep(src)
	if err != nil {
		panic("stepflow: " + err.Error())
	}
	return s
}

// NewStep is shorthand for a plain step without schemas.
func NewStep(id string, fn ExecuteFunc) *Step {
	return MustCreateStep(StepParams{ID: id, Execute: fn})
}

var promptSchema = api.ValidatorFunc(func(v any) (any, error) {
	switch in := v.(type) {
	case string:
		return map[string]any{"prompt": in}, nil
	case map[string]any:
		if _, ok := in["prompt"].(string); ok {
			return in, nil
		}
	}
	return nil, errors.New("expected an object with a string prompt")
})

var textSchema = api.ValidatorFunc(func(v any) (any, error) {
	if m, ok := v.(map[string]any); ok {
		if _, ok := m["text"].(string); ok {
			return m, nil
		}
	}
	return nil, errors.New("expected an object with a string text")
})

func agentStep(a AgentAdapter) *Step {
	return &Step{
		ID:           a.Name,
		InputSchema:  promptSchema,
		OutputSchema: textSchema,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			in, _ := sc.InputData.(map[string]any)
			prompt, _ := in["prompt"].(string)
			toolData := map[string]any{"name": a.Name, "args": sc.InputData}

			sc.Emitter.Emit(api.EventWatchV2, WatchEvent{
				Type:    api.ChunkAgentCallStart,
				From:    api.ChunkFromWorkflow,
				RunID:   sc.RunID,
				Payload: toolData,
			})
			if err := ctx.Err(); err != nil {
				sc.Abort()
				return nil, err
			}

			text, err := a.Stream(ctx, prompt, sc.RuntimeContext, func(ev WatchEvent) {
				if ev.RunID == "" {
					ev.RunID = sc.RunID
				}
				sc.Emitter.Emit(api.EventWatchV2, ev)
			})
			if err != nil {
				return nil, err
			}

			sc.Emitter.Emit(api.EventWatchV2, WatchEvent{
				Type:    api.ChunkAgentCallFinish,
				From:    api.ChunkFromWorkflow,
				RunID:   sc.RunID,
				Payload: toolData,
			})
			return map[string]any{"text": text}, nil
		},
	}
}

// CloneStep returns a copy of s registered under id.
func CloneStep(s *Step, id string) *Step {
	c := *s
	c.ID = id
	c.Scorers = maps.Clone(s.Scorers)
	return &c
}

// Typed wraps a strongly-typed function into a step. Inputs that are not
// already of type I are converted through their JSON form, so a
// map[string]any produced by an earlier step can feed a struct input.
//
// Example:
//
//	stepflow.Typed("greet", func(ctx context.Context, in Person) (Greeting, error) { ... })
func Typed[I, O any](id string, fn func(context.Context, I) (O, error)) *Step {
	return NewStep(id, func(ctx context.Context, sc *StepContext) (any, error) {
		in, err := convert[I](sc.InputData)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", id, err)
		}
		return fn(ctx, in)
	})
}

func convert[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var out T
	if v == nil {
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("convert input: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("convert %T to %T: %w", v, out, err)
	}
	return out, nil
}
