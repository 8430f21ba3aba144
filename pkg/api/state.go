package api

import (
	"encoding/json"
	"maps"
	"sort"
	"strings"
)

// WorkflowMeta locates a suspension inside a nested workflow. Path is the
// suspension resumed by default; Paths lists every suspended path of the
// child when there is more than one.
type WorkflowMeta struct {
	RunID string     `json:"runId"`
	Path  []string   `json:"path"`
	Paths [][]string `json:"paths,omitempty"`
}

// AllPaths returns Paths, or Path alone when Paths is empty.
func (m *WorkflowMeta) AllPaths() [][]string {
	if m == nil {
		return nil
	}
	if len(m.Paths) > 0 {
		return m.Paths
	}
	if len(m.Path) > 0 {
		return [][]string{m.Path}
	}
	return nil
}

// StepResult records the outcome of one step. Timestamps are Unix
// milliseconds.
type StepResult struct {
	Status         StepStatus         `json:"status"`
	Output         any                `json:"output,omitempty"`
	Error          string             `json:"error,omitempty"`
	Payload        any                `json:"payload,omitempty"`
	ResumePayload  any                `json:"resumePayload,omitempty"`
	SuspendPayload any                `json:"suspendPayload,omitempty"`
	WorkflowMeta   *WorkflowMeta      `json:"__workflow_meta,omitempty"`
	Iterations     []*StepResult      `json:"iterations,omitempty"`
	Scores         map[string]float64 `json:"scores,omitempty"`
	StartedAt      int64              `json:"startedAt,omitempty"`
	EndedAt        int64              `json:"endedAt,omitempty"`
	SuspendedAt    int64              `json:"suspendedAt,omitempty"`
	ResumedAt      int64              `json:"resumedAt,omitempty"`
}

// Clone returns a copy that shares no slices or maps owned by the result.
func (r *StepResult) Clone() *StepResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.WorkflowMeta != nil {
		m := *r.WorkflowMeta
		c.WorkflowMeta = &m
	}
	if r.Iterations != nil {
		c.Iterations = make([]*StepResult, len(r.Iterations))
		for i, it := range r.Iterations {
			c.Iterations[i] = it.Clone()
		}
	}
	c.Scores = maps.Clone(r.Scores)
	return &c
}

// Record renders the result as a generic record, the shape carried by
// watch events.
func (r *StepResult) Record() map[string]any {
	rec := map[string]any{"status": string(r.Status)}
	if r.Output != nil {
		rec["output"] = r.Output
	}
	if r.Error != "" {
		rec["error"] = r.Error
	}
	if r.Payload != nil {
		rec["payload"] = r.Payload
	}
	if r.ResumePayload != nil {
		rec["resumePayload"] = r.ResumePayload
	}
	if r.SuspendPayload != nil {
		rec["suspendPayload"] = r.SuspendPayload
	}
	if r.WorkflowMeta != nil {
		rec["__workflow_meta"] = map[string]any{"runId": r.WorkflowMeta.RunID, "path": r.WorkflowMeta.Path}
	}
	if len(r.Scores) > 0 {
		scores := make(map[string]any, len(r.Scores))
		for k, v := range r.Scores {
			scores[k] = v
		}
		rec["scores"] = scores
	}
	if r.StartedAt != 0 {
		rec["startedAt"] = r.StartedAt
	}
	if r.EndedAt != 0 {
		rec["endedAt"] = r.EndedAt
	}
	if r.SuspendedAt != 0 {
		rec["suspendedAt"] = r.SuspendedAt
	}
	if r.ResumedAt != 0 {
		rec["resumedAt"] = r.ResumedAt
	}
	return rec
}

// RunContext is the per-run record of step results plus the run input. It
// marshals to a flat object whose "input" key holds the input.
type RunContext struct {
	Input any
	Steps map[string]*StepResult
}

// Clone deep-copies the step results.
func (c RunContext) Clone() RunContext {
	out := RunContext{Input: c.Input, Steps: make(map[string]*StepResult, len(c.Steps))}
	for k, v := range c.Steps {
		out.Steps[k] = v.Clone()
	}
	return out
}

func (c RunContext) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(c.Steps)+1)
	for k, v := range c.Steps {
		flat[k] = v
	}
	if c.Input != nil {
		flat["input"] = c.Input
	}
	return json.Marshal(flat)
}

func (c *RunContext) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	c.Steps = make(map[string]*StepResult, len(flat))
	for k, raw := range flat {
		if k == "input" {
			if err := json.Unmarshal(raw, &c.Input); err != nil {
				return err
			}
			continue
		}
		var sr StepResult
		if err := json.Unmarshal(raw, &sr); err != nil {
			return err
		}
		c.Steps[k] = &sr
	}
	return nil
}

// WorkflowRunState is the persisted snapshot of a run: the durability
// boundary between suspend and resume.
type WorkflowRunState struct {
	RunID               string                    `json:"runId"`
	Status              WorkflowStatus            `json:"status"`
	Value               map[string]any            `json:"value"`
	Context             RunContext                `json:"context"`
	ActivePaths         []int                     `json:"activePaths"`
	SuspendedPaths      map[string][]int          `json:"suspendedPaths"`
	WaitingPaths        map[string][]int          `json:"waitingPaths"`
	SerializedStepGraph []SerializedStepFlowEntry `json:"serializedStepGraph"`
	Result              any                       `json:"result,omitempty"`
	Error               string                    `json:"error,omitempty"`
	RuntimeContext      map[string]any            `json:"runtimeContext,omitempty"`
	// ResourceID is an optional caller-supplied owner of the run.
	ResourceID string `json:"resourceId,omitempty"`
	// Timestamp is the Unix millisecond time of the last write.
	Timestamp int64 `json:"timestamp"`
}

// SuspendedStepPaths expands suspendedPaths into full resume paths, descending
// into nested workflow metadata. The result is sorted for stable output.
func (s *WorkflowRunState) SuspendedStepPaths() [][]string {
	var out [][]string
	for stepID := range s.SuspendedPaths {
		res := s.Context.Steps[stepID]
		if res == nil || res.Status != StepSuspended {
			continue
		}
		nested := res.WorkflowMeta.AllPaths()
		if len(nested) == 0 {
			out = append(out, []string{stepID})
			continue
		}
		for _, p := range nested {
			out = append(out, append([]string{stepID}, p...))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i], "\x00") < strings.Join(out[j], "\x00")
	})
	return out
}

// WorkflowResult is what an execution engine returns for one start or
// resume.
type WorkflowResult struct {
	Status WorkflowStatus
	Result any
	Error  error
	Input  any
	Steps  map[string]*StepResult
	// Suspended lists the suspended paths when Status is StatusSuspended.
	Suspended [][]string
}
