package api

import "time"

// EntryType discriminates the nodes of an execution graph.
type EntryType string

const (
	EntryStep         EntryType = "step"
	EntrySleep        EntryType = "sleep"
	EntrySleepUntil   EntryType = "sleepUntil"
	EntryWaitForEvent EntryType = "waitForEvent"
	EntryParallel     EntryType = "parallel"
	EntryConditional  EntryType = "conditional"
	EntryLoop         EntryType = "loop"
	EntryForeach      EntryType = "foreach"
)

// LoopType selects the loop flavor of a LoopEntry.
type LoopType string

const (
	LoopDoWhile LoopType = "dowhile"
	LoopDoUntil LoopType = "dountil"
)

// StepFlowEntry is one node of an execution graph. The set of
// implementations is closed.
type StepFlowEntry interface {
	EntryType() EntryType
	isStepFlowEntry()
}

// StepEntry runs a step once.
type StepEntry struct {
	Step *Step
}

// SleepEntry pauses for a fixed Duration, or for the duration returned by Fn.
type SleepEntry struct {
	ID       string
	Duration time.Duration
	Fn       DurationFunc
	FnName   string
}

// SleepUntilEntry pauses until Date, or until the time returned by Fn.
type SleepUntilEntry struct {
	ID     string
	Date   time.Time
	Fn     TimeFunc
	FnName string
}

// WaitForEventEntry blocks until the named event is sent to the run, then
// runs Step with the event data as resume data. Zero Timeout waits forever.
type WaitForEventEntry struct {
	Event   string
	Step    *Step
	Timeout time.Duration
}

// ParallelEntry runs all steps concurrently and joins on all of them.
type ParallelEntry struct {
	Steps []StepEntry
}

// ConditionalEntry runs, concurrently, every step whose condition holds.
// Conditions and Steps are index-aligned.
type ConditionalEntry struct {
	Steps      []StepEntry
	Conditions []Condition
}

// LoopEntry repeats Step while (dowhile) or until (dountil) Condition holds.
type LoopEntry struct {
	Step      *Step
	Condition Condition
	LoopType  LoopType
}

// ForeachEntry applies Step to every element of the incoming array with at
// most Concurrency executions in flight.
type ForeachEntry struct {
	Step        *Step
	Concurrency int
}

func (StepEntry) EntryType() EntryType         { return EntryStep }
func (SleepEntry) EntryType() EntryType        { return EntrySleep }
func (SleepUntilEntry) EntryType() EntryType   { return EntrySleepUntil }
func (WaitForEventEntry) EntryType() EntryType { return EntryWaitForEvent }
func (ParallelEntry) EntryType() EntryType     { return EntryParallel }
func (ConditionalEntry) EntryType() EntryType  { return EntryConditional }
func (LoopEntry) EntryType() EntryType         { return EntryLoop }
func (ForeachEntry) EntryType() EntryType      { return EntryForeach }

func (StepEntry) isStepFlowEntry()         {}
func (SleepEntry) isStepFlowEntry()        {}
func (SleepUntilEntry) isStepFlowEntry()   {}
func (WaitForEventEntry) isStepFlowEntry() {}
func (ParallelEntry) isStepFlowEntry()     {}
func (ConditionalEntry) isStepFlowEntry()  {}
func (LoopEntry) isStepFlowEntry()         {}
func (ForeachEntry) isStepFlowEntry()      {}

// ExecutionGraph is the committed, ordered node list of a workflow.
type ExecutionGraph struct {
	ID    string
	Steps []StepFlowEntry
}

// SerializedStep is the displayable form of a step.
type SerializedStep struct {
	ID                 string                    `json:"id"`
	Description        string                    `json:"description,omitempty"`
	Component          string                    `json:"component,omitempty"`
	WorkflowID         string                    `json:"workflowId,omitempty"`
	SerializedStepFlow []SerializedStepFlowEntry `json:"serializedStepFlow,omitempty"`
	MapConfig          string                    `json:"mapConfig,omitempty"`
}

// SerializedCondition names the registered function behind a condition.
type SerializedCondition struct {
	ID string `json:"id"`
	Fn string `json:"fn"`
}

// ForeachOpts is the serialized foreach configuration.
type ForeachOpts struct {
	Concurrency int `json:"concurrency"`
}

// SerializedStepFlowEntry mirrors a StepFlowEntry with functions replaced by
// their registered names. Durations and timeouts are in milliseconds.
type SerializedStepFlowEntry struct {
	Type EntryType `json:"type"`

	ID    string                    `json:"id,omitempty"`
	Step  *SerializedStep           `json:"step,omitempty"`
	Steps []SerializedStepFlowEntry `json:"steps,omitempty"`

	Duration *int64     `json:"duration,omitempty"`
	Date     *time.Time `json:"date,omitempty"`
	Fn       string     `json:"fn,omitempty"`

	Event   string `json:"event,omitempty"`
	Timeout *int64 `json:"timeout,omitempty"`

	SerializedConditions []SerializedCondition `json:"serializedConditions,omitempty"`
	SerializedCondition  *SerializedCondition  `json:"serializedCondition,omitempty"`
	LoopType             LoopType              `json:"loopType,omitempty"`

	Opts *ForeachOpts `json:"opts,omitempty"`
}

// SerializeStep renders a step for the serialized graph.
func SerializeStep(s *Step) *SerializedStep {
	return &SerializedStep{
		ID:                 s.ID,
		Description:        s.Description,
		Component:          s.Component,
		WorkflowID:         s.WorkflowID,
		SerializedStepFlow: s.SerializedStepFlow,
	}
}

// EntryStepIDs lists the ids of the steps a node records results for.
func EntryStepIDs(e StepFlowEntry) []string {
	switch n := e.(type) {
	case StepEntry:
		return []string{n.Step.ID}
	case SleepEntry:
		return []string{n.ID}
	case SleepUntilEntry:
		return []string{n.ID}
	case WaitForEventEntry:
		return []string{n.Step.ID}
	case ParallelEntry:
		return stepEntryIDs(n.Steps)
	case ConditionalEntry:
		return stepEntryIDs(n.Steps)
	case LoopEntry:
		return []string{n.Step.ID}
	case ForeachEntry:
		return []string{n.Step.ID}
	}
	return nil
}

func stepEntryIDs(entries []StepEntry) []string {
	out := make([]string, 0, len(entries))
	for _, se := range entries {
		out = append(out, se.Step.ID)
	}
	return out
}
