package stepflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/pkg/api"
)

// Workflow is a graph of steps plus the services its runs use.
//
// Builder methods never modify the receiver; each returns a new Workflow
// with one more node:
//
//	wf := stepflow.NewWorkflow("onboard-user", stepflow.WithStorage(store)).
//	    Then(createAccount).
//	    Parallel(sendWelcomeEmail, provisionQuota).
//	    WaitForEvent("activated", activate, 24*time.Hour).
//	    Commit()
//
//	run, err := wf.CreateRunAsync(ctx)
//	res, err := run.Start(ctx, input)
type Workflow struct {
	id           string
	description  string
	inputSchema  Validator
	outputSchema Validator

	entries    []StepFlowEntry
	serialized []SerializedStepFlowEntry
	steps      map[string]*Step

	graph ExecutionGraph
	dirty bool
	err   error

	engine         ExecutionEngine
	storage        Storage
	events         EventStore
	runs           *RunRegistry
	retry          RetryConfig
	logger         *slog.Logger
	observer       Observer
	funcs          *Funcs
	newID          func() string
	leaseTTL       time.Duration
	disableScorers bool
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithEngine sets the execution engine. The default is NewDefaultEngine
// configured with the workflow's observer and logger.
func WithEngine(e ExecutionEngine) Option {
	return func(w *Workflow) { w.engine = e }
}

// WithStorage sets the snapshot storage. Without one, runs execute in
// process but cannot be resumed from a snapshot or listed.
func WithStorage(s Storage) Option {
	return func(w *Workflow) { w.storage = s }
}

// WithRunRegistry shares a run registry between workflows or hosts.
func WithRunRegistry(r *RunRegistry) Option {
	return func(w *Workflow) { w.runs = r }
}

// WithRetryConfig sets the retry configuration applied to every step.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(w *Workflow) { w.retry = cfg }
}

// WithLogger sets the logger for orchestration warnings. It defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithObserver receives the run and step lifecycle callbacks of the
// default engine.
func WithObserver(o Observer) Option {
	return func(w *Workflow) { w.observer = o }
}

// WithFuncs sets the registry used to resolve conditions, durations, times
// and mapping functions given by name only.
func WithFuncs(f *Funcs) Option {
	return func(w *Workflow) { w.funcs = f }
}

// WithEventStore records every granular run event in s.
func WithEventStore(s EventStore) Option {
	return func(w *Workflow) { w.events = s }
}

// WithIDGenerator replaces the generator of run ids and synthesized step ids.
func WithIDGenerator(fn func() string) Option {
	return func(w *Workflow) { w.newID = fn }
}

// WithDescription sets the description reported by Description and AsStep.
func WithDescription(d string) Option {
	return func(w *Workflow) { w.description = d }
}

// WithInputSchema validates the input of Start.
func WithInputSchema(v Validator) Option {
	return func(w *Workflow) { w.inputSchema = v }
}

// WithOutputSchema is reported by AsStep as the nested step's output schema.
func WithOutputSchema(v Validator) Option {
	return func(w *Workflow) { w.outputSchema = v }
}

// WithLeaseTTL sets the lease duration used with storages implementing
// LeaseStore. Leases are renewed at a third of the ttl.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(w *Workflow) { w.leaseTTL = ttl }
}

// WithScorersDisabled skips step scorers.
func WithScorersDisabled() Option {
	return func(w *Workflow) { w.disableScorers = true }
}

const defaultLeaseTTL = 30 * time.Second

// NewWorkflow creates an empty workflow.
func NewWorkflow(id string, opts ...Option) *Workflow {
	if id == "" {
		panic("stepflow: workflow id must not be empty")
	}
	w := &Workflow{
		id:       id,
		steps:    make(map[string]*Step),
		logger:   slog.Default(),
		observer: NoopObserver{},
		funcs:    NewFuncs(),
		newID:    uuid.NewString,
		leaseTTL: defaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.runs == nil {
		w.runs = NewRunRegistry()
	}
	if w.engine == nil {
		w.engine = NewDefaultEngine(EngineWithObserver(w.observer), EngineWithLogger(w.logger))
	}
	return w
}

func (w *Workflow) ID() string          { return w.id }
func (w *Workflow) Description() string { return w.description }

// Steps returns the registry of steps by id.
func (w *Workflow) Steps() map[string]*Step {
	return maps.Clone(w.steps)
}

// ExecutionGraph returns the graph frozen by the last Commit.
func (w *Workflow) ExecutionGraph() ExecutionGraph {
	return ExecutionGraph{ID: w.graph.ID, Steps: slices.Clone(w.graph.Steps)}
}

// SerializedStepGraph returns the displayable mirror of the nodes added so
// far.
func (w *Workflow) SerializedStepGraph() []SerializedStepFlowEntry {
	return slices.Clone(w.serialized)
}

// Err returns the first definition error recorded by a builder method.
func (w *Workflow) Err() error { return w.err }

// extend returns a copy of w with entry appended. The copy never shares
// backing arrays or the step registry with w.
func (w *Workflow) extend(entry StepFlowEntry, ser SerializedStepFlowEntry, steps ...*Step) *Workflow {
	c := *w
	c.entries = append(slices.Clip(w.entries), entry)
	c.serialized = append(slices.Clip(w.serialized), ser)
	c.steps = maps.Clone(w.steps)
	for _, s := range steps {
		c.steps[s.ID] = s
	}
	c.dirty = true
	return &c
}

// fail returns a copy of w carrying err, unless an earlier error exists.
func (w *Workflow) fail(err error) *Workflow {
	c := *w
	if c.err == nil {
		c.err = err
	}
	return &c
}

func mustStep(op string, s *Step) {
	if s == nil {
		panic(fmt.Sprintf("stepflow: %s: nil step", op))
	}
	if s.ID == "" {
		panic(fmt.Sprintf("stepflow: %s: step id must not be empty", op))
	}
}

// Then appends a node that runs step once.
func (w *Workflow) Then(step *Step) *Workflow {
	mustStep("Then", step)
	return w.extend(
		api.StepEntry{Step: step},
		SerializedStepFlowEntry{Type: api.EntryStep, Step: api.SerializeStep(step)},
		step,
	)
}

// Sleep appends a node that pauses for d. Zero and negative durations do
// not pause.
func (w *Workflow) Sleep(d time.Duration) *Workflow {
	id := "sleep_" + w.newID()
	ms := d.Milliseconds()
	return w.extend(
		api.SleepEntry{ID: id, Duration: d},
		SerializedStepFlowEntry{Type: api.EntrySleep, ID: id, Duration: &ms},
	)
}

// SleepFunc appends a node that pauses for the duration fn returns at
// execution time. A nil fn is looked up by name in the workflow's Funcs.
func (w *Workflow) SleepFunc(name string, fn DurationFunc) *Workflow {
	if fn == nil {
		var ok bool
		if fn, ok = w.funcs.Duration(name); !ok {
			return w.fail(fmt.Errorf("sleep: unknown duration function %q", name))
		}
	}
	id := "sleep_" + w.newID()
	return w.extend(
		api.SleepEntry{ID: id, Fn: fn, FnName: name},
		SerializedStepFlowEntry{Type: api.EntrySleep, ID: id, Fn: name},
	)
}

// SleepUntil appends a node that pauses until t. A past t does not pause.
func (w *Workflow) SleepUntil(t time.Time) *Workflow {
	id := "sleep_" + w.newID()
	date := t
	return w.extend(
		api.SleepUntilEntry{ID: id, Date: t},
		SerializedStepFlowEntry{Type: api.EntrySleepUntil, ID: id, Date: &date},
	)
}

// SleepUntilFunc appends a node that pauses until the time fn returns at
// execution time. A nil fn is looked up by name in the workflow's Funcs.
func (w *Workflow) SleepUntilFunc(name string, fn TimeFunc) *Workflow {
	if fn == nil {
		var ok bool
		if fn, ok = w.funcs.Time(name); !ok {
			return w.fail(fmt.Errorf("sleepUntil: unknown time function %q", name))
		}
	}
	id := "sleep_" + w.newID()
	return w.extend(
		api.SleepUntilEntry{ID: id, Fn: fn, FnName: name},
		SerializedStepFlowEntry{Type: api.EntrySleepUntil, ID: id, Fn: name},
	)
}

// WaitForEvent appends a node that blocks until Run.SendEvent(event, data)
// is called on the same run, then runs step with data as its resume data.
// A zero timeout waits forever; otherwise the node fails with
// ErrEventTimeout once timeout elapses.
func (w *Workflow) WaitForEvent(event string, step *Step, timeout time.Duration) *Workflow {
	mustStep("WaitForEvent", step)
	if event == "" {
		panic("stepflow: WaitForEvent: event name must not be empty")
	}
	ser := SerializedStepFlowEntry{Type: api.EntryWaitForEvent, Event: event, Step: api.SerializeStep(step)}
	if timeout > 0 {
		ms := timeout.Milliseconds()
		ser.Timeout = &ms
	}
	return w.extend(api.WaitForEventEntry{Event: event, Step: step, Timeout: timeout}, ser, step)
}

// Parallel appends a node that runs every step concurrently. Its output is
// an object keyed by step id.
func (w *Workflow) Parallel(steps ...*Step) *Workflow {
	if len(steps) == 0 {
		panic("stepflow: Parallel: no steps")
	}
	entries := make([]api.StepEntry, len(steps))
	ser := make([]SerializedStepFlowEntry, len(steps))
	for i, s := range steps {
		mustStep("Parallel", s)
		entries[i] = api.StepEntry{Step: s}
		ser[i] = SerializedStepFlowEntry{Type: api.EntryStep, Step: api.SerializeStep(s)}
	}
	return w.extend(
		api.ParallelEntry{Steps: entries},
		SerializedStepFlowEntry{Type: api.EntryParallel, Steps: ser},
		steps...,
	)
}

// BranchCase pairs a condition with the step it guards.
type BranchCase struct {
	Cond Condition
	Step *Step
}

// When builds a BranchCase.
func When(cond Condition, step *Step) BranchCase {
	return BranchCase{Cond: cond, Step: step}
}

// Cond names a condition function. A nil fn is looked up by name in the
// workflow's Funcs.
func Cond(name string, fn ConditionFunc) Condition {
	return Condition{Name: name, Fn: fn}
}

// Branch appends a conditional node. Every condition is evaluated; the
// steps whose condition holds run concurrently and the others are recorded
// as skipped.
func (w *Workflow) Branch(cases ...BranchCase) *Workflow {
	if len(cases) == 0 {
		panic("stepflow: Branch: no cases")
	}
	entry := api.ConditionalEntry{
		Steps:      make([]api.StepEntry, len(cases)),
		Conditions: make([]Condition, len(cases)),
	}
	ser := SerializedStepFlowEntry{
		Type:                 api.EntryConditional,
		Steps:                make([]SerializedStepFlowEntry, len(cases)),
		SerializedConditions: make([]api.SerializedCondition, len(cases)),
	}
	steps := make([]*Step, len(cases))
	for i, c := range cases {
		mustStep("Branch", c.Step)
		cond, err := w.resolveCondition(c.Cond)
		if err != nil {
			return w.fail(fmt.Errorf("branch: %w", err))
		}
		entry.Steps[i] = api.StepEntry{Step: c.Step}
		entry.Conditions[i] = cond
		ser.Steps[i] = SerializedStepFlowEntry{Type: api.EntryStep, Step: api.SerializeStep(c.Step)}
		ser.SerializedConditions[i] = api.SerializedCondition{ID: c.Step.ID + "-condition", Fn: cond.Name}
		steps[i] = c.Step
	}
	return w.extend(entry, ser, steps...)
}

// DoWhile appends a loop that runs step, then repeats while cond holds.
func (w *Workflow) DoWhile(step *Step, cond Condition) *Workflow {
	return w.loop("DoWhile", step, cond, api.LoopDoWhile)
}

// DoUntil appends a loop that runs step, then repeats until cond holds.
func (w *Workflow) DoUntil(step *Step, cond Condition) *Workflow {
	return w.loop("DoUntil", step, cond, api.LoopDoUntil)
}

func (w *Workflow) loop(op string, step *Step, c Condition, typ api.LoopType) *Workflow {
	mustStep(op, step)
	cond, err := w.resolveCondition(c)
	if err != nil {
		return w.fail(fmt.Errorf("%s: %w", op, err))
	}
	return w.extend(
		api.LoopEntry{Step: step, Condition: cond, LoopType: typ},
		SerializedStepFlowEntry{
			Type:                api.EntryLoop,
			Step:                api.SerializeStep(step),
			SerializedCondition: &api.SerializedCondition{ID: step.ID + "-condition", Fn: cond.Name},
			LoopType:            typ,
		},
		step,
	)
}

// Foreach appends a node that applies step to every element of the
// incoming array with at most concurrency executions in flight. Its output
// is the array of results in input order.
func (w *Workflow) Foreach(step *Step, concurrency int) *Workflow {
	mustStep("Foreach", step)
	if concurrency < 1 {
		concurrency = 1
	}
	return w.extend(
		api.ForeachEntry{Step: step, Concurrency: concurrency},
		SerializedStepFlowEntry{
			Type: api.EntryForeach,
			Step: api.SerializeStep(step),
			Opts: &api.ForeachOpts{Concurrency: concurrency},
		},
		step,
	)
}

func (w *Workflow) resolveCondition(c Condition) (Condition, error) {
	if c.Name == "" {
		return c, errors.New("condition must be named")
	}
	if c.Fn != nil {
		return c, nil
	}
	fn, ok := w.funcs.Condition(c.Name)
	if !ok {
		return c, fmt.Errorf("unknown condition %q", c.Name)
	}
	return Condition{Name: c.Name, Fn: fn}, nil
}

// Commit freezes the nodes added so far into the execution graph used by
// new runs. It is idempotent and may be called again after further
// builder calls.
func (w *Workflow) Commit() *Workflow {
	c := *w
	c.graph = ExecutionGraph{ID: w.id, Steps: slices.Clone(w.entries)}
	c.dirty = false
	return &c
}

// checkRunnable reports why runs cannot be created yet.
func (w *Workflow) checkRunnable() error {
	switch {
	case w.err != nil:
		return w.err
	case w.dirty:
		return ErrUncommitted
	case len(w.graph.Steps) == 0:
		return ErrNoFlow
	}
	return nil
}

// RunOption configures CreateRun and CreateRunAsync.
type RunOption func(*runOptions)

type runOptions struct {
	runID      string
	resourceID string
}

// WithRunID reuses runID instead of generating one.
func WithRunID(runID string) RunOption {
	return func(o *runOptions) { o.runID = runID }
}

// WithResourceID records the owner of the run in its snapshot.
func WithResourceID(id string) RunOption {
	return func(o *runOptions) { o.resourceID = id }
}

// CreateRun returns the run registered under the given run id, creating it
// if needed. It does not touch storage.
func (w *Workflow) CreateRun(opts ...RunOption) (*Run, error) {
	if err := w.checkRunnable(); err != nil {
		return nil, err
	}
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = w.newID()
	}
	r, _ := w.runs.getOrCreate(w.id, o.runID, func() *Run {
		return newRun(w, o.runID, o.resourceID)
	})
	return r, nil
}

// CreateRunAsync is CreateRun plus a pending snapshot written to storage
// when the run has none yet.
func (w *Workflow) CreateRunAsync(ctx context.Context, opts ...RunOption) (*Run, error) {
	r, err := w.CreateRun(opts...)
	if err != nil {
		return nil, err
	}
	if w.storage == nil {
		return r, nil
	}

	_, err = w.storage.LoadWorkflowSnapshot(ctx, w.id, r.runID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrRunNotFound) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap := &WorkflowRunState{
		RunID:               r.runID,
		Status:              StatusPending,
		Value:               map[string]any{},
		Context:             RunContext{Steps: map[string]*StepResult{}},
		ActivePaths:         []int{},
		SuspendedPaths:      map[string][]int{},
		WaitingPaths:        map[string][]int{},
		SerializedStepGraph: w.SerializedStepGraph(),
		ResourceID:          r.resourceID,
		Timestamp:           time.Now().UnixMilli(),
	}
	if err := w.storage.PersistWorkflowSnapshot(ctx, w.id, r.runID, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	return r, nil
}

// GetScorers returns the scorers of every registered step by scorer name.
func (w *Workflow) GetScorers() map[string]Scorer {
	out := make(map[string]Scorer)
	for _, id := range slices.Sorted(maps.Keys(w.steps)) {
		maps.Copy(out, w.steps[id].Scorers)
	}
	return out
}

// CloneWorkflow returns a committed copy of wf registered under id with its
// own run registry.
func CloneWorkflow(wf *Workflow, id string) *Workflow {
	if id == "" {
		panic("stepflow: workflow id must not be empty")
	}
	c := *wf
	c.id = id
	c.entries = slices.Clone(wf.entries)
	c.serialized = slices.Clone(wf.serialized)
	c.steps = maps.Clone(wf.steps)
	c.runs = NewRunRegistry()
	return c.Commit()
}
