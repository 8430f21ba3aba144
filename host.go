package stepflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned by Host for workflow ids that were
	// never registered.
	ErrWorkflowNotFound = errors.New("workflow not registered")

	// ErrEventNotAwaited is returned by Host.SendEvent when the run is live
	// but no node currently waits for the event. Workers retry such tasks.
	ErrEventNotAwaited = errors.New("no step is waiting for this event")
)

// Host maps workflow ids to committed workflows and executes run operations
// for queue workers.
type Host struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

var _ api.RunHost = (*Host)(nil)

// NewHost creates a Host with wfs registered.
func NewHost(wfs ...*Workflow) (*Host, error) {
	h := &Host{workflows: make(map[string]*Workflow)}
	for _, wf := range wfs {
		if err := h.Register(wf); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Register adds a committed workflow. Ids must be unique.
func (h *Host) Register(wf *Workflow) error {
	if wf == nil {
		return errors.New("stepflow: nil workflow")
	}
	if err := wf.checkRunnable(); err != nil {
		return fmt.Errorf("register %s: %w", wf.id, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.workflows[wf.id]; exists {
		return fmt.Errorf("stepflow: workflow %q already registered", wf.id)
	}
	h.workflows[wf.id] = wf
	return nil
}

// Workflow returns the workflow registered under id.
func (h *Host) Workflow(id string) (*Workflow, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	wf, ok := h.workflows[id]
	return wf, ok
}

// Workflows returns the registered ids in sorted order.
func (h *Host) Workflows() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.workflows))
	for id := range h.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Host) lookup(id string) (*Workflow, error) {
	wf, ok := h.Workflow(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// StartRun creates or reuses runID of workflowID and starts it.
func (h *Host) StartRun(ctx context.Context, workflowID, runID string, p api.StartRunPayload) (*WorkflowResult, error) {
	wf, err := h.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	run, err := wf.CreateRunAsync(ctx, WithRunID(runID))
	if err != nil {
		return nil, err
	}
	return run.Start(ctx, StartParams{
		InputData:      p.Input,
		RuntimeContext: RuntimeContextFrom(p.RuntimeContext),
	})
}

// ResumeRun resumes runID of workflowID from its snapshot.
func (h *Host) ResumeRun(ctx context.Context, workflowID, runID string, p api.ResumeRunPayload) (*WorkflowResult, error) {
	wf, err := h.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	run, err := wf.CreateRunAsync(ctx, WithRunID(runID))
	if err != nil {
		return nil, err
	}
	rp := ResumeParams{Step: p.Steps, ResumeData: p.ResumeData}
	if p.RuntimeContext != nil {
		rp.RuntimeContext = RuntimeContextFrom(p.RuntimeContext)
	}
	return run.Resume(ctx, rp)
}

// SendEvent delivers an event to a live run of this process. It fails with
// ErrRunNotFound when the run is not live here and ErrEventNotAwaited when
// nothing waits for the event yet.
func (h *Host) SendEvent(ctx context.Context, workflowID, runID string, p api.SendEventPayload) error {
	wf, err := h.lookup(workflowID)
	if err != nil {
		return err
	}
	run, ok := wf.runs.Get(workflowID, runID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrRunNotFound, workflowID, runID)
	}
	if run.bus.ListenerCount(api.UserEventPrefix+p.Event) == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotAwaited, p.Event)
	}
	run.SendEvent(p.Event, p.Data)
	return nil
}
