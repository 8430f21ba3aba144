package worker

import (
	"context"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// fakeHost records calls and answers from configurable functions.
type fakeHost struct {
	mu     sync.Mutex
	starts []api.StartRunPayload
	resume []api.ResumeRunPayload
	events []api.SendEventPayload

	startFn func(ctx context.Context, n int) (*api.WorkflowResult, error)
	eventFn func(ctx context.Context, n int) error
}

func (h *fakeHost) StartRun(ctx context.Context, workflowID, runID string, p api.StartRunPayload) (*api.WorkflowResult, error) {
	h.mu.Lock()
	h.starts = append(h.starts, p)
	n := len(h.starts)
	h.mu.Unlock()
	if h.startFn != nil {
		return h.startFn(ctx, n)
	}
	return &api.WorkflowResult{Status: api.StatusSuccess, Result: p.Input}, nil
}

func (h *fakeHost) ResumeRun(ctx context.Context, workflowID, runID string, p api.ResumeRunPayload) (*api.WorkflowResult, error) {
	h.mu.Lock()
	h.resume = append(h.resume, p)
	h.mu.Unlock()
	return &api.WorkflowResult{Status: api.StatusSuccess}, nil
}

func (h *fakeHost) SendEvent(ctx context.Context, workflowID, runID string, p api.SendEventPayload) error {
	h.mu.Lock()
	h.events = append(h.events, p)
	n := len(h.events)
	h.mu.Unlock()
	if h.eventFn != nil {
		return h.eventFn(ctx, n)
	}
	return nil
}

func (h *fakeHost) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.starts)
}
