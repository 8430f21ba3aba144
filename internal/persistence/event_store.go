package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, rec api.EventRecord) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, workflowID, runID string) ([]api.EventRecord, error) {
	return nil, nil
}

// InMemoryEventStore keeps event logs in process memory.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.EventRecord
}

// NewInMemoryEventStore creates an empty InMemoryEventStore.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.EventRecord)}
}

var _ api.EventStore = (*InMemoryEventStore)(nil)

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, rec api.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(rec.WorkflowID, rec.RunID)
	s.events[key] = append(s.events[key], rec)
	return nil
}

// ListEvents returns the events of a run in append order.
func (s *InMemoryEventStore) ListEvents(ctx context.Context, workflowID, runID string) ([]api.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[runKey(workflowID, runID)]), nil
}
