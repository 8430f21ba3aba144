package persistence

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
type InMemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*api.WorkflowRun
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:   make(map[string]*api.WorkflowRun),
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) PersistWorkflowSnapshot(ctx context.Context, workflowName, runID string, snapshot *api.WorkflowRunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := runKey(workflowName, runID)
	run, ok := s.runs[key]
	if !ok {
		run = &api.WorkflowRun{WorkflowName: workflowName, RunID: runID, CreatedAt: now}
		s.runs[key] = run
	}
	run.Snapshot = cloneSnapshot(snapshot)
	run.ResourceID = snapshot.ResourceID
	run.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) LoadWorkflowSnapshot(ctx context.Context, workflowName, runID string) (*api.WorkflowRunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runKey(workflowName, runID)]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	return cloneSnapshot(run.Snapshot), nil
}

func (s *InMemoryStore) GetWorkflowRunByID(ctx context.Context, workflowName, runID string) (*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runKey(workflowName, runID)]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	out := *run
	out.Snapshot = cloneSnapshot(run.Snapshot)
	return &out, nil
}

func (s *InMemoryStore) GetWorkflowRuns(ctx context.Context, filter api.RunsFilter) (*api.WorkflowRuns, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]api.WorkflowRun, 0, len(s.runs))
	for _, run := range s.runs {
		out := *run
		out.Snapshot = cloneSnapshot(run.Snapshot)
		all = append(all, out)
	}
	return pageRuns(all, filter), nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(workflowName, runID)
	now := s.now()
	if cur, ok := s.leases[key]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(workflowName, runID)
	cur, ok := s.leases[key]
	if !ok || cur.owner != owner {
		return api.ErrRunLocked
	}
	cur.expiresAt = s.now().Add(ttl)
	s.leases[key] = cur
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, workflowName, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(workflowName, runID)
	if cur, ok := s.leases[key]; ok && cur.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// cloneSnapshot copies the containers of a snapshot. Step outputs and
// inputs are shared.
func cloneSnapshot(s *api.WorkflowRunState) *api.WorkflowRunState {
	if s == nil {
		return nil
	}
	c := *s
	c.Value = maps.Clone(s.Value)
	c.Context = s.Context.Clone()
	c.ActivePaths = slices.Clone(s.ActivePaths)
	c.SuspendedPaths = clonePaths(s.SuspendedPaths)
	c.WaitingPaths = clonePaths(s.WaitingPaths)
	c.SerializedStepGraph = slices.Clone(s.SerializedStepGraph)
	c.RuntimeContext = maps.Clone(s.RuntimeContext)
	return &c
}

func clonePaths(in map[string][]int) map[string][]int {
	if in == nil {
		return nil
	}
	out := make(map[string][]int, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
