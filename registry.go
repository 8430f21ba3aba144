package stepflow

import "sync"

// RunRegistry holds the live runs of one or more workflows by workflow and
// run id. It is safe for concurrent use.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*Run)}
}

func registryKey(workflowID, runID string) string {
	return workflowID + ":" + runID
}

// Get returns the live run, if any.
func (r *RunRegistry) Get(workflowID, runID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[registryKey(workflowID, runID)]
	return run, ok
}

// Delete drops the run. It is a no-op for unknown runs.
func (r *RunRegistry) Delete(workflowID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, registryKey(workflowID, runID))
}

// Len returns the number of live runs.
func (r *RunRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// getOrCreate returns the registered run or registers the one built by
// create. The boolean reports whether the run was created.
func (r *RunRegistry) getOrCreate(workflowID, runID string, create func() *Run) (*Run, bool) {
	key := registryKey(workflowID, runID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[key]; ok {
		return run, false
	}
	run := create()
	r.runs[key] = run
	return run, true
}
