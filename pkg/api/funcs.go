package api

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ConditionFunc decides a branch or loop condition.
type ConditionFunc func(ctx context.Context, sc *StepContext) (bool, error)

// DurationFunc computes a dynamic sleep duration.
type DurationFunc func(ctx context.Context, sc *StepContext) (time.Duration, error)

// TimeFunc computes a dynamic sleep-until deadline.
type TimeFunc func(ctx context.Context, sc *StepContext) (time.Time, error)

// Condition is a named reference to a ConditionFunc. When Fn is nil the
// workflow resolves Name against its Funcs registry.
type Condition struct {
	Name string
	Fn   ConditionFunc
}

// Funcs is a registry of named functions referenced from workflow graphs.
// Graphs persist only the names, so a process resuming a run must register
// the same names.
type Funcs struct {
	mu         sync.RWMutex
	conditions map[string]ConditionFunc
	durations  map[string]DurationFunc
	times      map[string]TimeFunc
	mappings   map[string]ExecuteFunc
}

// NewFuncs creates an empty registry.
func NewFuncs() *Funcs {
	return &Funcs{
		conditions: make(map[string]ConditionFunc),
		durations:  make(map[string]DurationFunc),
		times:      make(map[string]TimeFunc),
		mappings:   make(map[string]ExecuteFunc),
	}
}

func (f *Funcs) RegisterCondition(name string, fn ConditionFunc) *Funcs {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditions[name] = fn
	return f
}

func (f *Funcs) RegisterDuration(name string, fn DurationFunc) *Funcs {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[name] = fn
	return f
}

func (f *Funcs) RegisterTime(name string, fn TimeFunc) *Funcs {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times[name] = fn
	return f
}

func (f *Funcs) RegisterMapping(name string, fn ExecuteFunc) *Funcs {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappings[name] = fn
	return f
}

func (f *Funcs) Condition(name string) (ConditionFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.conditions[name]
	return fn, ok
}

func (f *Funcs) Duration(name string) (DurationFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.durations[name]
	return fn, ok
}

func (f *Funcs) Time(name string) (TimeFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.times[name]
	return fn, ok
}

func (f *Funcs) Mapping(name string) (ExecuteFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.mappings[name]
	return fn, ok
}

// Names returns every registered name, sorted.
func (f *Funcs) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.conditions)+len(f.durations)+len(f.times)+len(f.mappings))
	for n := range f.conditions {
		out = append(out, n)
	}
	for n := range f.durations {
		out = append(out, n)
	}
	for n := range f.times {
		out = append(out, n)
	}
	for n := range f.mappings {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
