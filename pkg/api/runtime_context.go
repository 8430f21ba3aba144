package api

import (
	"maps"
	"sort"
	"sync"
)

// RuntimeContext is a goroutine-safe key/value bag passed through a run.
// It is available to every step and condition and is captured in the
// snapshot when the run suspends.
type RuntimeContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRuntimeContext creates an empty RuntimeContext.
func NewRuntimeContext() *RuntimeContext {
	return &RuntimeContext{values: make(map[string]any)}
}

// RuntimeContextFrom creates a RuntimeContext holding a copy of values.
func RuntimeContextFrom(values map[string]any) *RuntimeContext {
	rc := NewRuntimeContext()
	for k, v := range values {
		rc.values[k] = v
	}
	return rc
}

func (c *RuntimeContext) Get(key string) any {
	v, _ := c.Lookup(key)
	return v
}

func (c *RuntimeContext) Lookup(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *RuntimeContext) Has(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

func (c *RuntimeContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *RuntimeContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Keys returns the keys in sorted order.
func (c *RuntimeContext) Keys() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a copy of the stored values.
func (c *RuntimeContext) Values() map[string]any {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}
