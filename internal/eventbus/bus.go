// Package eventbus provides the in-process emitter a run hands to its
// execution engine.
package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/petrijr/stepflow/pkg/api"
)

// Recorder receives every emitted event after its listeners ran.
type Recorder func(rec api.EventRecord)

// Bus is an ordered, synchronous event emitter. It is safe for concurrent
// use.
//
// Emissions are serialized: listeners observe events in the order of their
// sequence numbers, one at a time. A listener must therefore not call Emit
// on the bus it is subscribed to.
type Bus struct {
	workflowID string
	runID      string
	recorder   Recorder

	mu        sync.Mutex
	listeners map[string][]*listener
	nextID    int

	emitMu sync.Mutex
	seq    uint64
}

type listener struct {
	id   int
	once bool
	fn   func(any)
}

// Option configures a Bus.
type Option func(*Bus)

// WithRecorder installs a Recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

// New creates a bus for one run.
func New(workflowID, runID string, opts ...Option) *Bus {
	b := &Bus{
		workflowID: workflowID,
		runID:      runID,
		listeners:  make(map[string][]*listener),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ api.Emitter = (*Bus)(nil)

func (b *Bus) On(event string, fn func(any)) func() {
	return b.add(event, fn, false)
}

func (b *Bus) Once(event string, fn func(any)) func() {
	return b.add(event, fn, true)
}

func (b *Bus) add(event string, fn func(any), once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := &listener{id: b.nextID, once: once, fn: fn}
	b.nextID++
	b.listeners[event] = append(b.listeners[event], l)

	return func() { b.remove(event, l.id) }
}

func (b *Bus) remove(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[event]
	for i, l := range ls {
		if l.id == id {
			b.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[event]) == 0 {
		delete(b.listeners, event)
	}
}

// Emit delivers data to the listeners of event in subscription order.
func (b *Bus) Emit(event string, data any) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.seq++
	seq := b.seq

	b.mu.Lock()
	ls := append([]*listener(nil), b.listeners[event]...)
	for _, l := range ls {
		if l.once {
			b.dropLocked(event, l.id)
		}
	}
	b.mu.Unlock()

	for _, l := range ls {
		l.fn(data)
	}

	if b.recorder != nil {
		b.recorder(api.EventRecord{
			ID:         ulid.Make().String(),
			WorkflowID: b.workflowID,
			RunID:      b.runID,
			Seq:        seq,
			Type:       event,
			Payload:    Payload(data),
			At:         time.Now().UTC(),
		})
	}
}

func (b *Bus) dropLocked(event string, id int) {
	ls := b.listeners[event]
	for i, l := range ls {
		if l.id == id {
			b.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of listeners registered for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// Payload converts emitted data to the generic record stored in an event
// log.
func Payload(data any) map[string]any {
	switch v := data.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case api.WatchEvent:
		return watchPayload(v)
	case *api.WatchEvent:
		return watchPayload(*v)
	case api.NestedEvent:
		return map[string]any{
			"workflowId": v.WorkflowID,
			"runId":      v.RunID,
			"isResume":   v.IsResume,
			"event":      watchPayload(v.Event),
		}
	default:
		return map[string]any{"data": v}
	}
}

func watchPayload(e api.WatchEvent) map[string]any {
	out := map[string]any{"type": e.Type, "payload": e.Payload}
	if e.From != "" {
		out["from"] = e.From
	}
	if e.RunID != "" {
		out["runId"] = e.RunID
	}
	if e.EventTimestamp != 0 {
		out["eventTimestamp"] = e.EventTimestamp
	}
	return out
}
