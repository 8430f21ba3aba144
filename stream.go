package stepflow

import (
	"context"
	"maps"
	"strings"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

const streamBuffer = 64

// Stream is the output of Run.Stream and Run.StreamVNext. Chunks is closed
// exactly once, when the run finishes without suspending. The consumer must
// drain Chunks or cancel the context the stream was started with.
type Stream struct {
	ctx context.Context

	mu     sync.Mutex
	closed bool
	ch     chan WatchEvent

	done chan struct{}
	res  *WorkflowResult
	err  error
}

func newStream(ctx context.Context) *Stream {
	return &Stream{
		ctx:  ctx,
		ch:   make(chan WatchEvent, streamBuffer),
		done: make(chan struct{}),
	}
}

// Chunks returns the chunk channel.
func (s *Stream) Chunks() <-chan WatchEvent { return s.ch }

// Result waits for the execution started with the stream.
func (s *Stream) Result(ctx context.Context) (*WorkflowResult, error) {
	select {
	case <-s.done:
		return s.res, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) send(ev WatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Stream) finish(res *WorkflowResult, err error) {
	s.res, s.err = res, err
	close(s.done)
}

// Stream starts the run and returns its granular events in the legacy
// stream shape: "workflow-" prefixes are stripped, agent calls become
// tool-call chunks and their text deltas tool-call deltas. The stream opens
// with "start" and closes after "finish".
func (r *Run) Stream(ctx context.Context, p StartParams) (*Stream, error) {
	if r.executing.Load() {
		return nil, ErrRunInProgress
	}
	s := newStream(ctx)

	var tool map[string]any
	unwatch := r.Watch(func(ev WatchEvent) {
		switch {
		case ev.Type == api.ChunkAgentCallStart:
			tool = map[string]any{"name": ev.Payload["name"], "args": ev.Payload["args"]}
			s.send(WatchEvent{Type: api.ChunkToolCallStreaming, RunID: ev.RunID, Payload: maps.Clone(ev.Payload)})
		case ev.Type == api.ChunkAgentCallFinish:
		case !strings.HasPrefix(ev.Type, "workflow-"):
			if ev.Type == api.ChunkTextDelta {
				payload := maps.Clone(tool)
				if payload == nil {
					payload = make(map[string]any)
				}
				payload["argsTextDelta"] = ev.Payload["textDelta"]
				s.send(WatchEvent{Type: api.ChunkToolCallDelta, RunID: ev.RunID, Payload: payload})
			}
		default:
			ev.Type = strings.TrimPrefix(ev.Type, "workflow-")
			s.send(ev)
		}
	}, WatchGranular)

	r.setCloseStream(func() {
		unwatch()
		s.close()
	})

	go r.drive(s, func() (*WorkflowResult, error) { return r.Start(ctx, p) })
	return s, nil
}

// StreamVNext starts the run and returns its granular events as chunks of
// the form {type, runId, from, payload{stepName, ...}}.
func (r *Run) StreamVNext(ctx context.Context, p StartParams) (*Stream, error) {
	if r.executing.Load() {
		return nil, ErrRunInProgress
	}
	s := newStream(ctx)

	unwatch := r.Watch(func(ev WatchEvent) {
		from := ev.From
		if from == "" {
			from = api.ChunkFromWorkflow
		}
		payload := map[string]any{"stepName": ev.Payload["id"]}
		maps.Copy(payload, ev.Payload)
		s.send(WatchEvent{
			Type:           ev.Type,
			From:           from,
			RunID:          r.runID,
			Payload:        payload,
			EventTimestamp: ev.EventTimestamp,
		})
	}, WatchGranular)

	r.setCloseStream(func() {
		unwatch()
		s.close()
	})

	go r.drive(s, func() (*WorkflowResult, error) { return r.Start(ctx, p) })
	return s, nil
}

// drive runs exec for a stream. Orchestration errors close the stream
// since no terminal status will.
func (r *Run) drive(s *Stream, exec func() (*WorkflowResult, error)) {
	res, err := exec()
	if err != nil {
		r.closeStreamAction()
	}
	s.finish(res, err)
}
