package stepflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/worker"
)

// LocalRunner bundles a Host, an in-memory task queue and a Worker to run
// workflows asynchronously inside one process, for development and tests.
//
// Typical usage:
//
//	wf := stepflow.NewWorkflow("my-flow", stepflow.WithStorage(store)).Then(step).Commit()
//	runner, _ := stepflow.NewLocalRunner(wf)
//
//	_ = runner.StartWorkers(ctx, 2)
//	runID, _ := runner.StartRunAsync(ctx, "my-flow", "", input)
//	...
//	runner.Stop()
//
// A run blocked in WaitForEvent occupies its worker, so event delivery
// through SendEventAsync needs at least two workers.
type LocalRunner struct {
	// Host executes run operations for the worker.
	Host *Host

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue against Host.
	Worker *worker.Worker

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner with wfs registered on its Host
// and a Worker with default config.
func NewLocalRunner(wfs ...*Workflow) (*LocalRunner, error) {
	return NewLocalRunnerWithConfig(worker.Config{}, wfs...)
}

// NewLocalRunnerWithConfig is NewLocalRunner with an explicit worker config.
func NewLocalRunnerWithConfig(cfg worker.Config, wfs ...*Workflow) (*LocalRunner, error) {
	host, err := NewHost(wfs...)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	q := taskqueue.NewInMemoryQueue()
	return &LocalRunner{
		Host:   host,
		Queue:  q,
		Worker: worker.NewWithConfig(host, q, cfg),
		logger: cfg.Logger,
	}, nil
}

// StartWorkers starts 'concurrency' goroutines that process tasks until
// Stop is called or ctx is done.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			if err := r.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("local_runner_worker_stopped", slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// StartRunAsync enqueues a start of workflowID. An empty runID is replaced
// with a fresh one, which is returned.
func (r *LocalRunner) StartRunAsync(ctx context.Context, workflowID, runID string, input any) (string, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	err := r.Worker.EnqueueStartRun(ctx, workflowID, runID, StartRunPayload{Input: input})
	return runID, err
}

// ResumeRunAsync enqueues a resume of a suspended run. An empty steps
// resumes the single suspended path.
func (r *LocalRunner) ResumeRunAsync(ctx context.Context, workflowID, runID string, steps []string, resumeData any) error {
	return r.Worker.EnqueueResumeRun(ctx, workflowID, runID, ResumeRunPayload{Steps: steps, ResumeData: resumeData})
}

// SendEventAsync enqueues an event for a run that waits on it.
func (r *LocalRunner) SendEventAsync(ctx context.Context, workflowID, runID, event string, data any) error {
	return r.Worker.EnqueueSendEvent(ctx, workflowID, runID, SendEventPayload{Event: event, Data: data})
}
