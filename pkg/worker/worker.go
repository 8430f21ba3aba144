package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

const dequeueErrorDelay = 500 * time.Millisecond

// Config controls task leasing and retries.
type Config struct {
	// MaxAttempts is the total number of times a task is tried. Values <= 0
	// mean 1.
	MaxAttempts int
	// Backoff is the delay before the first retry. It doubles on every
	// further attempt.
	Backoff time.Duration
	// MaxBackoff caps the retry delay when > 0.
	MaxBackoff time.Duration

	// WorkerID is the lease owner. Empty means a random id.
	WorkerID string
	// LeaseTTL is how long a dequeued task stays hidden from other workers
	// without a heartbeat. Zero means 30s.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often the lease is renewed while a task runs.
	// Zero means LeaseTTL/3.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker pulls tasks from a Queue and executes them against a RunHost.
type Worker struct {
	host   api.RunHost
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a Worker with the default Config.
func New(host api.RunHost, queue taskqueue.Queue) *Worker {
	return NewWithConfig(host, queue, Config{})
}

// NewWithConfig creates a Worker with cfg. Zero fields take their defaults.
func NewWithConfig(host api.RunHost, queue taskqueue.Queue, cfg Config) *Worker {
	cfg = cfg.normalized()
	return &Worker{
		host:   host,
		queue:  queue,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("worker", cfg.WorkerID)),
	}
}

// ID returns the lease owner id of the worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// EnqueueStartRun enqueues a task that starts runID of workflowID.
func (w *Worker) EnqueueStartRun(ctx context.Context, workflowID, runID string, payload api.StartRunPayload) error {
	return w.EnqueueStartRunAt(ctx, workflowID, runID, payload, time.Time{})
}

// EnqueueStartRunAt is EnqueueStartRun with the task held back until at.
func (w *Worker) EnqueueStartRunAt(ctx context.Context, workflowID, runID string, payload api.StartRunPayload, at time.Time) error {
	return w.enqueue(ctx, taskqueue.TaskStartRun, workflowID, runID, payload, at)
}

// EnqueueResumeRun enqueues a task that resumes a suspended run.
func (w *Worker) EnqueueResumeRun(ctx context.Context, workflowID, runID string, payload api.ResumeRunPayload) error {
	return w.enqueue(ctx, taskqueue.TaskResumeRun, workflowID, runID, payload, time.Time{})
}

// EnqueueSendEvent enqueues an event for a run that waits on it.
func (w *Worker) EnqueueSendEvent(ctx context.Context, workflowID, runID string, payload api.SendEventPayload) error {
	return w.EnqueueSendEventAt(ctx, workflowID, runID, payload, time.Time{})
}

// EnqueueSendEventAt is EnqueueSendEvent with delivery held back until at.
func (w *Worker) EnqueueSendEventAt(ctx context.Context, workflowID, runID string, payload api.SendEventPayload, at time.Time) error {
	return w.enqueue(ctx, taskqueue.TaskSendEvent, workflowID, runID, payload, at)
}

func (w *Worker) enqueue(ctx context.Context, typ taskqueue.TaskType, workflowID, runID string, payload any, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       typ,
		WorkflowID: workflowID,
		RunID:      runID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// ProcessOne leases a single task and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true, err == nil: the task succeeded or was rescheduled
//     for another attempt.
//   - processed == true, err != nil: the task failed for the last time and
//     was dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.logger.With(
		slog.String("task", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("workflow", task.WorkflowID),
		slog.String("run_id", task.RunID),
	)

	stop := w.heartbeat(ctx, task.ID, log)
	runErr := w.dispatch(ctx, task)
	stop()

	// Settle the lease with a context that survives cancellation of ctx.
	settleCtx := context.WithoutCancel(ctx)

	if runErr == nil {
		if err := w.queue.Ack(settleCtx, task.ID, w.cfg.WorkerID); err != nil {
			log.Warn("task_ack_failed", slog.Any("error", err))
		}
		log.Debug("task_done")
		return true, nil
	}

	attempts := task.Attempts + 1
	if attempts < w.cfg.MaxAttempts && !errors.Is(runErr, errPoison) {
		notBefore := time.Now().Add(w.backoff(attempts))
		if err := w.queue.Nack(settleCtx, task.ID, w.cfg.WorkerID, notBefore, attempts); err != nil {
			log.Warn("task_nack_failed", slog.Any("error", err))
		}
		log.Warn("task_retry_scheduled",
			slog.Int("attempt", attempts),
			slog.Time("not_before", notBefore),
			slog.Any("error", runErr),
		)
		return true, nil
	}

	if err := w.queue.Ack(settleCtx, task.ID, w.cfg.WorkerID); err != nil {
		log.Warn("task_ack_failed", slog.Any("error", err))
	}
	log.Error("task_failed", slog.Int("attempt", attempts), slog.Any("error", runErr))
	return true, runErr
}

// Run processes tasks until ctx is done. Task failures are logged and do not
// stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !processed {
			w.logger.Error("task_dequeue_failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dequeueErrorDelay):
			}
		}
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempt && d > 0; i++ {
		d *= 2
		if w.cfg.MaxBackoff > 0 && d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	if w.cfg.MaxBackoff > 0 && d > w.cfg.MaxBackoff {
		return w.cfg.MaxBackoff
	}
	return d
}

// heartbeat renews the task lease until the returned stop function is called.
func (w *Worker) heartbeat(ctx context.Context, taskID string, log *slog.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := w.queue.RenewLease(hbCtx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL)
				if errors.Is(err, taskqueue.ErrLeaseLost) {
					log.Warn("task_lease_lost")
					return
				}
				if err != nil && hbCtx.Err() == nil {
					log.Warn("task_lease_renew_failed", slog.Any("error", err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// errPoison marks tasks that can never succeed.
var errPoison = errors.New("worker: malformed task")

func (w *Worker) dispatch(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskStartRun:
		payload, ok := task.Payload.(api.StartRunPayload)
		if !ok {
			return fmt.Errorf("%w: start-run payload is %T", errPoison, task.Payload)
		}
		res, err := w.host.StartRun(ctx, task.WorkflowID, task.RunID, payload)
		return resultError(res, err)

	case taskqueue.TaskResumeRun:
		payload, ok := task.Payload.(api.ResumeRunPayload)
		if !ok {
			return fmt.Errorf("%w: resume-run payload is %T", errPoison, task.Payload)
		}
		res, err := w.host.ResumeRun(ctx, task.WorkflowID, task.RunID, payload)
		return resultError(res, err)

	case taskqueue.TaskSendEvent:
		payload, ok := task.Payload.(api.SendEventPayload)
		if !ok {
			return fmt.Errorf("%w: send-event payload is %T", errPoison, task.Payload)
		}
		return w.host.SendEvent(ctx, task.WorkflowID, task.RunID, payload)

	default:
		return fmt.Errorf("%w: unknown task type %q", errPoison, task.Type)
	}
}

// resultError turns a failed run into an error. Suspension is a success from
// the queue's point of view.
func resultError(res *api.WorkflowResult, err error) error {
	if err != nil {
		return err
	}
	if res != nil && res.Status == api.StatusFailed {
		if res.Error != nil {
			return res.Error
		}
		return errors.New("workflow run failed")
	}
	return nil
}
