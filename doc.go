// Package stepflow provides an embeddable, durable workflow engine for Go.
//
// Workflows are graphs of steps assembled with a small builder API. A run
// of a workflow can suspend on a step, be persisted, and later be resumed
// from another process. Runs can also wait for external events and be
// observed while they execute.
//
// # Core Concepts
//
//  1. Step
//  2. Workflow
//  3. Run
//  4. Storage and EventStore
//  5. Host, Worker and LocalRunner
//
// # Step
//
// A Step is the executable unit of a workflow:
//
//	type ExecuteFunc func(ctx context.Context, sc *StepContext) (any, error)
//
// The StepContext carries the step input, the workflow input, the results of
// earlier steps and, on resume, the resume data. A step suspends the run by
// returning sc.Suspend(payload). Steps are created with NewStep, Typed or
// CreateStep, which also adapts agents and tools into steps.
//
// # Workflow
//
// NewWorkflow starts a builder. Each builder method returns a new Workflow,
// so a partial definition can be shared and extended:
//
//	wf := stepflow.NewWorkflow("onboard").
//	    Then(createAccount).
//	    Parallel(sendEmail, writeAudit).
//	    Branch(stepflow.When(isVIP, assignManager)).
//	    DoUntil(poll, isReady).
//	    Foreach(notify, 4).
//	    WaitForEvent("confirmed", activate, time.Hour).
//	    Commit()
//
// Map builds the next step input from earlier outputs, the workflow input or
// the runtime context. A committed workflow can itself be used as a step of
// another workflow through AsStep.
//
// # Run
//
// CreateRun returns a Run. Start executes it until it succeeds, fails or
// suspends. Resume continues a suspended run from its persisted snapshot.
// SendEvent delivers data to a run waiting in WaitForEvent. Watch, Stream and
// StreamVNext expose the progress of a run as events.
//
// # Storage
//
// Runs are persisted through a Storage. Backends exist in memory and for
// SQLite, Postgres, Redis and MongoDB; OpenStorage selects one from a
// StorageConfig. An EventStore keeps an append-only log of run events.
//
// # Host, Worker and LocalRunner
//
// A Host registers workflows by id and starts, resumes or signals their runs.
// A Worker pulls start, resume and event tasks from a queue and dispatches
// them to a Host, retrying failed tasks with backoff. OpenBundle wires
// storage, queue, Host and Worker together from a YAML Config. LocalRunner
// does the same in memory and is meant for development and tests.
//
// For runnable programs, see the examples directory.
package stepflow
