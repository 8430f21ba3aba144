// Package api contains the core building blocks shared by the stepflow
// orchestrator, its execution engine and its storage backends.
//
// Most users interact with the higher-level stepflow package, which
// re-exports selected types from this package. The api package is intended
// for custom engines, custom storages and contributors extending the engine
// itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Steps and step bodies (Step, ExecuteFunc, StepContext)
//   - Execution graphs (StepFlowEntry and its serialized mirror)
//   - Run snapshots (WorkflowRunState, RunContext, StepResult)
//   - Contracts between layers (ExecutionEngine, Storage, Emitter)
//   - Observability (Observer and its implementations)
//
// # Execution Graphs
//
// A committed workflow is an ordered list of StepFlowEntry nodes. The set of
// node kinds is closed: step, sleep, sleepUntil, waitForEvent, parallel,
// conditional, loop and foreach. Every node has a SerializedStepFlowEntry
// twin in which functions are replaced by names registered in a Funcs
// registry, so that a persisted graph can be rendered and re-bound.
//
// # Suspension
//
// A step suspends by returning the error produced by StepContext.Suspend.
// The engine records the step's execution path in the snapshot; a later
// resume walks back to that path and re-invokes the step with ResumeData
// set. Steps wrapping nested workflows attach a WorkflowMeta to their
// result so that a resume can descend into the child run.
//
// # Observability
//
// Observer receives run and step lifecycle callbacks. LoggingObserver,
// BasicMetrics and PrometheusObserver are ready-made implementations and
// can be combined with NewCompositeObserver.
package api
