package stepflow

import (
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Step           = api.Step
	StepContext    = api.StepContext
	ExecuteFunc    = api.ExecuteFunc
	Validator      = api.Validator
	ValidatorFunc  = api.ValidatorFunc
	Scorer         = api.Scorer
	ScorerFunc     = api.ScorerFunc
	ScoreInput     = api.ScoreInput
	Condition      = api.Condition
	ConditionFunc  = api.ConditionFunc
	DurationFunc   = api.DurationFunc
	TimeFunc       = api.TimeFunc
	Funcs          = api.Funcs
	RuntimeContext = api.RuntimeContext
	RetryConfig    = api.RetryConfig

	WorkflowStatus   = api.WorkflowStatus
	StepStatus       = api.StepStatus
	StepResult       = api.StepResult
	WorkflowMeta     = api.WorkflowMeta
	RunContext       = api.RunContext
	WorkflowRunState = api.WorkflowRunState
	WorkflowResult   = api.WorkflowResult

	StepFlowEntry           = api.StepFlowEntry
	ExecutionGraph          = api.ExecutionGraph
	SerializedStep          = api.SerializedStep
	SerializedStepFlowEntry = api.SerializedStepFlowEntry

	RunHost          = api.RunHost
	StartRunPayload  = api.StartRunPayload
	ResumeRunPayload = api.ResumeRunPayload
	SendEventPayload = api.SendEventPayload

	ExecutionEngine  = api.ExecutionEngine
	ExecuteParams    = api.ExecuteParams
	ResumeDescriptor = api.ResumeDescriptor

	Storage      = api.Storage
	LeaseStore   = api.LeaseStore
	EventStore   = api.EventStore
	RunsFilter   = api.RunsFilter
	WorkflowRun  = api.WorkflowRun
	WorkflowRuns = api.WorkflowRuns
	EventRecord  = api.EventRecord

	Emitter     = api.Emitter
	WatchEvent  = api.WatchEvent
	NestedEvent = api.NestedEvent

	Observer             = api.Observer
	RunInfo              = api.RunInfo
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	PrometheusObserver   = api.PrometheusObserver

	SuspendError          = api.SuspendError
	BailError             = api.BailError
	AmbiguousResumeError  = api.AmbiguousResumeError
	StepNotSuspendedError = api.StepNotSuspendedError
	PathError             = api.PathError
	StepFailedError       = api.StepFailedError
)

// Re-export common constructors and helpers.

var (
	NewFuncs              = api.NewFuncs
	NewRuntimeContext     = api.NewRuntimeContext
	RuntimeContextFrom    = api.RuntimeContextFrom
	NewLoggingObserver    = api.NewLoggingObserver
	NewCompositeObserver  = api.NewCompositeObserver
	NewPrometheusObserver = api.NewPrometheusObserver
	IsSuspend             = api.IsSuspend
	IsBail                = api.IsBail
)

// Re-export sentinel errors.

var (
	ErrNoFlow           = api.ErrNoFlow
	ErrUncommitted      = api.ErrUncommitted
	ErrNoSnapshot       = api.ErrNoSnapshot
	ErrNoSuspendedSteps = api.ErrNoSuspendedSteps
	ErrNotSuspended     = api.ErrNotSuspended
	ErrRunNotFound      = api.ErrRunNotFound
	ErrRunInProgress    = api.ErrRunInProgress
	ErrRunLocked        = api.ErrRunLocked
	ErrEventTimeout     = api.ErrEventTimeout
	ErrToolSchema       = api.ErrToolSchema
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusSuccess   = api.StatusSuccess
	StatusFailed    = api.StatusFailed

	StepRunning   = api.StepRunning
	StepSuccess   = api.StepSuccess
	StepFailed    = api.StepFailed
	StepSuspended = api.StepSuspended
	StepSkipped   = api.StepSkipped
	StepWaiting   = api.StepWaiting
)

// Watch kinds accepted by Run.Watch.
const (
	WatchCumulative = api.EventWatch
	WatchGranular   = api.EventWatchV2
)

// EngineOption configures the default execution engine.
type EngineOption = engine.Option

// Engine option constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.
var (
	EngineWithObserver = engine.WithObserver
	EngineWithTracer   = engine.WithTracer
	EngineWithLogger   = engine.WithLogger
)

// NewDefaultEngine returns the in-process execution engine used by workflows
// that are not given one with WithEngine.
func NewDefaultEngine(opts ...EngineOption) ExecutionEngine {
	return engine.New(opts...)
}
