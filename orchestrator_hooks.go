package issuance

import (
	"context"
	"time"
)

// ============================================================================
// Saga Hook Context Types
// ============================================================================

// StepContext contains information passed to step hooks
type StepContext struct {
	Ctx       context.Context
	EventID   string
	Holder    string
	Asset     AssetConfig
	Step      StepName
	Policy    Policy
	Quantity  string
	Timestamp time.Time
}

// StepResultContext contains a step outcome and its context
type StepResultContext struct {
	StepContext
	Outcome  StepOutcome
	Duration time.Duration
}

// SagaResultContext contains the outcome of a finished saga run
type SagaResultContext struct {
	Ctx      context.Context
	Outcome  *SagaOutcome
	Duration time.Duration
}

// ============================================================================
// Saga Hook Result Types
// ============================================================================

// BeforeStepHookResult represents the result of a "before step" hook.
// If Veto is true the step is skipped with the given Reason.
type BeforeStepHookResult struct {
	Veto   bool
	Reason string
}

// ============================================================================
// Saga Hook Function Types
// ============================================================================

// BeforeStepHook is called before a step is submitted to the ledger.
// A veto or an error skips the step; it never fails the saga.
type BeforeStepHook func(StepContext) (*BeforeStepHookResult, error)

// AfterStepHook is called with every step outcome, including skips.
// Any error returned will be logged but will not affect the outcome.
type AfterStepHook func(StepResultContext) error

// SagaCompleteHook is called once a saga reaches a terminal state.
// Any error returned will be logged but will not affect the outcome.
type SagaCompleteHook func(SagaResultContext) error

// SagaHooks groups the lifecycle hooks of an orchestrator
type SagaHooks struct {
	BeforeStep   []BeforeStepHook
	AfterStep    []AfterStepHook
	SagaComplete []SagaCompleteHook
}
