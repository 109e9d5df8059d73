package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/x402-foundation/issuance"

// SagaRequest describes one verified triggering event
type SagaRequest struct {
	EventID string
	Kind    IntentKind
	Holder  string
	Asset   AssetConfig
	Tx      *VerifiedTransaction
}

// OrchestratorConfig carries the orchestrator's collaborators and settings
type OrchestratorConfig struct {
	Ledger   Ledger
	KV       KeyValueStore
	Audit    AuditLog
	Policies PolicySource
	Hooks    SagaHooks
	Logger   *slog.Logger

	// SerializePerHolder queues sagas addressing the same holder
	SerializePerHolder bool
	NativeCurrency     string
	NativeDecimals     int32
}

// Orchestrator runs the idempotent step sequence for verified events
type Orchestrator struct {
	cfg     OrchestratorConfig
	markers *Markers
	guard   *Guard
	holders *HolderScope
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = DefaultNativeDecimals
	}
	o := &Orchestrator{
		cfg:     cfg,
		markers: NewMarkers(cfg.KV),
		guard:   NewGuard(),
		logger:  cfg.Logger,
		tracer:  otel.Tracer(tracerName),
	}
	if cfg.SerializePerHolder {
		o.holders = NewHolderScope()
	}
	return o
}

// sagaRun is the state of one execution of a plan
type sagaRun struct {
	ctx            context.Context
	ledger         Ledger
	req            SagaRequest
	policy         Policy
	quantity       decimal.Decimal
	outcome        *SagaOutcome
	nativeCurrency string
}

func (r *sagaRun) mutation(step StepName, amount Amount) Mutation {
	return Mutation{
		Step:    step,
		EventID: r.req.EventID,
		Holder:  r.req.Holder,
		Amount:  amount,
	}
}

// Run executes the saga for req. Concurrent callers for the same event join
// one execution; ctx only bounds how long the caller waits for it.
func (o *Orchestrator) Run(ctx context.Context, req SagaRequest) (*SagaOutcome, error) {
	outcome, _, err := GuardDo(ctx, o.guard, "saga/"+req.EventID, func(ctx context.Context) (*SagaOutcome, error) {
		return o.execute(ctx, req)
	})
	return outcome, err
}

// Outcome returns the persisted outcome of a finished saga, or nil
func (o *Orchestrator) Outcome(ctx context.Context, eventID string) (*SagaOutcome, error) {
	raw, err := o.cfg.KV.Get(ctx, outcomeKey(eventID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outcome for %s: %w", eventID, err)
	}
	var outcome SagaOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, fmt.Errorf("failed to decode outcome for %s: %w", eventID, err)
	}
	return &outcome, nil
}

func (o *Orchestrator) execute(ctx context.Context, req SagaRequest) (*SagaOutcome, error) {
	if done, err := o.Outcome(ctx, req.EventID); err != nil || done != nil {
		return done, err
	}

	if o.holders != nil {
		release, err := o.holders.Acquire(ctx, req.Holder)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	ctx, span := o.tracer.Start(ctx, "issuance.saga", trace.WithAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("asset", req.Asset.Code),
		attribute.String("kind", string(req.Kind)),
	))
	defer span.End()
	start := time.Now()

	run, err := o.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := o.runPlan(run, planFor(req.Kind, req.Asset)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outcome := run.outcome
	outcome.State = SagaCompleted
	if outcome.AnyFailed() {
		outcome.State = SagaPartiallyFailed
	}
	outcome.Finished = time.Now().UTC()
	span.SetAttributes(attribute.String("state", string(outcome.State)))

	if err := o.persist(ctx, outcome); err != nil {
		return nil, err
	}

	o.logger.Info("saga finished",
		"event_id", req.EventID, "holder", req.Holder, "state", outcome.State, "quantity", outcome.Quantity)
	resultCtx := SagaResultContext{Ctx: ctx, Outcome: outcome, Duration: time.Since(start)}
	for _, hook := range o.cfg.Hooks.SagaComplete {
		if err := hook(resultCtx); err != nil {
			o.logger.Warn("saga complete hook failed", "event_id", req.EventID, "error", err)
		}
	}
	return outcome, nil
}

// prepare snapshots the policy and fixes the deliverable quantity
func (o *Orchestrator) prepare(ctx context.Context, req SagaRequest) (*sagaRun, error) {
	policy, err := o.cfg.Policies.Policy(ctx, req.Asset.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy for %s: %w", req.Asset.Code, err)
	}

	quantity := decimal.Zero
	switch {
	case req.Kind == KindBurn:
	case req.Asset.Kind == AssetNFT:
		quantity = decimal.NewFromInt(1)
	default:
		if req.Tx == nil {
			return nil, fmt.Errorf("event %s has no verified transaction", req.EventID)
		}
		quantity, err = fixQuantity(ctx, o.cfg.KV, req.EventID, func() (decimal.Decimal, error) {
			return DeliverableQuantity(req.Tx.Delivered, req.Asset.Rate, o.cfg.NativeDecimals)
		})
		if err != nil {
			return nil, err
		}
	}

	outcome := newSagaOutcome(req.EventID, req.Holder, req.Asset.Code)
	outcome.State = SagaStepsExecuting
	if req.Kind != KindBurn {
		outcome.Quantity = quantity.String()
	}
	return &sagaRun{
		ctx:            ctx,
		ledger:         o.cfg.Ledger,
		req:            req,
		policy:         policy,
		quantity:       quantity,
		outcome:        outcome,
		nativeCurrency: o.cfg.NativeCurrency,
	}, nil
}

func (o *Orchestrator) runPlan(run *sagaRun, plan []plannedStep) error {
	for _, step := range plan {
		out, err := o.runStep(run, step)
		if err != nil {
			return err
		}
		run.outcome.record(step.name, out)
	}
	return nil
}

func (o *Orchestrator) runStep(run *sagaRun, step plannedStep) (StepOutcome, error) {
	for _, prereq := range step.requires {
		if out, ok := run.outcome.Step(prereq); ok && blocking(out) {
			return o.afterStep(run, step.name, Skip(BlockedBy(prereq)), 0), nil
		}
	}

	key := StepKey{EventID: run.req.EventID, Step: step.name}
	existing, err := o.markers.Load(run.ctx, key)
	if err != nil {
		return StepOutcome{}, err
	}
	if existing != nil {
		return o.afterStep(run, step.name, outcomeFromMarker(existing), 0), nil
	}

	if decided, err := step.decide(run); err != nil {
		return StepOutcome{}, fmt.Errorf("failed to evaluate %s for %s: %w", step.name, run.req.EventID, err)
	} else if decided != nil {
		return o.afterStep(run, step.name, *decided, 0), nil
	}

	hookCtx := o.stepContext(run, step.name)
	for _, hook := range o.cfg.Hooks.BeforeStep {
		result, err := hook(hookCtx)
		if err != nil {
			return o.afterStep(run, step.name, Skip(ReasonVetoed+": "+err.Error()), 0), nil
		}
		if result != nil && result.Veto {
			reason := ReasonVetoed
			if result.Reason != "" {
				reason += ": " + result.Reason
			}
			return o.afterStep(run, step.name, Skip(reason), 0), nil
		}
	}

	start := time.Now()
	out, err := o.submit(run, key, step.mutation(run))
	if err != nil {
		return StepOutcome{}, err
	}
	return o.afterStep(run, step.name, out, time.Since(start)), nil
}

// submit claims the step marker and submits the mutation at most once
func (o *Orchestrator) submit(run *sagaRun, key StepKey, m Mutation) (StepOutcome, error) {
	ctx, span := o.tracer.Start(run.ctx, "issuance.step", trace.WithAttributes(
		attribute.String("event_id", key.EventID),
		attribute.String("step", string(key.Step)),
	))
	defer span.End()

	claimed, existing, err := o.markers.Claim(ctx, key)
	if err != nil {
		return StepOutcome{}, err
	}
	if !claimed {
		return outcomeFromMarker(existing), nil
	}

	logger := o.logger.With("event_id", key.EventID, "step", key.Step, "holder", m.Holder)
	result, err := o.cfg.Ledger.Submit(ctx, m)
	marker := SagaStep{Key: key, TxID: result.TxID}
	switch {
	case errors.Is(err, ErrNotValidated):
		// On the wire but unconfirmed; the marker stays pending with its txid
		marker.Status = StepPending
		marker.Error = err.Error()
	case err != nil:
		marker.Status = StepFailed
		marker.Error = err.Error()
	case !result.Succeeded():
		marker.Status = StepFailed
		marker.Error = ReasonResultNotSuccess + ": " + result.ResultCode
	default:
		marker.Status = StepDone
		marker.Ref = result.Created
		if marker.Ref == "" {
			marker.Ref = result.TxID
		}
	}

	if err := o.markers.Finish(ctx, marker); err != nil {
		// The mutation may have applied; the pending marker stays and the
		// step resolves as outcome_unknown on resume.
		logger.Error("failed to record step result", "txid", result.TxID, "error", err)
		span.RecordError(err)
		return Unknown(err.Error()), nil
	}

	if marker.Status == StepPending {
		logger.Warn("step submitted but not validated", "txid", result.TxID, "error", marker.Error)
		span.SetStatus(codes.Error, ReasonOutcomeUnknown)
		return outcomeFromMarker(&marker), nil
	}

	if marker.Status == StepFailed {
		logger.Warn("step failed", "txid", result.TxID, "error", marker.Error)
		span.SetStatus(codes.Error, marker.Error)
		return Fail(marker.Error), nil
	}

	logger.Info("step applied", "txid", result.TxID, "ref", marker.Ref)
	o.audit(ctx, run, m, result.TxID)
	return Ok(marker.Ref), nil
}

func (o *Orchestrator) audit(ctx context.Context, run *sagaRun, m Mutation, txid string) {
	if o.cfg.Audit == nil || txid == "" {
		return
	}
	record := AuditRecord{
		ID:         uuid.NewString(),
		ActionType: StepAction(m.Step),
		Parties:    []string{run.req.Asset.Issuer, m.Holder},
		Asset:      m.Amount.Currency,
		Value:      m.Amount.Value,
		TxID:       txid,
		Source:     run.req.EventID,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := o.cfg.Audit.InsertIfAbsent(ctx, record); err != nil {
		o.logger.Error("failed to append audit record",
			"event_id", run.req.EventID, "step", m.Step, "txid", txid, "error", err)
	}
}

func (o *Orchestrator) stepContext(run *sagaRun, name StepName) StepContext {
	return StepContext{
		Ctx:       run.ctx,
		EventID:   run.req.EventID,
		Holder:    run.req.Holder,
		Asset:     run.req.Asset,
		Step:      name,
		Policy:    run.policy,
		Quantity:  run.outcome.Quantity,
		Timestamp: time.Now(),
	}
}

func (o *Orchestrator) afterStep(run *sagaRun, name StepName, out StepOutcome, d time.Duration) StepOutcome {
	if len(o.cfg.Hooks.AfterStep) == 0 {
		return out
	}
	resultCtx := StepResultContext{StepContext: o.stepContext(run, name), Outcome: out, Duration: d}
	for _, hook := range o.cfg.Hooks.AfterStep {
		if err := hook(resultCtx); err != nil {
			o.logger.Warn("after step hook failed", "event_id", run.req.EventID, "step", name, "error", err)
		}
	}
	return out
}

func (o *Orchestrator) persist(ctx context.Context, outcome *SagaOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	if err := o.cfg.KV.Set(ctx, outcomeKey(outcome.EventID), raw); err != nil {
		return fmt.Errorf("failed to persist outcome for %s: %w", outcome.EventID, err)
	}
	return nil
}
