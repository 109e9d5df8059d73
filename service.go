package issuance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/x402-foundation/issuance/store"
)

// Service exposes intent creation and status polling. Polling drives
// verification and the saga; observing is decoupled from execution, so a
// caller that stops polling never stops a running saga.
type Service struct {
	ledger  Ledger
	wallet  WalletPayloads
	kv      KeyValueStore
	audit   AuditLog
	catalog AssetCatalog
	policy  PolicySource
	intents store.Store[PaymentIntent]
	hooks   SagaHooks
	logger  *slog.Logger

	creationWindow     time.Duration
	payloadExpiry      time.Duration
	nativeCurrency     string
	nativeDecimals     int32
	serializePerHolder bool
	pollInterval       time.Duration
	maxWait            time.Duration

	registry     *Registry
	verifier     *Verifier
	orchestrator *Orchestrator
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithCatalog sets the configured assets
func WithCatalog(catalog AssetCatalog) ServiceOption {
	return func(s *Service) {
		s.catalog = catalog
	}
}

// WithAssets is a shorthand for WithCatalog(NewStaticCatalog(assets...))
func WithAssets(assets ...AssetConfig) ServiceOption {
	return func(s *Service) {
		s.catalog = NewStaticCatalog(assets...)
	}
}

// WithPolicySource sets where post-issuance policy is read from
func WithPolicySource(source PolicySource) ServiceOption {
	return func(s *Service) {
		s.policy = source
	}
}

// WithIntentStore replaces the in-memory intent store
func WithIntentStore(intents store.Store[PaymentIntent]) ServiceOption {
	return func(s *Service) {
		s.intents = intents
	}
}

// WithCreationWindow sets how long repeated creates return a finished intent unchanged
func WithCreationWindow(window time.Duration) ServiceOption {
	return func(s *Service) {
		s.creationWindow = window
	}
}

// WithPayloadExpiry sets the expiry requested for wallet payloads
func WithPayloadExpiry(expiry time.Duration) ServiceOption {
	return func(s *Service) {
		s.payloadExpiry = expiry
	}
}

// WithNativeCurrency sets the native currency code and its minor unit decimals
func WithNativeCurrency(code string, decimals int32) ServiceOption {
	return func(s *Service) {
		s.nativeCurrency = code
		s.nativeDecimals = decimals
	}
}

// WithHolderSerialization toggles per-holder serialization of sagas
func WithHolderSerialization(enabled bool) ServiceOption {
	return func(s *Service) {
		s.serializePerHolder = enabled
	}
}

// WithPolling sets the fixed interval and maximum wait of AwaitStatus
func WithPolling(interval, maxWait time.Duration) ServiceOption {
	return func(s *Service) {
		s.pollInterval = interval
		s.maxWait = maxWait
	}
}

// WithBeforeStepHook registers a hook run before each submitted step
func WithBeforeStepHook(hook BeforeStepHook) ServiceOption {
	return func(s *Service) {
		s.hooks.BeforeStep = append(s.hooks.BeforeStep, hook)
	}
}

// WithAfterStepHook registers a hook run with each step outcome
func WithAfterStepHook(hook AfterStepHook) ServiceOption {
	return func(s *Service) {
		s.hooks.AfterStep = append(s.hooks.AfterStep, hook)
	}
}

// WithSagaCompleteHook registers a hook run when a saga finishes
func WithSagaCompleteHook(hook SagaCompleteHook) ServiceOption {
	return func(s *Service) {
		s.hooks.SagaComplete = append(s.hooks.SagaComplete, hook)
	}
}

// NewService wires a service over its consumed capabilities
func NewService(ledger Ledger, wallet WalletPayloads, kv KeyValueStore, audit AuditLog, opts ...ServiceOption) *Service {
	s := &Service{
		ledger:             ledger,
		wallet:             wallet,
		kv:                 kv,
		audit:              audit,
		catalog:            StaticCatalog{},
		policy:             StaticPolicy{},
		logger:             slog.Default(),
		creationWindow:     30 * time.Second,
		payloadExpiry:      5 * time.Minute,
		nativeCurrency:     "XRP",
		nativeDecimals:     DefaultNativeDecimals,
		serializePerHolder: true,
		pollInterval:       2 * time.Second,
		maxWait:            60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.verifier = NewVerifier(ledger, audit, s.logger)
	s.registry = NewRegistry(RegistryConfig{
		Wallet:         wallet,
		Catalog:        s.catalog,
		Intents:        s.intents,
		Logger:         s.logger,
		CreationWindow: s.creationWindow,
		Released:       s.verifier.Unpin,
		PayloadExpiry:  s.payloadExpiry,
		NativeCurrency: s.nativeCurrency,
		NativeDecimals: s.nativeDecimals,
	})
	s.orchestrator = NewOrchestrator(OrchestratorConfig{
		Ledger:             ledger,
		KV:                 kv,
		Audit:              audit,
		Policies:           s.policy,
		Hooks:              s.hooks,
		Logger:             s.logger,
		SerializePerHolder: s.serializePerHolder,
		NativeCurrency:     s.nativeCurrency,
		NativeDecimals:     s.nativeDecimals,
	})
	return s
}

// Registry returns the intent registry
func (s *Service) Registry() *Registry { return s.registry }

// Verifier returns the transaction verifier
func (s *Service) Verifier() *Verifier { return s.verifier }

// Orchestrator returns the saga orchestrator
func (s *Service) Orchestrator() *Orchestrator { return s.orchestrator }

// CreateIntent creates or returns the intent for key
func (s *Service) CreateIntent(ctx context.Context, key string, params IntentParams) (*CreateIntentResponse, error) {
	return s.registry.Create(ctx, key, params)
}

// GetStatus reports the phase of an intent and advances it as far as the
// wallet and ledger currently allow.
func (s *Service) GetStatus(ctx context.Context, intentID string) (*StatusResponse, error) {
	intent, ok := s.registry.Get(intentID)
	if !ok {
		return nil, ErrIntentNotFound
	}
	if intent.Status.Terminal() {
		return statusOf(intent, intent.Reason), nil
	}

	if intent.TxID == "" {
		next, reason, err := s.observePayload(ctx, intent)
		if err != nil || next.TxID == "" {
			return statusOf(next, reason), err
		}
		intent = next
	}

	return s.confirm(ctx, intent)
}

// observePayload polls the wallet provider until the payload carries a signed transaction
func (s *Service) observePayload(ctx context.Context, intent PaymentIntent) (PaymentIntent, string, error) {
	ps, err := s.wallet.Get(ctx, intent.ExternalPayloadID)
	if err != nil {
		s.logger.Warn("wallet poll failed", "intent_id", intent.ID, "error", err)
		return intent, ReasonWalletUnavailable, nil
	}

	switch {
	case ps.Cancelled:
		next, err := s.fail(intent.ID, StatusFailed, ReasonPayloadCancelled)
		return next, next.Reason, err
	case ps.Expired && !ps.Signed:
		next, err := s.fail(intent.ID, StatusExpired, ReasonPayloadExpired)
		return next, next.Reason, err
	case !ps.Signed || ps.ResultTxID == "":
		return intent, "", nil
	}

	if err := s.verifier.Pin(intent.ID, ps.ResultAccount); err != nil {
		next, err := s.fail(intent.ID, StatusFailed, ReasonPayerMismatch)
		return next, next.Reason, err
	}
	next, err := s.registry.Transition(intent.ID, StatusVerifying, func(p *PaymentIntent) {
		if p.TxID == "" {
			p.TxID = ps.ResultTxID
		}
	})
	return next, "", err
}

// confirm verifies the signed transaction and drives the saga
func (s *Service) confirm(ctx context.Context, intent PaymentIntent) (*StatusResponse, error) {
	res := s.verifier.Verify(ctx, intent.TxID, intent.Expected)
	if !res.OK {
		if res.Retryable() {
			return statusOf(intent, res.Reason), nil
		}
		next, err := s.fail(intent.ID, StatusFailed, res.Reason)
		return statusOf(next, next.Reason), err
	}

	asset, ok := s.catalog.Asset(intent.Params.Asset)
	if !ok {
		return nil, ErrUnknownAsset
	}
	// The confirming transaction triggers the saga; a repeat order under the
	// same intent key arrives with a new txid and gets its own markers
	req := SagaRequest{
		EventID: res.Tx.TxID,
		Kind:    intent.Kind,
		Holder:  res.Tx.Payer,
		Asset:   asset,
		Tx:      res.Tx,
	}

	var outcome *SagaOutcome
	var err error
	if intent.Kind == KindBurn {
		outcome, err = s.orchestrator.Redeem(ctx, req, intent.Expected.InstanceID)
	} else {
		outcome, err = s.orchestrator.Run(ctx, req)
	}
	if err != nil {
		reason := ReasonOf(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			reason = ReasonSagaRunning
		} else if reason == ReasonInternal {
			s.logger.Error("saga did not finish", "intent_id", intent.ID, "error", err)
		}
		return statusOf(intent, reason), nil
	}

	status, reason := intentStatusFor(intent.Kind, outcome)
	next, err := s.registry.Transition(intent.ID, status, func(p *PaymentIntent) {
		p.Result = outcome
		p.Reason = reason
	})
	if err != nil {
		return nil, err
	}
	return statusOf(next, next.Reason), nil
}

// AwaitStatus polls GetStatus at a fixed interval until the intent is
// terminal or the maximum wait elapses. On timeout it returns the last
// observed status with a poll_timeout error; the saga keeps running.
func (s *Service) AwaitStatus(ctx context.Context, intentID string) (*StatusResponse, error) {
	var last *StatusResponse
	status, err := backoff.Retry(ctx, func() (*StatusResponse, error) {
		st, err := s.GetStatus(ctx, intentID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		last = st
		if !st.Phase.Terminal() {
			return st, errNotTerminal
		}
		return st, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.pollInterval)),
		backoff.WithMaxElapsedTime(s.maxWait),
	)
	if err == nil {
		return status, nil
	}
	if errors.Is(err, errNotTerminal) || errors.Is(err, context.DeadlineExceeded) {
		if last == nil {
			last = &StatusResponse{IntentID: intentID}
		}
		return last, NewIssuanceError(ReasonPollTimeout, "intent did not reach a terminal phase in time", map[string]interface{}{
			"phase":  last.Phase,
			"reason": last.Reason,
		})
	}
	return last, err
}

var errNotTerminal = errors.New("intent not terminal")

func (s *Service) fail(id string, status IntentStatus, reason string) (PaymentIntent, error) {
	s.logger.Info("intent rejected", "intent_id", id, "status", status, "reason", reason)
	return s.registry.Transition(id, status, func(p *PaymentIntent) {
		p.Reason = reason
	})
}

// intentStatusFor maps a saga outcome to an intent status. The primary
// transfer decides; policy step failures only mark the outcome partial.
func intentStatusFor(kind IntentKind, outcome *SagaOutcome) (IntentStatus, string) {
	primary := StepIssue
	switch {
	case kind == KindBurn:
		primary = StepUnlock
	case kind == KindMint:
		primary = StepMint
	}
	if out, ok := outcome.Step(primary); !ok || !out.OK {
		if outcome.Unresolved() {
			// Left verifying, never swept, until the ledger state is reconciled
			return StatusVerifying, ReasonOutcomeUnknown
		}
		return StatusFailed, ReasonStepFailed
	}
	if outcome.State == SagaPartiallyFailed {
		return StatusCompleted, string(SagaPartiallyFailed)
	}
	return StatusCompleted, ""
}

func statusOf(intent PaymentIntent, reason string) *StatusResponse {
	return &StatusResponse{
		IntentID:    intent.ID,
		Phase:       intent.Status,
		Reason:      reason,
		TxID:        intent.TxID,
		SagaOutcome: intent.Result,
	}
}
