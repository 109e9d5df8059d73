package issuance

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Amounts and Assets
// ============================================================================

// Amount is a ledger amount. Native amounts carry integer minor units in
// Value and leave Issuer empty; issued amounts carry an exact decimal string.
type Amount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer,omitempty"`
	Value    string `json:"value"`
}

// IsNative reports whether the amount is denominated in the ledger's native currency
func (a Amount) IsNative() bool {
	return a.Issuer == ""
}

// Decimal parses the amount value as an exact decimal
func (a Amount) Decimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(a.Value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount value %q: %w", a.Value, err)
	}
	return d, nil
}

func (a Amount) String() string {
	if a.IsNative() {
		return a.Value + " " + a.Currency
	}
	return a.Value + " " + a.Currency + "." + a.Issuer
}

// AssetKind distinguishes fungible issued assets from unique instances
type AssetKind string

const (
	AssetFungible AssetKind = "fungible"
	AssetNFT      AssetKind = "nft"
)

// AssetConfig describes one asset this service is allowed to issue.
type AssetConfig struct {
	Code          string    `json:"code"`
	Issuer        string    `json:"issuer"`
	Kind          AssetKind `json:"kind"`
	Rate          string    `json:"rate"` // units of this asset per native unit paid
	RequireAuth   bool      `json:"requireAuth"`
	AllowClawback bool      `json:"allowClawback"`
	Taxon         uint32    `json:"taxon,omitempty"`
	URI           string    `json:"uri,omitempty"`
	Active        bool      `json:"active"`
}

// Ref returns an Amount-shaped reference to the asset with the given value
func (c AssetConfig) Ref(value string) Amount {
	return Amount{Currency: c.Code, Issuer: c.Issuer, Value: value}
}

// ============================================================================
// Intents
// ============================================================================

// IntentKind selects the saga plan run after verification
type IntentKind string

const (
	// KindSwap pays native currency and receives an issued fungible asset
	KindSwap IntentKind = "swap"
	// KindMint pays native currency and receives a freshly minted receipt token
	KindMint IntentKind = "mint"
	// KindBurn burns a held instance and unlocks the holder's collateral line
	KindBurn IntentKind = "burn"
)

// IntentStatus is the lifecycle state of a PaymentIntent
type IntentStatus string

const (
	StatusCreated           IntentStatus = "created"
	StatusAwaitingSignature IntentStatus = "awaiting_signature"
	StatusVerifying         IntentStatus = "verifying"
	StatusCompleted         IntentStatus = "completed"
	StatusExpired           IntentStatus = "expired"
	StatusFailed            IntentStatus = "failed"
)

var statusRank = map[IntentStatus]int{
	StatusCreated:           0,
	StatusAwaitingSignature: 1,
	StatusVerifying:         2,
	StatusCompleted:         3,
	StatusExpired:           3,
	StatusFailed:            3,
}

// Terminal reports whether no further transition is allowed
func (s IntentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusFailed
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] >= statusRank[s]
}

// IntentParams are the normalized order parameters of an intent
type IntentParams struct {
	Kind IntentKind `json:"kind"`
	// Asset is the code of the configured asset to deliver (swap, mint)
	// or whose line is unlocked (burn)
	Asset string `json:"asset"`
	// Amount is the native payment amount as a decimal of whole units (swap, mint)
	Amount string `json:"amount,omitempty"`
	// Account optionally pins the paying/burning account up front
	Account string `json:"account,omitempty"`
	// InstanceID is the unique asset instance to burn (burn)
	InstanceID string `json:"instanceId,omitempty"`
}

// Expected captures what a confirming transaction must look like
type Expected struct {
	IntentID    string `json:"intentId"`
	Kind        TxKind `json:"kind"`
	Payer       string `json:"payer,omitempty"`
	Destination string `json:"destination,omitempty"`
	Amount      Amount `json:"amount"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// PaymentIntent is one logical order awaiting an externally signed transaction
type PaymentIntent struct {
	ID                string       `json:"id"`
	Kind              IntentKind   `json:"kind"`
	Params            IntentParams `json:"params"`
	ExternalPayloadID string       `json:"externalPayloadId"`
	PayloadRef        PayloadRef   `json:"payloadRef"`
	Expected          Expected     `json:"expected"`
	Status            IntentStatus `json:"status"`
	Reason            string       `json:"reason,omitempty"`
	TxID              string       `json:"txid,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	CompletedAt       time.Time    `json:"completedAt,omitempty"`
	Result            *SagaOutcome `json:"result,omitempty"`
}

// ============================================================================
// Ledger Transactions
// ============================================================================

// TxKind is the ledger transaction type a confirmation must carry
type TxKind string

const (
	TxPayment TxKind = "Payment"
	TxBurn    TxKind = "NFTokenBurn"
)

// ResultSuccess is the canonical terminal success code
const ResultSuccess = "tesSUCCESS"

// VerifiedTransaction is the ledger's view of a confirming transaction
type VerifiedTransaction struct {
	TxID        string    `json:"txid"`
	Validated   bool      `json:"validated"`
	ResultCode  string    `json:"resultCode"`
	Kind        TxKind    `json:"kind"`
	Payer       string    `json:"payer"`
	Destination string    `json:"destination,omitempty"`
	Delivered   Amount    `json:"delivered"`
	InstanceID  string    `json:"instanceId,omitempty"`
	CachedAt    time.Time `json:"cachedAt"`
}

// VerifyResult is the verdict of matching a transaction against an expectation
type VerifyResult struct {
	OK      bool                   `json:"ok"`
	Reason  string                 `json:"reason,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Tx      *VerifiedTransaction   `json:"tx,omitempty"`
}

// Retryable reports whether polling again may change the verdict
func (r VerifyResult) Retryable() bool {
	return !r.OK && (r.Reason == ReasonNotValidatedYet || r.Reason == ReasonLedgerUnavailable)
}

// ============================================================================
// Saga
// ============================================================================

// StepName identifies one follow-on ledger mutation
type StepName string

const (
	StepAuthorize StepName = "authorize"
	StepIssue     StepName = "issue"
	StepClawback  StepName = "clawback"
	StepLock      StepName = "lock"
	StepUnlock    StepName = "unlock"
	StepMint      StepName = "mint"
	StepOffer     StepName = "offer"
	StepAccept    StepName = "accept"
)

// StepStatus is the persisted state of one step marker
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// SagaState is the lifecycle of a saga run for one event
type SagaState string

const (
	SagaVerifying       SagaState = "verifying"
	SagaRejected        SagaState = "rejected"
	SagaVerified        SagaState = "verified"
	SagaStepsExecuting  SagaState = "steps_executing"
	SagaCompleted       SagaState = "completed"
	SagaPartiallyFailed SagaState = "partially_failed"
)

// SagaStep is the persisted marker of one step
type SagaStep struct {
	Key       StepKey    `json:"key"`
	Status    StepStatus `json:"status"`
	Ref       string     `json:"ref,omitempty"`
	TxID      string     `json:"txid,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// StepOutcome is the reported result of one step
type StepOutcome struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed reports whether the step ran and did not succeed
func (o StepOutcome) Failed() bool {
	return !o.OK && !o.Skipped
}

// Ok builds a successful outcome
func Ok(ref string) StepOutcome {
	return StepOutcome{OK: true, Ref: ref}
}

// Skip builds a skipped outcome
func Skip(reason string) StepOutcome {
	return StepOutcome{Skipped: true, Reason: reason}
}

// Fail builds a failed outcome
func Fail(err string) StepOutcome {
	return StepOutcome{Error: err}
}

// Unknown builds the outcome of a step that may or may not have applied
func Unknown(detail string) StepOutcome {
	return StepOutcome{Reason: ReasonOutcomeUnknown, Error: ReasonOutcomeUnknown + ": " + detail}
}

// SagaOutcome is the reported result of a saga run
type SagaOutcome struct {
	EventID  string                   `json:"eventId"`
	State    SagaState                `json:"state"`
	Holder   string                   `json:"holder"`
	Asset    string                   `json:"asset"`
	Quantity string                   `json:"quantity,omitempty"`
	Order    []StepName               `json:"order"`
	Steps    map[StepName]StepOutcome `json:"steps"`
	Started  time.Time                `json:"startedAt"`
	Finished time.Time                `json:"finishedAt"`
}

func newSagaOutcome(eventID, holder, asset string) *SagaOutcome {
	return &SagaOutcome{
		EventID: eventID,
		State:   SagaVerified,
		Holder:  holder,
		Asset:   asset,
		Steps:   make(map[StepName]StepOutcome),
		Started: time.Now().UTC(),
	}
}

func (o *SagaOutcome) record(name StepName, outcome StepOutcome) {
	if _, seen := o.Steps[name]; !seen {
		o.Order = append(o.Order, name)
	}
	o.Steps[name] = outcome
}

// Step returns the outcome of a step and whether it was recorded
func (o *SagaOutcome) Step(name StepName) (StepOutcome, bool) {
	out, ok := o.Steps[name]
	return out, ok
}

// Unresolved reports whether any step ended without a known result
func (o *SagaOutcome) Unresolved() bool {
	for _, s := range o.Steps {
		if s.Reason == ReasonOutcomeUnknown {
			return true
		}
	}
	return false
}

// AnyFailed reports whether any recorded step failed
func (o *SagaOutcome) AnyFailed() bool {
	for _, s := range o.Steps {
		if s.Failed() {
			return true
		}
	}
	return false
}

// ============================================================================
// Policy and Audit
// ============================================================================

// Policy is the post-issuance policy snapshot for one saga run
type Policy struct {
	AutoLockAfterSwap     bool `json:"autoLockAfterSwap"`
	AutoUnlockAfterSwap   bool `json:"autoUnlockAfterSwap"`
	AutoClawbackBlacklist bool `json:"autoClawbackBlacklist"`
	// Blacklisted reports whether a counterparty is blacklisted
	Blacklisted func(account string) bool `json:"-"`
}

// IsBlacklisted is nil-safe access to the blacklist predicate
func (p Policy) IsBlacklisted(account string) bool {
	return p.Blacklisted != nil && p.Blacklisted(account)
}

// AuditAction names an audited action; the natural key is (TxID, ActionType)
type AuditAction string

const (
	AuditPaymentReceived AuditAction = "payment_received"
	AuditBurnReceived    AuditAction = "burn_received"
	AuditBurnConfirmed   AuditAction = "burn_confirmed"
)

// StepAction returns the audit action for a saga step
func StepAction(step StepName) AuditAction {
	return AuditAction("step_" + string(step))
}

// AuditRecord is an append-only record of a completed ledger mutation or confirmation
type AuditRecord struct {
	ID         string      `json:"id"`
	ActionType AuditAction `json:"actionType"`
	Parties    []string    `json:"parties"`
	Asset      string      `json:"asset"`
	Value      string      `json:"value"`
	TxID       string      `json:"txid"`
	Source     string      `json:"source"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ============================================================================
// Exposed Operations
// ============================================================================

// CreateIntentResponse is returned by Service.CreateIntent
type CreateIntentResponse struct {
	IntentID   string       `json:"intentId"`
	PayloadRef PayloadRef   `json:"payloadRef"`
	Status     IntentStatus `json:"status"`
}

// StatusResponse is returned by Service.GetStatus
type StatusResponse struct {
	IntentID    string       `json:"intentId"`
	Phase       IntentStatus `json:"phase"`
	Reason      string       `json:"reason,omitempty"`
	TxID        string       `json:"txid,omitempty"`
	SagaOutcome *SagaOutcome `json:"sagaOutcome,omitempty"`
}
