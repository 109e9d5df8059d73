package issuance

import (
	"errors"
	"fmt"
)

// IssuanceError is an externally visible failure with a stable reason code
type IssuanceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewIssuanceError creates a new issuance error
func NewIssuanceError(code, message string, details map[string]interface{}) *IssuanceError {
	return &IssuanceError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ReasonOf extracts the reason code from err, or "internal_error"
func ReasonOf(err error) string {
	var ie *IssuanceError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ReasonInternal
}

// Verification reason codes
const (
	ReasonNotValidatedYet     = "not_validated_yet"
	ReasonLedgerUnavailable   = "ledger_unavailable"
	ReasonWrongKind           = "wrong_transaction_kind"
	ReasonPayerMismatch       = "payer_mismatch"
	ReasonDestinationMismatch = "destination_mismatch"
	ReasonAssetMismatch       = "asset_mismatch"
	ReasonAmountMismatch      = "amount_mismatch"
	ReasonInstanceMismatch    = "instance_mismatch"
	ReasonResultNotSuccess    = "result_not_success"
	ReasonTxAlreadyConsumed   = "tx_already_consumed"
)

// Intent lifecycle reason codes
const (
	ReasonPayloadCancelled  = "payload_cancelled"
	ReasonPayloadExpired    = "payload_expired"
	ReasonPollTimeout       = "poll_timeout"
	ReasonBurnNotConfirmed  = "burn_not_confirmed"
	ReasonSagaRunning       = "saga_running"
	ReasonStepFailed        = "step_failed"
	ReasonWalletUnavailable = "wallet_unavailable"
	ReasonInvalidParams     = "invalid_params"
	ReasonIntentNotFound    = "intent_not_found"
	ReasonInternal          = "internal_error"
)

// Configuration reason codes
const (
	ReasonNoActiveIssuance = "no_active_issuance"
	ReasonUnknownAsset     = "unknown_asset"
)

// Step skip and failure reason codes
const (
	ReasonNotRequired          = "not_required"
	ReasonAlreadyAuthorized    = "already_authorized"
	ReasonPolicyDisabled       = "policy_disabled"
	ReasonNotBlacklisted       = "not_blacklisted"
	ReasonClawbackUnsupported  = "clawback_unsupported"
	ReasonSupersededByClawback = "superseded_by_clawback"
	ReasonSupersededByLock     = "superseded_by_lock"
	ReasonOutcomeUnknown       = "outcome_unknown"
	ReasonVetoed               = "vetoed"
	ReasonZeroQuantity         = "zero_quantity"
)

// BlockedBy is the skip reason for steps whose prerequisite failed
func BlockedBy(step StepName) string {
	return "blocked_by_" + string(step)
}

var (
	// ErrTxNotFound is returned by a Ledger when a transaction is unknown
	ErrTxNotFound = errors.New("transaction not found")
	// ErrIntentNotFound is returned when no intent exists for an id
	ErrIntentNotFound = NewIssuanceError(ReasonIntentNotFound, "intent not found", nil)
	// ErrNoActiveIssuance is returned when no active asset is configured for an order
	ErrNoActiveIssuance = NewIssuanceError(ReasonNoActiveIssuance, "no active issuance configured", nil)
	// ErrUnknownAsset is returned when an order names an asset that is not configured
	ErrUnknownAsset = NewIssuanceError(ReasonUnknownAsset, "asset is not configured", nil)
	// ErrNotValidated is returned by a Ledger when a mutation was submitted
	// but its validation was not observed. It may still apply.
	ErrNotValidated = errors.New("submitted transaction not validated")
	// ErrKeyNotFound is returned by a KeyValueStore for missing keys
	ErrKeyNotFound = errors.New("key not found")
)
