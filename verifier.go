package issuance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/x402-foundation/issuance/store"
)

// Verifier checks a referenced ledger transaction against what an intent
// expects. It never submits anything.
type Verifier struct {
	ledger LedgerReader
	audit  AuditLog
	logger *slog.Logger

	// txid -> validated transaction; terminal ledger records never change
	txs store.Store[*VerifiedTransaction]
	// intent id -> payer account first observed for it
	pins *store.Memory[string]

	now func() time.Time
}

// NewVerifier creates a verifier backed by ledger and the audit log used
// for replay protection.
func NewVerifier(ledger LedgerReader, audit AuditLog, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		ledger: ledger,
		audit:  audit,
		logger: logger,
		txs:    store.NewMemory[*VerifiedTransaction](),
		pins:   store.NewMemory[string](),
		now:    time.Now,
	}
}

// Pin records account as the payer of intentID if none is pinned yet.
// It returns a payer_mismatch error when a different account is already pinned.
func (v *Verifier) Pin(intentID, account string) error {
	if account == "" || intentID == "" {
		return nil
	}
	pinned := v.pins.Update(intentID, func(current string, exists bool) (string, bool) {
		if exists {
			return current, false
		}
		return account, true
	})
	if pinned != account {
		return NewIssuanceError(ReasonPayerMismatch, "intent is pinned to another account", map[string]interface{}{
			"pinned":   pinned,
			"observed": account,
		})
	}
	return nil
}

// PinnedPayer returns the payer pinned for intentID
func (v *Verifier) PinnedPayer(intentID string) (string, bool) {
	return v.pins.Get(intentID)
}

// Unpin forgets the pinned payer of an intent that has been swept
func (v *Verifier) Unpin(intentID string) {
	v.pins.Delete(intentID)
}

// Verify matches txid against expected. A not-yet-final or unreachable
// transaction yields a retryable result, never an error.
func (v *Verifier) Verify(ctx context.Context, txid string, expected Expected) VerifyResult {
	tx, res := v.lookup(ctx, txid)
	if tx == nil {
		return res
	}

	if reject := v.match(tx, expected); reject != nil {
		v.logger.Info("transaction rejected",
			"intent_id", expected.IntentID, "txid", txid, "reason", reject.Reason)
		return *reject
	}

	if reject := v.claim(ctx, tx, expected); reject != nil {
		return *reject
	}
	return VerifyResult{OK: true, Tx: tx}
}

// lookup returns the validated transaction or the retryable verdict explaining its absence
func (v *Verifier) lookup(ctx context.Context, txid string) (*VerifiedTransaction, VerifyResult) {
	if cached, ok := v.txs.Get(txid); ok {
		return cached, VerifyResult{}
	}

	tx, err := v.ledger.Transaction(ctx, txid)
	if errors.Is(err, ErrTxNotFound) {
		return nil, VerifyResult{Reason: ReasonNotValidatedYet}
	}
	if err != nil {
		v.logger.Warn("ledger lookup failed", "txid", txid, "error", err)
		return nil, VerifyResult{
			Reason:  ReasonLedgerUnavailable,
			Details: map[string]interface{}{"error": err.Error()},
		}
	}
	if !tx.Validated {
		return nil, VerifyResult{Reason: ReasonNotValidatedYet}
	}

	tx.CachedAt = v.now().UTC()
	v.txs.Set(txid, tx)
	return tx, VerifyResult{}
}

func (v *Verifier) match(tx *VerifiedTransaction, expected Expected) *VerifyResult {
	if tx.Kind != expected.Kind {
		return rejection(ReasonWrongKind, tx, "expected", expected.Kind, "actual", tx.Kind)
	}
	if expected.Payer != "" && tx.Payer != expected.Payer {
		return rejection(ReasonPayerMismatch, tx, "expected", expected.Payer, "actual", tx.Payer)
	}
	if err := v.Pin(expected.IntentID, tx.Payer); err != nil {
		var ie *IssuanceError
		errors.As(err, &ie)
		return &VerifyResult{Reason: ie.Code, Details: ie.Details, Tx: tx}
	}
	if expected.Destination != "" && tx.Destination != expected.Destination {
		return rejection(ReasonDestinationMismatch, tx, "expected", expected.Destination, "actual", tx.Destination)
	}

	switch expected.Kind {
	case TxBurn:
		if tx.InstanceID != expected.InstanceID {
			return rejection(ReasonInstanceMismatch, tx, "expected", expected.InstanceID, "actual", tx.InstanceID)
		}
	default:
		if reason := compareAmounts(expected.Amount, tx.Delivered); reason != "" {
			return rejection(reason, tx, "expected", expected.Amount.String(), "actual", tx.Delivered.String())
		}
	}

	if tx.ResultCode != ResultSuccess {
		return rejection(ReasonResultNotSuccess, tx, "resultCode", tx.ResultCode)
	}
	return nil
}

// claim binds the transaction to the intent in the audit log so it cannot
// satisfy a second intent.
func (v *Verifier) claim(ctx context.Context, tx *VerifiedTransaction, expected Expected) *VerifyResult {
	if v.audit == nil {
		return nil
	}
	action := AuditPaymentReceived
	if tx.Kind == TxBurn {
		action = AuditBurnReceived
	}

	record := AuditRecord{
		ID:         uuid.NewString(),
		ActionType: action,
		Parties:    []string{tx.Payer, tx.Destination},
		Asset:      tx.Delivered.Currency,
		Value:      tx.Delivered.Value,
		TxID:       tx.TxID,
		Source:     expected.IntentID,
		Timestamp:  v.now().UTC(),
	}
	if tx.Kind == TxBurn {
		record.Asset = tx.InstanceID
		record.Value = "1"
	}

	inserted, err := v.audit.InsertIfAbsent(ctx, record)
	if err != nil {
		v.logger.Warn("audit insert failed", "txid", tx.TxID, "error", err)
		return &VerifyResult{Reason: ReasonLedgerUnavailable, Details: map[string]interface{}{"error": err.Error()}}
	}
	if inserted {
		return nil
	}

	existing, err := v.audit.Lookup(ctx, tx.TxID, action)
	if err != nil {
		return &VerifyResult{Reason: ReasonLedgerUnavailable, Details: map[string]interface{}{"error": err.Error()}}
	}
	if existing != nil && existing.Source != expected.IntentID {
		return rejection(ReasonTxAlreadyConsumed, tx, "consumedBy", existing.Source)
	}
	return nil
}

// SweepCache drops cached transactions older than ttl and returns how many it dropped
func (v *Verifier) SweepCache(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	removed := 0
	v.txs.Range(func(txid string, tx *VerifiedTransaction) bool {
		if now.Sub(tx.CachedAt) > ttl {
			v.txs.Delete(txid)
			removed++
		}
		return true
	})
	return removed
}

// CachedTransactions returns the number of cached transactions
func (v *Verifier) CachedTransactions() int {
	return v.txs.Len()
}

func rejection(reason string, tx *VerifiedTransaction, kv ...interface{}) *VerifyResult {
	details := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		details[kv[i].(string)] = kv[i+1]
	}
	return &VerifyResult{Reason: reason, Details: details, Tx: tx}
}

// compareAmounts returns the mismatch reason between an expected and a
// delivered amount, or "" when they match exactly.
func compareAmounts(expected, delivered Amount) string {
	if expected.IsNative() != delivered.IsNative() {
		return ReasonAssetMismatch
	}
	if !expected.IsNative() && (expected.Currency != delivered.Currency || expected.Issuer != delivered.Issuer) {
		return ReasonAssetMismatch
	}

	want, err := expected.Decimal()
	if err != nil {
		return ReasonAmountMismatch
	}
	got, err := delivered.Decimal()
	if err != nil {
		return ReasonAmountMismatch
	}
	if expected.IsNative() && (!isInteger(want) || !isInteger(got)) {
		return ReasonAmountMismatch
	}
	if !want.Equal(got) {
		return ReasonAmountMismatch
	}
	return ""
}

func isInteger(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}
