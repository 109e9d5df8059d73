// Package sim provides in-memory simulations of the ledger and the wallet
// payload provider for tests.
package sim

import (
	"context"
	"fmt"
	"sync"

	issuance "github.com/x402-foundation/issuance"
)

// ============================================================================
// Simulated Ledger
// ============================================================================

type submissionKey struct {
	eventID string
	step    issuance.StepName
}

// Ledger implements issuance.Ledger over in-memory state
type Ledger struct {
	mu          sync.Mutex
	txs         map[string]*issuance.VerifiedTransaction
	authorized  map[string]bool
	inventory   map[string][]string
	frozen      map[string]bool
	submissions map[submissionKey]int
	mutations   []issuance.Mutation
	failSteps   map[issuance.StepName]string
	unconfirmed map[issuance.StepName]bool
	seq         int

	// SubmitHook, when set, runs before every submission is applied
	SubmitHook func(ctx context.Context, m issuance.Mutation) error
	// ReadErr, when set, is returned by every read
	ReadErr error
}

// NewLedger creates an empty simulated ledger
func NewLedger() *Ledger {
	return &Ledger{
		txs:         make(map[string]*issuance.VerifiedTransaction),
		authorized:  make(map[string]bool),
		inventory:   make(map[string][]string),
		frozen:      make(map[string]bool),
		submissions: make(map[submissionKey]int),
		failSteps:   make(map[issuance.StepName]string),
		unconfirmed: make(map[issuance.StepName]bool),
	}
}

// AddTransaction makes tx visible to Transaction
func (l *Ledger) AddTransaction(tx issuance.VerifiedTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := tx
	l.txs[tx.TxID] = &copied
}

// Authorize marks holder as allow-listed for the asset line
func (l *Ledger) Authorize(holder string, asset issuance.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized[lineKey(holder, asset)] = true
}

// Hold places an instance in holder's inventory
func (l *Ledger) Hold(holder, instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inventory[holder] = append(l.inventory[holder], instanceID)
}

// Release removes an instance from holder's inventory
func (l *Ledger) Release(holder, instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.inventory[holder][:0]
	for _, id := range l.inventory[holder] {
		if id != instanceID {
			held = append(held, id)
		}
	}
	l.inventory[holder] = held
}

// FailStep makes every submission of step end with resultCode
func (l *Ledger) FailStep(step issuance.StepName, resultCode string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSteps[step] = resultCode
}

// LeaveUnvalidated applies every submission of step but reports it as
// submitted without an observed validation
func (l *Ledger) LeaveUnvalidated(step issuance.StepName) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unconfirmed[step] = true
}

// Submissions returns how many times (eventID, step) was submitted
func (l *Ledger) Submissions(eventID string, step issuance.StepName) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions[submissionKey{eventID, step}]
}

// Mutations returns every submitted mutation in order
func (l *Ledger) Mutations() []issuance.Mutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]issuance.Mutation(nil), l.mutations...)
}

// Frozen reports whether holder's line of asset is frozen
func (l *Ledger) Frozen(holder string, asset issuance.Amount) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frozen[lineKey(holder, asset)]
}

func (l *Ledger) Transaction(ctx context.Context, txid string) (*issuance.VerifiedTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	tx, ok := l.txs[txid]
	if !ok {
		return nil, issuance.ErrTxNotFound
	}
	copied := *tx
	return &copied, nil
}

func (l *Ledger) HolderAuthorized(ctx context.Context, holder string, asset issuance.Amount) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return false, l.ReadErr
	}
	return l.authorized[lineKey(holder, asset)], nil
}

func (l *Ledger) Inventory(ctx context.Context, holder string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	return append([]string(nil), l.inventory[holder]...), nil
}

func (l *Ledger) Submit(ctx context.Context, m issuance.Mutation) (issuance.SubmitResult, error) {
	if l.SubmitHook != nil {
		if err := l.SubmitHook(ctx, m); err != nil {
			return issuance.SubmitResult{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.submissions[submissionKey{m.EventID, m.Step}]++
	l.mutations = append(l.mutations, m)

	result := issuance.SubmitResult{
		TxID:       fmt.Sprintf("SIMTX%04d", l.seq),
		ResultCode: issuance.ResultSuccess,
		Validated:  true,
	}
	if code, ok := l.failSteps[m.Step]; ok {
		result.ResultCode = code
		return result, nil
	}

	switch m.Step {
	case issuance.StepAuthorize:
		l.authorized[lineKey(m.Holder, m.Amount)] = true
	case issuance.StepLock:
		l.frozen[lineKey(m.Holder, m.Amount)] = true
	case issuance.StepUnlock:
		l.frozen[lineKey(m.Holder, m.Amount)] = false
	case issuance.StepMint:
		result.Created = fmt.Sprintf("NFT%04d", l.seq)
		l.inventory[m.Amount.Issuer] = append(l.inventory[m.Amount.Issuer], result.Created)
	case issuance.StepOffer:
		result.Created = fmt.Sprintf("OFFER%04d", l.seq)
	}
	if l.unconfirmed[m.Step] {
		return issuance.SubmitResult{TxID: result.TxID, ResultCode: "terQUEUED"},
			fmt.Errorf("sim: %s: %w", result.TxID, issuance.ErrNotValidated)
	}
	return result, nil
}

func lineKey(holder string, asset issuance.Amount) string {
	return holder + "|" + asset.Currency + "|" + asset.Issuer
}

var _ issuance.Ledger = (*Ledger)(nil)
