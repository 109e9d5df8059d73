package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	issuance "github.com/x402-foundation/issuance"
)

// ============================================================================
// Simulated Wallet Payload Provider
// ============================================================================

// Wallet implements issuance.WalletPayloads over in-memory payloads
type Wallet struct {
	mu       sync.Mutex
	payloads map[string]issuance.PayloadStatus
	requests map[string]issuance.PayloadRequest
	created  int32

	// CreateHook, when set, runs before every payload is created
	CreateHook func(ctx context.Context, req issuance.PayloadRequest) error
}

// NewWallet creates an empty simulated wallet provider
func NewWallet() *Wallet {
	return &Wallet{
		payloads: make(map[string]issuance.PayloadStatus),
		requests: make(map[string]issuance.PayloadRequest),
	}
}

func (w *Wallet) Create(ctx context.Context, req issuance.PayloadRequest) (issuance.PayloadRef, error) {
	if w.CreateHook != nil {
		if err := w.CreateHook(ctx, req); err != nil {
			return issuance.PayloadRef{}, err
		}
	}
	n := atomic.AddInt32(&w.created, 1)
	id := fmt.Sprintf("payload-%d", n)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads[id] = issuance.PayloadStatus{}
	w.requests[id] = req
	return issuance.PayloadRef{
		PayloadID: id,
		QRRef:     "https://wallet.example/qr/" + id,
		DeepLink:  "wallet://sign/" + id,
	}, nil
}

func (w *Wallet) Get(ctx context.Context, payloadID string) (issuance.PayloadStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	status, ok := w.payloads[payloadID]
	if !ok {
		return issuance.PayloadStatus{}, fmt.Errorf("payload %s not found", payloadID)
	}
	return status, nil
}

// Sign marks a payload signed by account with the resulting txid
func (w *Wallet) Sign(payloadID, account, txid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads[payloadID] = issuance.PayloadStatus{Signed: true, ResultAccount: account, ResultTxID: txid}
}

// Cancel marks a payload cancelled by the user
func (w *Wallet) Cancel(payloadID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads[payloadID] = issuance.PayloadStatus{Cancelled: true}
}

// Expire marks a payload expired
func (w *Wallet) Expire(payloadID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads[payloadID] = issuance.PayloadStatus{Expired: true}
}

// Request returns the request a payload was created from
func (w *Wallet) Request(payloadID string) (issuance.PayloadRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[payloadID]
	return req, ok
}

// Created returns how many payloads were created
func (w *Wallet) Created() int {
	return int(atomic.LoadInt32(&w.created))
}

var _ issuance.WalletPayloads = (*Wallet)(nil)
