package issuance

import (
	"context"
	"time"
)

// ============================================================================
// Ledger (consumed)
// ============================================================================

// Mutation is one follow-on ledger mutation requested by a saga step.
// The ledger adapter maps it to a concrete transaction, signs it with the
// issuing account and submits it.
type Mutation struct {
	Step    StepName `json:"step"`
	EventID string   `json:"eventId"`
	// Holder is the counterparty account the mutation applies to
	Holder string `json:"holder"`
	// Amount is the value moved (issue, clawback) or the asset line
	// addressed (authorize, lock, unlock) with an empty value
	Amount Amount `json:"amount"`
	// InstanceID addresses a unique instance (offer) or an offer (accept)
	InstanceID string `json:"instanceId,omitempty"`
	Taxon      uint32 `json:"taxon,omitempty"`
	URI        string `json:"uri,omitempty"`
}

// SubmitResult is the ledger's answer to a submitted mutation
type SubmitResult struct {
	TxID       string `json:"txid"`
	ResultCode string `json:"resultCode"`
	Validated  bool   `json:"validated"`
	// Created is the id of an object the transaction created (minted instance, offer)
	Created string `json:"created,omitempty"`
}

// Succeeded reports whether the mutation took effect
func (r SubmitResult) Succeeded() bool {
	return r.ResultCode == ResultSuccess
}

// LedgerReader is the read side of the ledger
type LedgerReader interface {
	// Transaction returns the ledger record for txid or ErrTxNotFound
	Transaction(ctx context.Context, txid string) (*VerifiedTransaction, error)

	// HolderAuthorized reports whether holder is allow-listed for asset on the current ledger state
	HolderAuthorized(ctx context.Context, holder string, asset Amount) (bool, error)

	// Inventory returns the unique asset instance ids currently held by holder
	Inventory(ctx context.Context, holder string) ([]string, error)
}

// Ledger is the ledger capability consumed by verification and sagas
type Ledger interface {
	LedgerReader

	// Submit signs and submits a mutation on behalf of the issuing account
	Submit(ctx context.Context, m Mutation) (SubmitResult, error)
}

// ============================================================================
// Wallet payloads (consumed)
// ============================================================================

// PayloadRequest asks the wallet provider for a sign request
type PayloadRequest struct {
	IntentID    string                 `json:"intentId"`
	Transaction map[string]interface{} `json:"txjson"`
	ExpiresIn   time.Duration          `json:"-"`
}

// PayloadRef identifies a created sign request
type PayloadRef struct {
	PayloadID string `json:"payloadId"`
	QRRef     string `json:"qrRef,omitempty"`
	DeepLink  string `json:"deepLink,omitempty"`
}

// PayloadStatus is the wallet provider's view of a sign request
type PayloadStatus struct {
	Signed        bool   `json:"signed"`
	Cancelled     bool   `json:"cancelled"`
	Expired       bool   `json:"expired"`
	ResultAccount string `json:"resultAccount,omitempty"`
	ResultTxID    string `json:"resultTxid,omitempty"`
}

// WalletPayloads creates and polls externally signed payloads
type WalletPayloads interface {
	Create(ctx context.Context, req PayloadRequest) (PayloadRef, error)
	Get(ctx context.Context, payloadID string) (PayloadStatus, error)
}

// ============================================================================
// Persistence (consumed)
// ============================================================================

// KeyValueStore is durable key/value storage for step markers, quantities and outcomes.
// Implementations must be safe for concurrent use.
type KeyValueStore interface {
	// Get returns the value for key or ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetIfAbsent stores value only if key is absent and reports whether it did
	SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
}

// AuditLog is an append-only record store unique on (TxID, ActionType)
type AuditLog interface {
	// InsertIfAbsent appends record unless its natural key exists; it reports whether it inserted
	InsertIfAbsent(ctx context.Context, record AuditRecord) (bool, error)

	// Lookup returns the record for the natural key, or nil if absent
	Lookup(ctx context.Context, txid string, action AuditAction) (*AuditRecord, error)
}

// ============================================================================
// Configuration sources (consumed)
// ============================================================================

// PolicySource yields the policy snapshot for an asset
type PolicySource interface {
	Policy(ctx context.Context, asset string) (Policy, error)
}

// AssetCatalog resolves configured assets
type AssetCatalog interface {
	// Asset returns the asset configured under code
	Asset(code string) (AssetConfig, bool)
}

// StaticCatalog is an AssetCatalog over a fixed list
type StaticCatalog map[string]AssetConfig

// NewStaticCatalog indexes assets by code
func NewStaticCatalog(assets ...AssetConfig) StaticCatalog {
	c := make(StaticCatalog, len(assets))
	for _, a := range assets {
		c[a.Code] = a
	}
	return c
}

func (c StaticCatalog) Asset(code string) (AssetConfig, bool) {
	a, ok := c[code]
	return a, ok
}

// StaticPolicy is a PolicySource returning the same flags for every asset
type StaticPolicy struct {
	Flags     Policy
	Blacklist map[string]bool
}

func (p StaticPolicy) Policy(ctx context.Context, asset string) (Policy, error) {
	snapshot := p.Flags
	blacklist := make(map[string]bool, len(p.Blacklist))
	for k, v := range p.Blacklist {
		blacklist[k] = v
	}
	snapshot.Blacklisted = func(account string) bool { return blacklist[account] }
	return snapshot, nil
}
