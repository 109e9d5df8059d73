package issuance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/x402-foundation/issuance/store"
)

// RegistryConfig carries the registry's collaborators and settings
type RegistryConfig struct {
	Wallet  WalletPayloads
	Catalog AssetCatalog
	Intents store.Store[PaymentIntent]
	Logger  *slog.Logger

	// CreationWindow is how long a created payload is returned for repeated
	// creates after its intent reached a terminal status
	CreationWindow time.Duration
	// Released, when set, is called with the key of a terminal intent that a
	// new order replaces
	Released       func(intentID string)
	// PayloadExpiry is passed to the wallet provider for every payload
	PayloadExpiry  time.Duration
	NativeCurrency string
	NativeDecimals int32
}

// Registry creates and deduplicates payment intents
type Registry struct {
	cfg      RegistryConfig
	windows  *CreationWindows
	creating *Guard
	logger   *slog.Logger

	// mu orders read-modify-write transitions; it is never held across I/O
	mu  sync.Mutex
	now func() time.Time
}

// NewRegistry creates a registry
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Intents == nil {
		cfg.Intents = store.NewMemory[PaymentIntent]()
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = DefaultNativeDecimals
	}
	return &Registry{
		cfg:      cfg,
		windows:  NewCreationWindows(cfg.CreationWindow),
		creating: NewGuard(),
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// DeriveIntentKey derives an idempotency key from normalized order parameters
func DeriveIntentKey(p IntentParams) string {
	amount := strings.TrimSpace(p.Amount)
	if d, err := decimal.NewFromString(amount); err == nil {
		amount = d.String()
	}
	sum := sha256.Sum256([]byte(encodeTuple(
		string(p.Kind),
		strings.TrimSpace(p.Asset),
		amount,
		strings.TrimSpace(p.Account),
		strings.TrimSpace(p.InstanceID),
	)))
	return "intent_" + hex.EncodeToString(sum[:16])
}

// Create returns the intent for key, creating it and its wallet payload
// when none is stored. Concurrent creates for one key share a single
// payload. A live intent is always returned as is; a terminal one only
// within its creation window, after which the key starts a new order.
// An empty key is derived from params.
func (r *Registry) Create(ctx context.Context, key string, params IntentParams) (*CreateIntentResponse, error) {
	params, asset, err := r.normalize(params)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DeriveIntentKey(params)
	}

	response, _, err := GuardDo(ctx, r.creating, key, func(ctx context.Context) (*CreateIntentResponse, error) {
		existing, ok := r.cfg.Intents.Get(key)
		if ok && (!existing.Status.Terminal() || r.windows.Covers(key, r.now())) {
			return responseFor(existing), nil
		}
		return r.create(ctx, key, params, asset)
	})
	return response, err
}

func (r *Registry) create(ctx context.Context, key string, params IntentParams, asset AssetConfig) (*CreateIntentResponse, error) {
	expected, txjson, err := r.expectation(key, params, asset)
	if err != nil {
		return nil, err
	}

	ref, err := r.cfg.Wallet.Create(ctx, PayloadRequest{
		IntentID:    key,
		Transaction: txjson,
		ExpiresIn:   r.cfg.PayloadExpiry,
	})
	if err != nil {
		r.logger.Warn("failed to create wallet payload", "intent_id", key, "error", err)
		return nil, NewIssuanceError(ReasonWalletUnavailable, err.Error(), nil)
	}

	intent := PaymentIntent{
		ID:                key,
		Kind:              params.Kind,
		Params:            params,
		ExternalPayloadID: ref.PayloadID,
		PayloadRef:        ref,
		Expected:          expected,
		Status:            StatusAwaitingSignature,
		CreatedAt:         r.now().UTC(),
	}

	r.mu.Lock()
	if previous, ok := r.cfg.Intents.Get(key); ok {
		r.logger.Info("replacing finished intent", "intent_id", key, "previous_status", previous.Status, "previous_tx", previous.TxID)
		if r.cfg.Released != nil {
			r.cfg.Released(key)
		}
	}
	r.cfg.Intents.Set(key, intent)
	r.windows.Open(key, intent.CreatedAt)
	r.mu.Unlock()
	r.logger.Info("intent created", "intent_id", key, "kind", params.Kind, "asset", params.Asset, "payload_id", ref.PayloadID)
	return responseFor(intent), nil
}

// expectation builds the confirming transaction's expected shape and the
// unsigned transaction handed to the wallet
func (r *Registry) expectation(id string, p IntentParams, asset AssetConfig) (Expected, map[string]interface{}, error) {
	if p.Kind == KindBurn {
		expected := Expected{IntentID: id, Kind: TxBurn, Payer: p.Account, InstanceID: p.InstanceID}
		return expected, map[string]interface{}{
			"TransactionType": string(TxBurn),
			"Account":         p.Account,
			"NFTokenID":       p.InstanceID,
		}, nil
	}

	minor, err := NativeMinorUnits(p.Amount, r.cfg.NativeDecimals)
	if err != nil {
		return Expected{}, nil, NewIssuanceError(ReasonInvalidParams, err.Error(), nil)
	}
	expected := Expected{
		IntentID:    id,
		Kind:        TxPayment,
		Payer:       p.Account,
		Destination: asset.Issuer,
		Amount:      Amount{Currency: r.cfg.NativeCurrency, Value: minor},
	}
	txjson := map[string]interface{}{
		"TransactionType": string(TxPayment),
		"Destination":     asset.Issuer,
		"Amount":          minor,
	}
	if p.Account != "" {
		txjson["Account"] = p.Account
	}
	return expected, txjson, nil
}

func (r *Registry) normalize(p IntentParams) (IntentParams, AssetConfig, error) {
	p.Asset = strings.TrimSpace(p.Asset)
	p.Account = strings.TrimSpace(p.Account)
	p.InstanceID = strings.TrimSpace(p.InstanceID)
	p.Amount = strings.TrimSpace(p.Amount)

	switch p.Kind {
	case KindSwap, KindMint, KindBurn:
	default:
		return p, AssetConfig{}, NewIssuanceError(ReasonInvalidParams, fmt.Sprintf("unsupported intent kind %q", p.Kind), nil)
	}

	asset, ok := r.cfg.Catalog.Asset(p.Asset)
	if !ok {
		return p, AssetConfig{}, NewIssuanceError(ReasonUnknownAsset, fmt.Sprintf("asset %q is not configured", p.Asset), nil)
	}
	if !asset.Active {
		return p, AssetConfig{}, NewIssuanceError(ReasonNoActiveIssuance, fmt.Sprintf("issuance of %s is not active", asset.Code), nil)
	}

	if p.Kind == KindBurn {
		if p.InstanceID == "" || p.Account == "" {
			return p, asset, NewIssuanceError(ReasonInvalidParams, "burn requires account and instanceId", nil)
		}
		p.Amount = ""
		return p, asset, nil
	}

	if (p.Kind == KindMint) != (asset.Kind == AssetNFT) {
		return p, asset, NewIssuanceError(ReasonInvalidParams, fmt.Sprintf("%s intents cannot deliver %s asset %s", p.Kind, asset.Kind, asset.Code), nil)
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil || !amount.IsPositive() {
		return p, asset, NewIssuanceError(ReasonInvalidParams, "amount must be a positive decimal", map[string]interface{}{"amount": p.Amount})
	}
	p.Amount = amount.String()
	p.InstanceID = ""
	return p, asset, nil
}

// Get returns the intent stored under id
func (r *Registry) Get(id string) (PaymentIntent, bool) {
	return r.cfg.Intents.Get(id)
}

// Transition moves an intent to next and applies mutate to it. Transitions
// out of a terminal status or backwards are ignored; the stored intent is
// returned either way.
func (r *Registry) Transition(id string, next IntentStatus, mutate func(*PaymentIntent)) (PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	intent, ok := r.cfg.Intents.Get(id)
	if !ok {
		return PaymentIntent{}, ErrIntentNotFound
	}
	if !intent.Status.CanTransition(next) {
		return intent, nil
	}
	intent.Status = next
	if mutate != nil {
		mutate(&intent)
	}
	if next.Terminal() {
		intent.CompletedAt = r.now().UTC()
	}
	r.cfg.Intents.Set(id, intent)
	return intent, nil
}

// Intents exposes the intent store to the sweeper
func (r *Registry) Intents() store.Store[PaymentIntent] {
	return r.cfg.Intents
}

// Creations exposes the creation windows to the sweeper
func (r *Registry) Creations() *CreationWindows {
	return r.windows
}

func responseFor(intent PaymentIntent) *CreateIntentResponse {
	return &CreateIntentResponse{
		IntentID:   intent.ID,
		PayloadRef: intent.PayloadRef,
		Status:     intent.Status,
	}
}
