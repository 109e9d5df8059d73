package issuance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultNativeDecimals is the number of decimal places between a native
// unit and its integer minor unit.
const DefaultNativeDecimals = 6

// NativeUnits converts an amount of native minor units to whole native units.
// Fractional minor units are rejected.
func NativeUnits(minor string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(minor)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid native amount %q: %w", minor, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("native amount %q is not an integer number of minor units", minor)
	}
	return d.Shift(-decimals), nil
}

// NativeMinorUnits converts whole native units to integer minor units
func NativeMinorUnits(units string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(units)
	if err != nil {
		return "", fmt.Errorf("invalid native amount %q: %w", units, err)
	}
	minor := d.Shift(decimals)
	if !minor.Equal(minor.Truncate(0)) {
		return "", fmt.Errorf("native amount %q has more than %d decimal places", units, decimals)
	}
	return minor.String(), nil
}

// DeliverableQuantity computes floor(delivered × rate) in whole units of the
// target asset. Native deliveries are converted from minor units first.
func DeliverableQuantity(delivered Amount, rate string, nativeDecimals int32) (decimal.Decimal, error) {
	var units decimal.Decimal
	var err error
	if delivered.IsNative() {
		units, err = NativeUnits(delivered.Value, nativeDecimals)
	} else {
		units, err = delivered.Decimal()
	}
	if err != nil {
		return decimal.Zero, err
	}

	r, err := decimal.NewFromString(rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid conversion rate %q: %w", rate, err)
	}
	if r.IsNegative() || units.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative quantity inputs: delivered=%s rate=%s", units, r)
	}
	return units.Mul(r).Floor(), nil
}

// fixQuantity stores the quantity for eventID the first time it is computed
// and returns the stored value on every later call.
func fixQuantity(ctx context.Context, kv KeyValueStore, eventID string, compute func() (decimal.Decimal, error)) (decimal.Decimal, error) {
	key := quantityKey(eventID)
	raw, err := kv.Get(ctx, key)
	if err == nil {
		return decimal.NewFromString(string(raw))
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return decimal.Zero, fmt.Errorf("failed to load quantity for %s: %w", eventID, err)
	}

	q, err := compute()
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := kv.SetIfAbsent(ctx, key, []byte(q.String())); err != nil {
		return decimal.Zero, fmt.Errorf("failed to persist quantity for %s: %w", eventID, err)
	}

	// A concurrent writer may have won; the stored value is authoritative
	raw, err = kv.Get(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to reload quantity for %s: %w", eventID, err)
	}
	return decimal.NewFromString(string(raw))
}
