package xrpl

import (
	"encoding/hex"
	"fmt"
	"strings"

	issuance "github.com/x402-foundation/issuance"
)

// Transaction flags used by the mapped mutations
const (
	tfSetfAuth     uint32 = 0x00010000
	tfSetFreeze    uint32 = 0x00100000
	tfClearFreeze  uint32 = 0x00200000
	tfTransferable uint32 = 0x00000008
	tfSellNFToken  uint32 = 0x00000001
)

// buildTransaction maps a saga mutation to an unsigned transaction from issuer
func buildTransaction(issuer string, m issuance.Mutation) (map[string]interface{}, error) {
	tx := map[string]interface{}{"Account": issuer}

	// Trust lines are addressed from the issuer's side: the counterparty is the holder
	line := func() map[string]interface{} {
		return map[string]interface{}{
			"currency": encodeCurrency(m.Amount.Currency),
			"issuer":   m.Holder,
			"value":    "0",
		}
	}

	switch m.Step {
	case issuance.StepAuthorize:
		tx["TransactionType"] = "TrustSet"
		tx["LimitAmount"] = line()
		tx["Flags"] = tfSetfAuth
	case issuance.StepLock:
		tx["TransactionType"] = "TrustSet"
		tx["LimitAmount"] = line()
		tx["Flags"] = tfSetFreeze
	case issuance.StepUnlock:
		tx["TransactionType"] = "TrustSet"
		tx["LimitAmount"] = line()
		tx["Flags"] = tfClearFreeze
	case issuance.StepIssue:
		tx["TransactionType"] = "Payment"
		tx["Destination"] = m.Holder
		tx["Amount"] = map[string]interface{}{
			"currency": encodeCurrency(m.Amount.Currency),
			"issuer":   issuer,
			"value":    m.Amount.Value,
		}
	case issuance.StepClawback:
		tx["TransactionType"] = "Clawback"
		tx["Amount"] = map[string]interface{}{
			"currency": encodeCurrency(m.Amount.Currency),
			"issuer":   m.Holder,
			"value":    m.Amount.Value,
		}
	case issuance.StepMint:
		tx["TransactionType"] = "NFTokenMint"
		tx["NFTokenTaxon"] = m.Taxon
		tx["Flags"] = tfTransferable
		if m.URI != "" {
			tx["URI"] = strings.ToUpper(hex.EncodeToString([]byte(m.URI)))
		}
	case issuance.StepOffer:
		if m.InstanceID == "" {
			return nil, fmt.Errorf("offer for %s has no instance", m.EventID)
		}
		tx["TransactionType"] = "NFTokenCreateOffer"
		tx["NFTokenID"] = m.InstanceID
		tx["Destination"] = m.Holder
		tx["Amount"] = "0"
		tx["Flags"] = tfSellNFToken
	case issuance.StepAccept:
		if m.InstanceID == "" {
			return nil, fmt.Errorf("accept for %s has no offer", m.EventID)
		}
		tx["TransactionType"] = "NFTokenAcceptOffer"
		tx["NFTokenBuyOffer"] = m.InstanceID
	default:
		return nil, fmt.Errorf("unsupported step %q", m.Step)
	}
	return tx, nil
}

// encodeCurrency returns the wire form of a currency code: three-character
// codes are sent as-is, longer ones as 40 hex characters.
func encodeCurrency(code string) string {
	if len(code) == 3 || len(code) == 40 {
		return code
	}
	padded := make([]byte, 20)
	copy(padded, code)
	return strings.ToUpper(hex.EncodeToString(padded))
}

// decodeCurrency is the inverse of encodeCurrency
func decodeCurrency(code string) string {
	if len(code) != 40 {
		return code
	}
	raw, err := hex.DecodeString(code)
	if err != nil {
		return code
	}
	return strings.TrimRight(string(raw), "\x00")
}
