package xrpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	issuance "github.com/x402-foundation/issuance"
)

func TestBuildTransaction(t *testing.T) {
	tkn := issuance.Amount{Currency: "TKN", Issuer: issuer}

	tests := []struct {
		name  string
		m     issuance.Mutation
		check func(t *testing.T, tx map[string]interface{})
	}{
		{
			name: "lock freezes the holder line",
			m:    issuance.Mutation{Step: issuance.StepLock, Holder: holder, Amount: tkn},
			check: func(t *testing.T, tx map[string]interface{}) {
				assert.Equal(t, "TrustSet", tx["TransactionType"])
				assert.Equal(t, tfSetFreeze, tx["Flags"])
				assert.Equal(t, holder, tx["LimitAmount"].(map[string]interface{})["issuer"])
			},
		},
		{
			name: "unlock clears the freeze",
			m:    issuance.Mutation{Step: issuance.StepUnlock, Holder: holder, Amount: tkn},
			check: func(t *testing.T, tx map[string]interface{}) {
				assert.Equal(t, tfClearFreeze, tx["Flags"])
			},
		},
		{
			name: "authorize sets auth",
			m:    issuance.Mutation{Step: issuance.StepAuthorize, Holder: holder, Amount: tkn},
			check: func(t *testing.T, tx map[string]interface{}) {
				assert.Equal(t, tfSetfAuth, tx["Flags"])
			},
		},
		{
			name: "clawback names the holder as amount issuer",
			m:    issuance.Mutation{Step: issuance.StepClawback, Holder: holder, Amount: issuance.Amount{Currency: "TKN", Issuer: issuer, Value: "2"}},
			check: func(t *testing.T, tx map[string]interface{}) {
				assert.Equal(t, "Clawback", tx["TransactionType"])
				assert.Equal(t, map[string]interface{}{"currency": "TKN", "issuer": holder, "value": "2"}, tx["Amount"])
			},
		},
		{
			name: "mint hex encodes the URI",
			m:    issuance.Mutation{Step: issuance.StepMint, Holder: holder, Taxon: 7, URI: "ipfs://a"},
			check: func(t *testing.T, tx map[string]interface{}) {
				assert.Equal(t, "NFTokenMint", tx["TransactionType"])
				assert.Equal(t, uint32(7), tx["NFTokenTaxon"])
				assert.Equal(t, "697066733A2F2F61", tx["URI"])
			},
		},
		{
			name: "offer is a zero price sell offer to the holder",
			m:    issuance.Mutation{Step: issuance.StepOffer, Holder: holder, InstanceID: "NFT-1"},
			check: func(t *testing.T, tx map[string]interface{}) {
				assert.Equal(t, "NFTokenCreateOffer", tx["TransactionType"])
				assert.Equal(t, "0", tx["Amount"])
				assert.Equal(t, holder, tx["Destination"])
				assert.Equal(t, tfSellNFToken, tx["Flags"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := buildTransaction(issuer, tt.m)
			require.NoError(t, err)
			assert.Equal(t, issuer, tx["Account"])
			tt.check(t, tx)
		})
	}

	_, err := buildTransaction(issuer, issuance.Mutation{Step: issuance.StepOffer})
	assert.Error(t, err, "offer needs an instance")
	_, err = buildTransaction(issuer, issuance.Mutation{Step: "teleport"})
	assert.Error(t, err)
}

func TestCurrencyCodes(t *testing.T) {
	assert.Equal(t, "USD", encodeCurrency("USD"))
	long := encodeCurrency("RECEIPT")
	assert.Len(t, long, 40)
	assert.Equal(t, "RECEIPT", decodeCurrency(long))
	assert.Equal(t, "USD", decodeCurrency("USD"))
}
