package issuance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	issuance "github.com/x402-foundation/issuance"
	auditmemory "github.com/x402-foundation/issuance/audit/memory"
	kvmemory "github.com/x402-foundation/issuance/kv/memory"
	"github.com/x402-foundation/issuance/test/mocks/sim"
)

const (
	issuerAccount = "rIssuerXXXXXXXXXXXXXXXXXXXXXXXXXX"
	holderAccount = "rHolderXXXXXXXXXXXXXXXXXXXXXXXXXX"
	otherAccount  = "rOtherXXXXXXXXXXXXXXXXXXXXXXXXXXX"
)

var (
	tokenAsset = issuance.AssetConfig{
		Code:          "TKN",
		Issuer:        issuerAccount,
		Kind:          issuance.AssetFungible,
		Rate:          "2",
		AllowClawback: true,
		Active:        true,
	}
	receiptAsset = issuance.AssetConfig{
		Code:   "RCPT",
		Issuer: issuerAccount,
		Kind:   issuance.AssetNFT,
		Taxon:  7,
		URI:    "ipfs://receipt",
		Active: true,
	}
)

// fixture bundles the simulated collaborators of one test
type fixture struct {
	ledger *sim.Ledger
	wallet *sim.Wallet
	kv     *kvmemory.Store
	audit  *auditmemory.Log
}

func newFixture() *fixture {
	return &fixture{
		ledger: sim.NewLedger(),
		wallet: sim.NewWallet(),
		kv:     kvmemory.New(),
		audit:  auditmemory.New(),
	}
}

func (f *fixture) orchestrator(policy issuance.StaticPolicy, hooks issuance.SagaHooks) *issuance.Orchestrator {
	return issuance.NewOrchestrator(issuance.OrchestratorConfig{
		Ledger:             f.ledger,
		KV:                 f.kv,
		Audit:              f.audit,
		Policies:           policy,
		Hooks:              hooks,
		SerializePerHolder: true,
		NativeCurrency:     "XRP",
	})
}

func (f *fixture) service(opts ...issuance.ServiceOption) *issuance.Service {
	opts = append([]issuance.ServiceOption{issuance.WithAssets(tokenAsset, receiptAsset)}, opts...)
	return issuance.NewService(f.ledger, f.wallet, f.kv, f.audit, opts...)
}

// payment returns a validated successful native payment to the issuer
func payment(txid, payer, drops string) issuance.VerifiedTransaction {
	return issuance.VerifiedTransaction{
		TxID:        txid,
		Validated:   true,
		ResultCode:  issuance.ResultSuccess,
		Kind:        issuance.TxPayment,
		Payer:       payer,
		Destination: issuerAccount,
		Delivered:   issuance.Amount{Currency: "XRP", Value: drops},
	}
}

func swapRequest(eventID, drops string) issuance.SagaRequest {
	tx := payment("TX-"+eventID, holderAccount, drops)
	return issuance.SagaRequest{
		EventID: eventID,
		Kind:    issuance.KindSwap,
		Holder:  holderAccount,
		Asset:   tokenAsset,
		Tx:      &tx,
	}
}

func requireStep(t *testing.T, outcome *issuance.SagaOutcome, name issuance.StepName) issuance.StepOutcome {
	t.Helper()
	require.NotNil(t, outcome)
	out, ok := outcome.Step(name)
	require.True(t, ok, "step %s not recorded", name)
	return out
}

func run(t *testing.T, o *issuance.Orchestrator, req issuance.SagaRequest) *issuance.SagaOutcome {
	t.Helper()
	outcome, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	return outcome
}
