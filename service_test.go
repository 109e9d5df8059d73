package issuance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	issuance "github.com/x402-foundation/issuance"
)

func TestService_SwapLifecycle(t *testing.T) {
	f := newFixture()
	svc := f.service(issuance.WithPolicySource(issuance.StaticPolicy{
		Flags: issuance.Policy{AutoLockAfterSwap: true},
	}))
	ctx := context.Background()

	created, err := svc.CreateIntent(ctx, "order-swap", swapParams("1"))
	require.NoError(t, err)

	status, err := svc.GetStatus(ctx, created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusAwaitingSignature, status.Phase)

	f.wallet.Sign(created.PayloadRef.PayloadID, holderAccount, "TX-SWAP")
	status, err = svc.GetStatus(ctx, created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusVerifying, status.Phase)
	assert.Equal(t, issuance.ReasonNotValidatedYet, status.Reason)
	assert.Equal(t, "TX-SWAP", status.TxID)

	f.ledger.AddTransaction(payment("TX-SWAP", holderAccount, "1000000"))
	status, err = svc.GetStatus(ctx, created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusCompleted, status.Phase)
	require.NotNil(t, status.SagaOutcome)
	assert.Equal(t, "2", status.SagaOutcome.Quantity)
	assert.True(t, requireStep(t, status.SagaOutcome, issuance.StepLock).OK)

	for i := 0; i < 3; i++ {
		again, err := svc.GetStatus(ctx, created.IntentID)
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusCompleted, again.Phase)
	}
	assert.Equal(t, 1, f.ledger.Submissions("TX-SWAP", issuance.StepIssue))
	assert.Equal(t, 1, f.ledger.Submissions("TX-SWAP", issuance.StepLock))
}

func TestService_DestinationMismatchNeverCompletes(t *testing.T) {
	f := newFixture()
	svc := f.service()
	ctx := context.Background()

	created, err := svc.CreateIntent(ctx, "order-dest", swapParams("1"))
	require.NoError(t, err)

	tx := payment("TX-DEST", holderAccount, "1000000")
	tx.Destination = otherAccount
	f.ledger.AddTransaction(tx)
	f.wallet.Sign(created.PayloadRef.PayloadID, holderAccount, "TX-DEST")

	for i := 0; i < 3; i++ {
		status, err := svc.GetStatus(ctx, created.IntentID)
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusFailed, status.Phase)
		assert.Equal(t, issuance.ReasonDestinationMismatch, status.Reason)
		assert.Nil(t, status.SagaOutcome)
	}
	assert.Empty(t, f.ledger.Mutations())
}

func TestService_PayloadOutcomes(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		f := newFixture()
		svc := f.service()
		created, err := svc.CreateIntent(context.Background(), "order-cancel", swapParams("1"))
		require.NoError(t, err)

		f.wallet.Cancel(created.PayloadRef.PayloadID)
		status, err := svc.GetStatus(context.Background(), created.IntentID)
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusFailed, status.Phase)
		assert.Equal(t, issuance.ReasonPayloadCancelled, status.Reason)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture()
		svc := f.service()
		created, err := svc.CreateIntent(context.Background(), "order-expire", swapParams("1"))
		require.NoError(t, err)

		f.wallet.Expire(created.PayloadRef.PayloadID)
		status, err := svc.GetStatus(context.Background(), created.IntentID)
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusExpired, status.Phase)
		assert.Equal(t, issuance.ReasonPayloadExpired, status.Reason)
	})

	t.Run("signed by another account than the pinned one", func(t *testing.T) {
		f := newFixture()
		svc := f.service()
		created, err := svc.CreateIntent(context.Background(), "order-hijack", swapParams("1"))
		require.NoError(t, err)
		require.NoError(t, svc.Verifier().Pin(created.IntentID, holderAccount))

		f.wallet.Sign(created.PayloadRef.PayloadID, otherAccount, "TX-HIJACK")
		status, err := svc.GetStatus(context.Background(), created.IntentID)
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusFailed, status.Phase)
		assert.Equal(t, issuance.ReasonPayerMismatch, status.Reason)
	})

	t.Run("unknown intent", func(t *testing.T) {
		_, err := newFixture().service().GetStatus(context.Background(), "nope")
		assert.ErrorIs(t, err, issuance.ErrIntentNotFound)
	})
}

func TestService_OnePaymentSatisfiesOneIntent(t *testing.T) {
	f := newFixture()
	svc := f.service()
	ctx := context.Background()
	f.ledger.AddTransaction(payment("TX-ONCE", holderAccount, "1000000"))

	first, err := svc.CreateIntent(ctx, "order-a", swapParams("1"))
	require.NoError(t, err)
	second, err := svc.CreateIntent(ctx, "order-b", swapParams("1"))
	require.NoError(t, err)

	f.wallet.Sign(first.PayloadRef.PayloadID, holderAccount, "TX-ONCE")
	f.wallet.Sign(second.PayloadRef.PayloadID, holderAccount, "TX-ONCE")

	status, err := svc.GetStatus(ctx, first.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusCompleted, status.Phase)

	status, err = svc.GetStatus(ctx, second.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusFailed, status.Phase)
	assert.Equal(t, issuance.ReasonTxAlreadyConsumed, status.Reason)
	assert.Len(t, f.ledger.Mutations(), 1)
}

func TestService_FailedIssueFailsIntent(t *testing.T) {
	f := newFixture()
	f.ledger.FailStep(issuance.StepIssue, "tecPATH_DRY")
	svc := f.service()
	ctx := context.Background()

	created, err := svc.CreateIntent(ctx, "order-dry", swapParams("1"))
	require.NoError(t, err)
	f.ledger.AddTransaction(payment("TX-DRY", holderAccount, "1000000"))
	f.wallet.Sign(created.PayloadRef.PayloadID, holderAccount, "TX-DRY")

	status, err := svc.GetStatus(ctx, created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusFailed, status.Phase)
	assert.Equal(t, issuance.ReasonStepFailed, status.Reason)
	require.NotNil(t, status.SagaOutcome)
	assert.Equal(t, issuance.SagaPartiallyFailed, status.SagaOutcome.State)
}

func TestService_BurnLifecycle(t *testing.T) {
	f := newFixture()
	f.ledger.Hold(holderAccount, "NFT-9")
	svc := f.service()
	ctx := context.Background()

	created, err := svc.CreateIntent(ctx, "", issuance.IntentParams{
		Kind: issuance.KindBurn, Asset: "TKN", Account: holderAccount, InstanceID: "NFT-9",
	})
	require.NoError(t, err)
	req, ok := f.wallet.Request(created.PayloadRef.PayloadID)
	require.True(t, ok)
	assert.Equal(t, "NFTokenBurn", req.Transaction["TransactionType"])

	f.ledger.AddTransaction(issuance.VerifiedTransaction{
		TxID: "TX-BURN", Validated: true, ResultCode: issuance.ResultSuccess,
		Kind: issuance.TxBurn, Payer: holderAccount, InstanceID: "NFT-9",
	})
	f.wallet.Sign(created.PayloadRef.PayloadID, holderAccount, "TX-BURN")

	// Signed and validated, but the inventory still shows the instance
	status, err := svc.GetStatus(ctx, created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusVerifying, status.Phase)
	assert.Equal(t, issuance.ReasonBurnNotConfirmed, status.Reason)
	assert.Equal(t, 0, f.ledger.Submissions("TX-BURN", issuance.StepUnlock))

	f.ledger.Release(holderAccount, "NFT-9")
	status, err = svc.GetStatus(ctx, created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusCompleted, status.Phase)
	assert.Equal(t, 1, f.ledger.Submissions("TX-BURN", issuance.StepUnlock))
}

func TestService_AwaitStatus(t *testing.T) {
	t.Run("returns once terminal", func(t *testing.T) {
		f := newFixture()
		svc := f.service(issuance.WithPolling(5*time.Millisecond, time.Second))
		created, err := svc.CreateIntent(context.Background(), "order-await", swapParams("1"))
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			f.ledger.AddTransaction(payment("TX-AWAIT", holderAccount, "1000000"))
			f.wallet.Sign(created.PayloadRef.PayloadID, holderAccount, "TX-AWAIT")
		}()

		status, err := svc.AwaitStatus(context.Background(), created.IntentID)
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusCompleted, status.Phase)
	})

	t.Run("times out without cancelling anything", func(t *testing.T) {
		f := newFixture()
		svc := f.service(issuance.WithPolling(5*time.Millisecond, 40*time.Millisecond))
		created, err := svc.CreateIntent(context.Background(), "order-timeout", swapParams("1"))
		require.NoError(t, err)

		status, err := svc.AwaitStatus(context.Background(), created.IntentID)
		require.Error(t, err)
		assert.Equal(t, issuance.ReasonPollTimeout, issuance.ReasonOf(err))
		require.NotNil(t, status)
		assert.Equal(t, issuance.StatusAwaitingSignature, status.Phase)
	})

	t.Run("unknown intent is not retried", func(t *testing.T) {
		svc := newFixture().service(issuance.WithPolling(5*time.Millisecond, time.Second))
		_, err := svc.AwaitStatus(context.Background(), "nope")
		assert.ErrorIs(t, err, issuance.ErrIntentNotFound)
	})
}

func issueCount(mutations []issuance.Mutation) int {
	n := 0
	for _, m := range mutations {
		if m.Step == issuance.StepIssue {
			n++
		}
	}
	return n
}

func TestService_RepeatOrderIssuesAgain(t *testing.T) {
	complete := func(t *testing.T, f *fixture, svc *issuance.Service, created *issuance.CreateIntentResponse, txid string) {
		t.Helper()
		f.ledger.AddTransaction(payment(txid, holderAccount, "1000000"))
		f.wallet.Sign(created.PayloadRef.PayloadID, holderAccount, txid)
		status, err := svc.GetStatus(context.Background(), created.IntentID)
		require.NoError(t, err)
		require.Equal(t, issuance.StatusCompleted, status.Phase)
		assert.Equal(t, txid, status.TxID)
	}

	t.Run("after the finished intent is swept", func(t *testing.T) {
		f := newFixture()
		svc := f.service()
		ctx := context.Background()

		first, err := svc.CreateIntent(ctx, "", swapParams("1"))
		require.NoError(t, err)
		complete(t, f, svc, first, "TX-FIRST")

		report := issuance.NewSweeper(svc, issuance.SweepTTLs{Intents: time.Hour}, 0).SweepOnce(time.Now().Add(2 * time.Hour))
		require.Equal(t, 1, report.Intents)

		second, err := svc.CreateIntent(ctx, "", swapParams("1"))
		require.NoError(t, err)
		assert.Equal(t, first.IntentID, second.IntentID, "identical parameters derive the same key")
		assert.NotEqual(t, first.PayloadRef.PayloadID, second.PayloadRef.PayloadID)
		complete(t, f, svc, second, "TX-SECOND")

		assert.Equal(t, 1, f.ledger.Submissions("TX-FIRST", issuance.StepIssue))
		assert.Equal(t, 1, f.ledger.Submissions("TX-SECOND", issuance.StepIssue))
		assert.Equal(t, 2, issueCount(f.ledger.Mutations()))
	})

	t.Run("after the creation window closes", func(t *testing.T) {
		f := newFixture()
		svc := f.service(issuance.WithCreationWindow(50 * time.Millisecond))
		ctx := context.Background()

		first, err := svc.CreateIntent(ctx, "order-repeat", swapParams("1"))
		require.NoError(t, err)
		complete(t, f, svc, first, "TX-FIRST")

		time.Sleep(100 * time.Millisecond)
		second, err := svc.CreateIntent(ctx, "order-repeat", swapParams("1"))
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusAwaitingSignature, second.Status)
		assert.NotEqual(t, first.PayloadRef.PayloadID, second.PayloadRef.PayloadID)
		complete(t, f, svc, second, "TX-SECOND")

		assert.Equal(t, 2, issueCount(f.ledger.Mutations()))
	})
}

func TestService_UnvalidatedIssueStaysVerifying(t *testing.T) {
	f := newFixture()
	f.ledger.LeaveUnvalidated(issuance.StepIssue)
	svc := f.service()
	ctx := context.Background()

	created, err := svc.CreateIntent(ctx, "order-unvalidated", swapParams("1"))
	require.NoError(t, err)
	f.ledger.AddTransaction(payment("TX-UNVALIDATED", holderAccount, "1000000"))
	f.wallet.Sign(created.PayloadRef.PayloadID, holderAccount, "TX-UNVALIDATED")

	for i := 0; i < 2; i++ {
		status, err := svc.GetStatus(ctx, created.IntentID)
		require.NoError(t, err)
		assert.Equal(t, issuance.StatusVerifying, status.Phase)
		assert.Equal(t, issuance.ReasonOutcomeUnknown, status.Reason)
		require.NotNil(t, status.SagaOutcome)
		assert.True(t, status.SagaOutcome.Unresolved())
	}
	assert.Equal(t, 1, f.ledger.Submissions("TX-UNVALIDATED", issuance.StepIssue))

	report := issuance.NewSweeper(svc, issuance.SweepTTLs{Intents: time.Minute}, 0).SweepOnce(time.Now().Add(time.Hour))
	assert.Zero(t, report.Intents, "an unresolved intent is never swept")
}
