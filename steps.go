package issuance

import (
	"strings"
)

// plannedStep is one guarded action of a saga plan. Plans are evaluated in
// order; a step runs only when its prerequisites did not fail and its
// decide function does not settle the outcome without touching the ledger.
type plannedStep struct {
	name     StepName
	requires []StepName
	// decide returns a final outcome when the step must not be submitted,
	// or nil when it should run. An error aborts the run so it can be retried.
	decide   func(r *sagaRun) (*StepOutcome, error)
	mutation func(r *sagaRun) Mutation
}

func skipped(reason string) (*StepOutcome, error) {
	out := Skip(reason)
	return &out, nil
}

func always(*sagaRun) (*StepOutcome, error) { return nil, nil }

// selected reports whether a step was chosen to run, whatever its result
func selected(r *sagaRun, name StepName) bool {
	out, ok := r.outcome.Step(name)
	return ok && !out.Skipped
}

// blocking reports whether a recorded outcome prevents dependent steps
func blocking(out StepOutcome) bool {
	return out.Failed() || (out.Skipped && strings.HasPrefix(out.Reason, "blocked_by_"))
}

var authorizeStep = plannedStep{
	name: StepAuthorize,
	decide: func(r *sagaRun) (*StepOutcome, error) {
		if !r.req.Asset.RequireAuth {
			return skipped(ReasonNotRequired)
		}
		ok, err := r.ledger.HolderAuthorized(r.ctx, r.req.Holder, r.req.Asset.Ref(""))
		if err != nil {
			return nil, err
		}
		if ok {
			return skipped(ReasonAlreadyAuthorized)
		}
		return nil, nil
	},
	mutation: func(r *sagaRun) Mutation {
		return r.mutation(StepAuthorize, r.req.Asset.Ref(""))
	},
}

var issueStep = plannedStep{
	name:     StepIssue,
	requires: []StepName{StepAuthorize},
	decide: func(r *sagaRun) (*StepOutcome, error) {
		if r.quantity.IsZero() {
			out := Fail(ReasonZeroQuantity)
			return &out, nil
		}
		return nil, nil
	},
	mutation: func(r *sagaRun) Mutation {
		return r.mutation(StepIssue, r.req.Asset.Ref(r.quantity.String()))
	},
}

// Policy branch after a swap: clawback, else lock, else unlock.

var clawbackStep = plannedStep{
	name:     StepClawback,
	requires: []StepName{StepIssue},
	decide: func(r *sagaRun) (*StepOutcome, error) {
		switch {
		case !r.policy.AutoClawbackBlacklist:
			return skipped(ReasonPolicyDisabled)
		case !r.policy.IsBlacklisted(r.req.Holder):
			return skipped(ReasonNotBlacklisted)
		case !r.req.Asset.AllowClawback:
			return skipped(ReasonClawbackUnsupported)
		}
		return nil, nil
	},
	mutation: func(r *sagaRun) Mutation {
		return r.mutation(StepClawback, r.req.Asset.Ref(r.quantity.String()))
	},
}

var lockStep = plannedStep{
	name:     StepLock,
	requires: []StepName{StepIssue},
	decide: func(r *sagaRun) (*StepOutcome, error) {
		switch {
		case selected(r, StepClawback):
			return skipped(ReasonSupersededByClawback)
		case !r.policy.AutoLockAfterSwap:
			return skipped(ReasonPolicyDisabled)
		}
		return nil, nil
	},
	mutation: func(r *sagaRun) Mutation {
		return r.mutation(StepLock, r.req.Asset.Ref(""))
	},
}

var unlockStep = plannedStep{
	name:     StepUnlock,
	requires: []StepName{StepIssue},
	decide: func(r *sagaRun) (*StepOutcome, error) {
		switch {
		case selected(r, StepClawback):
			return skipped(ReasonSupersededByClawback)
		case r.policy.AutoLockAfterSwap:
			return skipped(ReasonSupersededByLock)
		case !r.policy.AutoUnlockAfterSwap:
			return skipped(ReasonPolicyDisabled)
		}
		return nil, nil
	},
	mutation: func(r *sagaRun) Mutation {
		return r.mutation(StepUnlock, r.req.Asset.Ref(""))
	},
}

var mintStep = plannedStep{
	name:     StepMint,
	requires: []StepName{StepAuthorize},
	decide:   always,
	mutation: func(r *sagaRun) Mutation {
		m := r.mutation(StepMint, r.req.Asset.Ref("1"))
		m.Taxon = r.req.Asset.Taxon
		m.URI = r.req.Asset.URI
		return m
	},
}

// offerStep creates a zero-price transfer offer of the minted instance to the holder
var offerStep = plannedStep{
	name:     StepOffer,
	requires: []StepName{StepMint},
	decide:   always,
	mutation: func(r *sagaRun) Mutation {
		minted, _ := r.outcome.Step(StepMint)
		m := r.mutation(StepOffer, Amount{Currency: r.nativeCurrency, Value: "0"})
		m.InstanceID = minted.Ref
		return m
	},
}

// redeemUnlockStep releases the holder's collateral line once a burn is confirmed
var redeemUnlockStep = plannedStep{
	name:   StepUnlock,
	decide: always,
	mutation: func(r *sagaRun) Mutation {
		return r.mutation(StepUnlock, r.req.Asset.Ref(""))
	},
}

// planFor returns the ordered steps run after a verified event of kind
func planFor(kind IntentKind, asset AssetConfig) []plannedStep {
	switch {
	case kind == KindBurn:
		return []plannedStep{redeemUnlockStep}
	case asset.Kind == AssetNFT:
		return []plannedStep{authorizeStep, mintStep, offerStep}
	default:
		return []plannedStep{authorizeStep, issueStep, clawbackStep, lockStep, unlockStep}
	}
}
