package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Redeem completes a verified burn. The signed burn alone is not trusted:
// the holder's inventory must no longer contain the instance before the
// single unlock side effect fires. Until then it returns a
// burn_not_confirmed error and nothing is submitted.
func (o *Orchestrator) Redeem(ctx context.Context, req SagaRequest, instanceID string) (*SagaOutcome, error) {
	outcome, _, err := GuardDo(ctx, o.guard, "saga/"+req.EventID, func(ctx context.Context) (*SagaOutcome, error) {
		if done, err := o.Outcome(ctx, req.EventID); err != nil || done != nil {
			return done, err
		}

		held, err := o.cfg.Ledger.Inventory(ctx, req.Holder)
		if err != nil {
			return nil, NewIssuanceError(ReasonLedgerUnavailable, err.Error(), nil)
		}
		for _, id := range held {
			if id == instanceID {
				o.logger.Info("burn not yet reflected in inventory",
					"event_id", req.EventID, "holder", req.Holder, "instance_id", instanceID)
				return nil, NewIssuanceError(ReasonBurnNotConfirmed, "instance still held", map[string]interface{}{
					"instanceId": instanceID,
				})
			}
		}

		o.recordBurn(ctx, req, instanceID)
		return o.execute(ctx, req)
	})
	return outcome, err
}

func (o *Orchestrator) recordBurn(ctx context.Context, req SagaRequest, instanceID string) {
	if o.cfg.Audit == nil || req.Tx == nil {
		return
	}
	_, err := o.cfg.Audit.InsertIfAbsent(ctx, AuditRecord{
		ID:         uuid.NewString(),
		ActionType: AuditBurnConfirmed,
		Parties:    []string{req.Holder},
		Asset:      instanceID,
		Value:      "1",
		TxID:       req.Tx.TxID,
		Source:     req.EventID,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		o.logger.Error("failed to append audit record", "event_id", req.EventID, "error", fmt.Errorf("burn confirmation: %w", err))
	}
}
