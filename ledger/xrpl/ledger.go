package xrpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v5"

	issuance "github.com/x402-foundation/issuance"
)

// txResult is the subset of a `tx` result this package reads
type txResult struct {
	Hash            string          `json:"hash"`
	Validated       bool            `json:"validated"`
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	NFTokenID       string          `json:"NFTokenID"`
	Meta            json.RawMessage `json:"meta"`
}

type txMeta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
	NFTokenID         string          `json:"nftoken_id"`
	OfferID           string          `json:"offer_id"`
}

type issuedAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

// Transaction returns the ledger record for txid or issuance.ErrTxNotFound
func (c *Client) Transaction(ctx context.Context, txid string) (*issuance.VerifiedTransaction, error) {
	tx, meta, err := c.lookup(ctx, txid)
	if err != nil {
		return nil, err
	}

	vt := &issuance.VerifiedTransaction{
		TxID:        tx.Hash,
		Validated:   tx.Validated,
		ResultCode:  meta.TransactionResult,
		Kind:        issuance.TxKind(tx.TransactionType),
		Payer:       tx.Account,
		Destination: tx.Destination,
		InstanceID:  tx.NFTokenID,
	}
	if len(meta.DeliveredAmount) > 0 {
		if vt.Delivered, err = c.decodeAmount(meta.DeliveredAmount); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", txid, err)
		}
	}
	return vt, nil
}

func (c *Client) lookup(ctx context.Context, txid string) (*txResult, *txMeta, error) {
	var tx txResult
	err := c.call(ctx, "tx", map[string]interface{}{"transaction": txid, "binary": false}, &tx)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == "txnNotFound" {
		return nil, nil, issuance.ErrTxNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var meta txMeta
	// Unvalidated results may carry no metadata yet
	if len(tx.Meta) > 0 && tx.Meta[0] == '{' {
		if err := json.Unmarshal(tx.Meta, &meta); err != nil {
			return nil, nil, fmt.Errorf("failed to decode metadata of %s: %w", txid, err)
		}
	}
	return &tx, &meta, nil
}

func (c *Client) decodeAmount(raw json.RawMessage) (issuance.Amount, error) {
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		return issuance.Amount{Currency: c.cfg.NativeCurrency, Value: drops}, nil
	}
	var issued issuedAmount
	if err := json.Unmarshal(raw, &issued); err != nil {
		return issuance.Amount{}, fmt.Errorf("unrecognized amount %s", string(raw))
	}
	return issuance.Amount{Currency: decodeCurrency(issued.Currency), Issuer: issued.Issuer, Value: issued.Value}, nil
}

type accountLinesResult struct {
	Lines []struct {
		Account        string `json:"account"`
		Currency       string `json:"currency"`
		PeerAuthorized bool   `json:"peer_authorized"`
	} `json:"lines"`
	Marker json.RawMessage `json:"marker"`
}

// HolderAuthorized reports whether the issuer has authorized holder's line of asset
func (c *Client) HolderAuthorized(ctx context.Context, holder string, asset issuance.Amount) (bool, error) {
	params := map[string]interface{}{
		"account":      holder,
		"peer":         asset.Issuer,
		"ledger_index": "validated",
	}
	for {
		var res accountLinesResult
		if err := c.call(ctx, "account_lines", params, &res); err != nil {
			return false, err
		}
		for _, line := range res.Lines {
			if decodeCurrency(line.Currency) == asset.Currency && line.Account == asset.Issuer {
				return line.PeerAuthorized, nil
			}
		}
		if len(res.Marker) == 0 {
			return false, nil
		}
		params["marker"] = res.Marker
	}
}

type accountNFTsResult struct {
	NFTs []struct {
		NFTokenID string `json:"NFTokenID"`
	} `json:"account_nfts"`
	Marker json.RawMessage `json:"marker"`
}

// Inventory returns the NFToken ids held by holder in the last validated ledger
func (c *Client) Inventory(ctx context.Context, holder string) ([]string, error) {
	params := map[string]interface{}{
		"account":      holder,
		"ledger_index": "validated",
	}
	var ids []string
	for {
		var res accountNFTsResult
		if err := c.call(ctx, "account_nfts", params, &res); err != nil {
			return nil, err
		}
		for _, nft := range res.NFTs {
			ids = append(ids, nft.NFTokenID)
		}
		if len(res.Marker) == 0 {
			return ids, nil
		}
		params["marker"] = res.Marker
	}
}

type accountInfoResult struct {
	AccountData struct {
		Sequence uint32 `json:"Sequence"`
	} `json:"account_data"`
	LedgerCurrentIndex uint32 `json:"ledger_current_index"`
}

type submitResult struct {
	EngineResult string `json:"engine_result"`
	TxJSON       struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

// lastLedgerOffset bounds how many ledgers a submitted transaction may wait for inclusion
const lastLedgerOffset = 20

// Submit builds the transaction for m, signs it, submits it and waits for
// a validated result. When validation is not observed in time the result
// carries the txid and the error wraps issuance.ErrNotValidated.
func (c *Client) Submit(ctx context.Context, m issuance.Mutation) (issuance.SubmitResult, error) {
	if c.cfg.Signer == nil {
		return issuance.SubmitResult{}, errors.New("xrpl: no signer configured")
	}
	tx, err := buildTransaction(c.cfg.Issuer, m)
	if err != nil {
		return issuance.SubmitResult{}, err
	}

	var info accountInfoResult
	if err := c.call(ctx, "account_info", map[string]interface{}{"account": c.cfg.Issuer, "ledger_index": "current"}, &info); err != nil {
		return issuance.SubmitResult{}, fmt.Errorf("failed to read issuer sequence: %w", err)
	}
	tx["Sequence"] = info.AccountData.Sequence
	tx["Fee"] = c.cfg.Fee
	tx["LastLedgerSequence"] = info.LedgerCurrentIndex + lastLedgerOffset

	blob, err := c.cfg.Signer.Sign(ctx, tx)
	if err != nil {
		return issuance.SubmitResult{}, fmt.Errorf("failed to sign %s: %w", tx["TransactionType"], err)
	}

	var sub submitResult
	if err := c.call(ctx, "submit", map[string]interface{}{"tx_blob": blob}, &sub); err != nil {
		return issuance.SubmitResult{}, err
	}
	result := issuance.SubmitResult{TxID: sub.TxJSON.Hash, ResultCode: sub.EngineResult}
	logger := c.logger.With("event_id", m.EventID, "step", m.Step, "txid", result.TxID)

	// tem/tef/tel codes are never applied; only tes and ter can still validate
	if !strings.HasPrefix(sub.EngineResult, "tes") && !strings.HasPrefix(sub.EngineResult, "ter") {
		logger.Warn("submission rejected", "engine_result", sub.EngineResult)
		return result, nil
	}
	return c.awaitValidation(ctx, result)
}

// awaitValidation polls the submitted transaction until it is validated
func (c *Client) awaitValidation(ctx context.Context, result issuance.SubmitResult) (issuance.SubmitResult, error) {
	validated, err := backoff.Retry(ctx, func() (issuance.SubmitResult, error) {
		tx, meta, err := c.lookup(ctx, result.TxID)
		if err != nil {
			if errors.Is(err, issuance.ErrTxNotFound) {
				return result, err
			}
			return result, backoff.Permanent(err)
		}
		if !tx.Validated {
			return result, errAwaiting
		}
		out := result
		out.Validated = true
		out.ResultCode = meta.TransactionResult
		out.Created = meta.NFTokenID
		if meta.OfferID != "" {
			out.Created = meta.OfferID
		}
		return out, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.ValidationPollInterval)),
		backoff.WithMaxElapsedTime(c.cfg.ValidationTimeout),
	)
	if err != nil {
		c.logger.Warn("validation not observed", "txid", result.TxID, "error", err)
		return result, fmt.Errorf("transaction %s: %w: %w", result.TxID, issuance.ErrNotValidated, err)
	}
	return validated, nil
}

var errAwaiting = errors.New("awaiting validation")

var _ issuance.Ledger = (*Client)(nil)
