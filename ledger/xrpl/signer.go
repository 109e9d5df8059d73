package xrpl

import (
	"context"
	"errors"
	"fmt"
)

// ServerSigner signs through a server's sign method. The secret travels with
// every request, so the URL must point at a server the issuer operates.
type ServerSigner struct {
	client *Client
	secret string
}

// NewServerSigner creates a signer calling the sign method at cfg.URL.
// cfg.Signer is ignored.
func NewServerSigner(cfg Config, secret string) (*ServerSigner, error) {
	if secret == "" {
		return nil, errors.New("xrpl: signing secret is empty")
	}
	cfg.Signer = nil
	return &ServerSigner{client: NewClient(cfg), secret: secret}, nil
}

type signResult struct {
	TxBlob string `json:"tx_blob"`
}

// Sign returns the signed blob for tx. Sequence and fee are already filled
// in by Submit, so the server signs offline.
func (s *ServerSigner) Sign(ctx context.Context, tx map[string]interface{}) (string, error) {
	var res signResult
	err := s.client.call(ctx, "sign", map[string]interface{}{
		"tx_json": tx,
		"secret":  s.secret,
		"offline": true,
	}, &res)
	if err != nil {
		return "", err
	}
	if res.TxBlob == "" {
		return "", fmt.Errorf("sign returned no blob for %v", tx["TransactionType"])
	}
	return res.TxBlob, nil
}

var _ Signer = (*ServerSigner)(nil)
