// Package xumm implements issuance.WalletPayloads over the Xumm platform API
package xumm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	issuance "github.com/x402-foundation/issuance"
)

// DefaultURL is the public platform API
const DefaultURL = "https://xumm.app/api/v1/platform"

// maxIdentifierLength is the longest custom identifier the platform accepts
const maxIdentifierLength = 40

// Config configures the client
type Config struct {
	URL       string
	APIKey    string
	APISecret string

	HTTPClient *http.Client
	Timeout    time.Duration // default 30s
}

// Client creates and polls sign requests
type Client struct {
	url        string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a client
func NewClient(cfg Config) *Client {
	base := cfg.URL
	if base == "" {
		base = DefaultURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		url:        base,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: httpClient,
	}
}

type createRequest struct {
	TxJSON     map[string]interface{} `json:"txjson"`
	Options    createOptions          `json:"options"`
	CustomMeta *customMeta            `json:"custom_meta,omitempty"`
}

type createOptions struct {
	Submit bool `json:"submit"`
	// Expire is in minutes
	Expire int `json:"expire,omitempty"`
}

type customMeta struct {
	Identifier string `json:"identifier,omitempty"`
}

type createResponse struct {
	UUID string `json:"uuid"`
	Next struct {
		Always string `json:"always"`
	} `json:"next"`
	Refs struct {
		QRPNG string `json:"qr_png"`
	} `json:"refs"`
}

type getResponse struct {
	Meta struct {
		Signed    bool `json:"signed"`
		Cancelled bool `json:"cancelled"`
		Expired   bool `json:"expired"`
	} `json:"meta"`
	Response struct {
		TxID    string `json:"txid"`
		Account string `json:"account"`
	} `json:"response"`
}

// Create asks the platform for a sign request. The wallet submits the
// signed transaction itself; the service only observes the result.
func (c *Client) Create(ctx context.Context, req issuance.PayloadRequest) (issuance.PayloadRef, error) {
	body := createRequest{
		TxJSON:  req.Transaction,
		Options: createOptions{Submit: true},
	}
	if req.ExpiresIn > 0 {
		body.Options.Expire = int(math.Ceil(req.ExpiresIn.Minutes()))
	}
	if req.IntentID != "" && len(req.IntentID) <= maxIdentifierLength {
		body.CustomMeta = &customMeta{Identifier: req.IntentID}
	}

	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/payload", body, &resp); err != nil {
		return issuance.PayloadRef{}, err
	}
	if resp.UUID == "" {
		return issuance.PayloadRef{}, fmt.Errorf("xumm: payload created without uuid")
	}
	return issuance.PayloadRef{
		PayloadID: resp.UUID,
		QRRef:     resp.Refs.QRPNG,
		DeepLink:  resp.Next.Always,
	}, nil
}

// Get returns the current status of a sign request
func (c *Client) Get(ctx context.Context, payloadID string) (issuance.PayloadStatus, error) {
	var resp getResponse
	if err := c.do(ctx, http.MethodGet, "/payload/"+url.PathEscape(payloadID), nil, &resp); err != nil {
		return issuance.PayloadStatus{}, err
	}
	return issuance.PayloadStatus{
		Signed:        resp.Meta.Signed,
		Cancelled:     resp.Meta.Cancelled,
		Expired:       resp.Meta.Expired,
		ResultAccount: resp.Response.Account,
		ResultTxID:    resp.Response.TxID,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode xumm request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create xumm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-API-Secret", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("xumm request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read xumm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("xumm %s %s failed (%d): %s", method, path, resp.StatusCode, string(responseBody))
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode xumm response: %w", err)
	}
	return nil
}

var _ issuance.WalletPayloads = (*Client)(nil)
