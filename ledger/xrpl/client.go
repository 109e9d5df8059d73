// Package xrpl implements the issuance Ledger over the rippled JSON-RPC API.
//
// The client keeps one shared http.Client (and so one keep-alive pool),
// throttles requests with a token bucket and retries transport failures,
// 5xx and 429 answers with exponential backoff. Every retried method is a
// read or an idempotent submit of an already signed blob.
package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Signer signs a prepared transaction on behalf of the issuing account and
// returns the hex encoded blob. Keys never reach this package.
type Signer interface {
	Sign(ctx context.Context, tx map[string]interface{}) (string, error)
}

// SignerFunc adapts a function to Signer
type SignerFunc func(ctx context.Context, tx map[string]interface{}) (string, error)

func (f SignerFunc) Sign(ctx context.Context, tx map[string]interface{}) (string, error) {
	return f(ctx, tx)
}

// Config configures the client
type Config struct {
	// URL is the JSON-RPC endpoint of a rippled or clio server
	URL string
	// Issuer is the issuing account every mutation is submitted from
	Issuer string
	Signer Signer

	// NativeCurrency names native amounts read from the ledger (default "XRP")
	NativeCurrency string
	// Fee in drops set on submitted transactions (default "12")
	Fee string

	HTTPClient *http.Client
	Timeout    time.Duration // default 30s

	// RequestsPerSecond and Burst bound the outgoing request rate (default 10/10)
	RequestsPerSecond float64
	Burst             int

	// MaxRetries bounds attempts per request (default 4)
	MaxRetries uint
	// RetryInitialInterval is the first backoff delay (default 250ms)
	RetryInitialInterval time.Duration

	// ValidationTimeout bounds how long Submit waits for a validated result (default 20s)
	ValidationTimeout time.Duration
	// ValidationPollInterval is the delay between validation checks (default 1s)
	ValidationPollInterval time.Duration

	Logger *slog.Logger
}

// Client is a rippled JSON-RPC client implementing issuance.Ledger
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a client
func NewClient(cfg Config) *Client {
	if cfg.NativeCurrency == "" {
		cfg.NativeCurrency = "XRP"
	}
	if cfg.Fee == "" {
		cfg.Fee = "12"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 250 * time.Millisecond
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 20 * time.Second
	}
	if cfg.ValidationPollInterval <= 0 {
		cfg.ValidationPollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
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
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     cfg.Logger,
	}
}

// RPCError is an error answered by the server inside a successful HTTP response
type RPCError struct {
	Code    string `json:"error"`
	Message string `json:"error_message"`
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rippled %s: %s", e.Code, e.Message)
	}
	return "rippled " + e.Code
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status string `json:"status"`
	RPCError
}

// errRetryable marks a failed attempt that may succeed when repeated
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

// call performs one JSON-RPC method and decodes its result into out
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []interface{}{params}})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval

	attempt := 0
	result, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		attempt++
		res, err := c.do(ctx, method, body)
		var retryable errRetryable
		if errors.As(err, &retryable) {
			c.logger.Debug("ledger request failed, retrying", "method", method, "attempt", attempt, "error", err)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxRetries))
	if err != nil {
		var retryable errRetryable
		if errors.As(err, &retryable) {
			err = retryable.err
		}
		return err
	}

	var status rpcStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return fmt.Errorf("failed to decode %s status: %w", method, err)
	}
	if status.Status == "error" || status.Code != "" {
		return &status.RPCError
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errRetryable{fmt.Errorf("%s request failed: %w", method, err)}
	}
	responseBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, errRetryable{fmt.Errorf("failed to read %s response: %w", method, err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errRetryable{fmt.Errorf("%s failed (%d): %s", method, resp.StatusCode, string(responseBody))}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s failed (%d): %s", method, resp.StatusCode, string(responseBody))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if len(envelope.Result) == 0 {
		return nil, fmt.Errorf("%s response has no result", method)
	}
	return envelope.Result, nil
}
