// Package mcp exposes intent creation and status as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	issuance "github.com/x402-foundation/issuance"
)

// Tool names
const (
	ToolCreateIntent    = "create_intent"
	ToolGetIntentStatus = "get_intent_status"
)

// IntentService is the service surface the tools call
type IntentService interface {
	CreateIntent(ctx context.Context, key string, params issuance.IntentParams) (*issuance.CreateIntentResponse, error)
	GetStatus(ctx context.Context, intentID string) (*issuance.StatusResponse, error)
}

// Implementation is announced to connecting clients
var Implementation = &mcpsdk.Implementation{
	Name:    "issuer",
	Version: "1.0.0",
}

var createIntentSchema = json.RawMessage(`{
  "type": "object",
  "required": ["kind", "asset"],
  "properties": {
    "kind": {"type": "string", "enum": ["swap", "mint", "burn"], "description": "swap pays native currency for the fungible asset, mint pays for a receipt token, burn redeems a held token"},
    "asset": {"type": "string", "description": "configured asset code"},
    "amount": {"type": "string", "description": "native payment amount in whole units (swap, mint)"},
    "account": {"type": "string", "description": "account that will sign; required for burn"},
    "instanceId": {"type": "string", "description": "token to burn"},
    "idempotencyKey": {"type": "string", "description": "returns the existing intent when reused"}
  }
}`)

var getStatusSchema = json.RawMessage(`{
  "type": "object",
  "required": ["intentId"],
  "properties": {
    "intentId": {"type": "string"}
  }
}`)

type createIntentArgs struct {
	issuance.IntentParams
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type getStatusArgs struct {
	IntentID string `json:"intentId"`
}

// NewServer returns an MCP server with the intent tools registered
func NewServer(svc IntentService, logger *slog.Logger) *mcpsdk.Server {
	if logger == nil {
		logger = slog.Default()
	}
	t := &tools{svc: svc, logger: logger}

	server := mcpsdk.NewServer(Implementation, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolCreateIntent,
		Description: "Create a payment intent and return the wallet sign request for it.",
		InputSchema: createIntentSchema,
	}, t.createIntent)
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolGetIntentStatus,
		Description: "Report the phase of an intent, advancing it as far as the wallet and ledger allow.",
		InputSchema: getStatusSchema,
	}, t.getStatus)
	return server
}

// NewHandler serves server over the SSE transport
func NewHandler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, &mcpsdk.SSEOptions{})
}

type tools struct {
	svc    IntentService
	logger *slog.Logger
}

func (t *tools) createIntent(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args createIntentArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	resp, err := t.svc.CreateIntent(ctx, strings.TrimSpace(args.IdempotencyKey), args.IntentParams)
	if err != nil {
		t.logger.Info("create_intent failed", "reason", issuance.ReasonOf(err), "error", err)
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

func (t *tools) getStatus(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args getStatusArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	if args.IntentID == "" {
		return errorResult(issuance.NewIssuanceError(issuance.ReasonInvalidParams, "intentId is required", nil)), nil
	}
	st, err := t.svc.GetStatus(ctx, args.IntentID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(st)
}

func decodeArgs(req *mcpsdk.CallToolRequest, out interface{}) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, out); err != nil {
		return issuance.NewIssuanceError(issuance.ReasonInvalidParams, fmt.Sprintf("failed to unmarshal arguments: %v", err), nil)
	}
	return nil
}

func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil
}

// errorResult reports failures in-band so the model can read the reason code
func errorResult(err error) *mcpsdk.CallToolResult {
	var ie *issuance.IssuanceError
	if !errors.As(err, &ie) {
		ie = issuance.NewIssuanceError(issuance.ReasonInternal, err.Error(), nil)
	}
	data, _ := json.Marshal(map[string]interface{}{"error": ie})
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}
