package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	issuance "github.com/x402-foundation/issuance"
)

type fakeService struct {
	key    string
	params issuance.IntentParams
}

func (f *fakeService) CreateIntent(ctx context.Context, key string, params issuance.IntentParams) (*issuance.CreateIntentResponse, error) {
	if params.Asset == "NOPE" {
		return nil, issuance.ErrUnknownAsset
	}
	f.key, f.params = key, params
	return &issuance.CreateIntentResponse{
		IntentID:   "intent-1",
		PayloadRef: issuance.PayloadRef{PayloadID: "payload-1"},
		Status:     issuance.StatusAwaitingSignature,
	}, nil
}

func (f *fakeService) GetStatus(ctx context.Context, id string) (*issuance.StatusResponse, error) {
	if id != "intent-1" {
		return nil, issuance.ErrIntentNotFound
	}
	return &issuance.StatusResponse{IntentID: id, Phase: issuance.StatusVerifying, Reason: issuance.ReasonNotValidatedYet}, nil
}

func connect(t *testing.T, svc IntentService) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()

	serverSession, err := NewServer(svc, nil).Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func textOf(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestTools_Listed(t *testing.T) {
	session := connect(t, &fakeService{})
	result, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolCreateIntent, ToolGetIntentStatus}, names)
}

func TestCreateIntentTool(t *testing.T) {
	svc := &fakeService{}
	session := connect(t, svc)

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name: ToolCreateIntent,
		Arguments: map[string]interface{}{
			"kind":           "swap",
			"asset":          "TKN",
			"amount":         "2",
			"idempotencyKey": "order-9",
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, textOf(t, result))

	var resp issuance.CreateIntentResponse
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &resp))
	assert.Equal(t, "intent-1", resp.IntentID)
	assert.Equal(t, "order-9", svc.key)
	assert.Equal(t, issuance.IntentParams{Kind: issuance.KindSwap, Asset: "TKN", Amount: "2"}, svc.params)
}

func TestCreateIntentTool_ReportsReasonCode(t *testing.T) {
	session := connect(t, &fakeService{})
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      ToolCreateIntent,
		Arguments: map[string]interface{}{"kind": "swap", "asset": "NOPE", "amount": "1"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), `"code":"unknown_asset"`)
}

func TestGetIntentStatusTool(t *testing.T) {
	session := connect(t, &fakeService{})

	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      ToolGetIntentStatus,
		Arguments: map[string]interface{}{"intentId": "intent-1"},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	var st issuance.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &st))
	assert.Equal(t, issuance.StatusVerifying, st.Phase)
	assert.Equal(t, issuance.ReasonNotValidatedYet, st.Reason)

	result, err = session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      ToolGetIntentStatus,
		Arguments: map[string]interface{}{"intentId": "other"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), issuance.ReasonIntentNotFound)
}
