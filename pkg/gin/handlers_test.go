package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	issuance "github.com/x402-foundation/issuance"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	mu        sync.Mutex
	lastKey   string
	created   []issuance.IntentParams
	createErr error
	statuses  map[string]*issuance.StatusResponse
	awaitErr  error
}

func (f *fakeService) CreateIntent(ctx context.Context, key string, params issuance.IntentParams) (*issuance.CreateIntentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.lastKey = key
	f.created = append(f.created, params)
	return &issuance.CreateIntentResponse{
		IntentID:   "intent-1",
		PayloadRef: issuance.PayloadRef{PayloadID: "payload-1", DeepLink: "https://wallet/sign/payload-1"},
		Status:     issuance.StatusAwaitingSignature,
	}, nil
}

func (f *fakeService) GetStatus(ctx context.Context, id string) (*issuance.StatusResponse, error) {
	st, ok := f.statuses[id]
	if !ok {
		return nil, issuance.ErrIntentNotFound
	}
	return st, nil
}

func (f *fakeService) AwaitStatus(ctx context.Context, id string) (*issuance.StatusResponse, error) {
	st, err := f.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return st, f.awaitErr
}

type countingObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (o *countingObserver) ObserveRequest(route string, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[route]++
}

func serve(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) issuance.IssuanceError {
	t.Helper()
	var body struct {
		Error issuance.IssuanceError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestCreateIntent(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, nil)

	w := serve(r, http.MethodPost, "/intents", `{"kind":"swap","asset":"TKN","amount":"1.5","account":"rPayer"}`,
		map[string]string{IdempotencyKeyHeader: "order-42", RequestIDHeader: "req-7"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-7", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "order-42", svc.lastKey)
	require.Len(t, svc.created, 1)
	assert.Equal(t, issuance.IntentParams{Kind: issuance.KindSwap, Asset: "TKN", Amount: "1.5", Account: "rPayer"}, svc.created[0])

	var resp issuance.CreateIntentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "intent-1", resp.IntentID)
	assert.Equal(t, "payload-1", resp.PayloadRef.PayloadID)
}

func TestCreateIntent_AssignsRequestID(t *testing.T) {
	r := NewRouter(&fakeService{}, nil)
	w := serve(r, http.MethodPost, "/intents", `{"kind":"mint","asset":"RCPT","amount":"10"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func TestCreateIntent_RejectsInvalidBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"kind":`},
		{"missing asset", `{"kind":"swap","amount":"1"}`},
		{"unknown kind", `{"kind":"lend","asset":"TKN"}`},
		{"numeric amount", `{"kind":"swap","asset":"TKN","amount":1}`},
		{"negative amount", `{"kind":"swap","asset":"TKN","amount":"-1"}`},
		{"unknown field", `{"kind":"swap","asset":"TKN","amount":"1","memo":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			w := serve(NewRouter(svc, nil), http.MethodPost, "/intents", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, issuance.ReasonInvalidParams, decodeError(t, w).Code)
			assert.Empty(t, svc.created)
		})
	}
}

func TestCreateIntent_BodyLimit(t *testing.T) {
	r := NewRouter(&fakeService{}, nil, WithMaxBodyBytes(16))
	w := serve(r, http.MethodPost, "/intents", `{"kind":"swap","asset":"TKN","amount":"1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateIntent_ServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
		want string
	}{
		{issuance.ErrUnknownAsset, http.StatusBadRequest, issuance.ReasonUnknownAsset},
		{issuance.ErrNoActiveIssuance, http.StatusConflict, issuance.ReasonNoActiveIssuance},
		{issuance.NewIssuanceError(issuance.ReasonWalletUnavailable, "down", nil), http.StatusBadGateway, issuance.ReasonWalletUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, issuance.ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			r := NewRouter(&fakeService{createErr: tt.err}, nil)
			w := serve(r, http.MethodPost, "/intents", `{"kind":"swap","asset":"TKN","amount":"1"}`, nil)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.want, decodeError(t, w).Code)
		})
	}
}

func TestGetStatus(t *testing.T) {
	svc := &fakeService{statuses: map[string]*issuance.StatusResponse{
		"intent-1": {IntentID: "intent-1", Phase: issuance.StatusCompleted, TxID: "TX1"},
	}}
	r := NewRouter(svc, nil)

	w := serve(r, http.MethodGet, "/intents/intent-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st issuance.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, issuance.StatusCompleted, st.Phase)
	assert.Equal(t, "TX1", st.TxID)

	w = serve(r, http.MethodGet, "/intents/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, issuance.ReasonIntentNotFound, decodeError(t, w).Code)
}

func TestAwaitStatus_PollTimeout(t *testing.T) {
	svc := &fakeService{
		statuses: map[string]*issuance.StatusResponse{
			"intent-1": {IntentID: "intent-1", Phase: issuance.StatusVerifying, Reason: issuance.ReasonSagaRunning},
		},
		awaitErr: issuance.NewIssuanceError(issuance.ReasonPollTimeout, "timeout", nil),
	}
	w := serve(NewRouter(svc, nil), http.MethodGet, "/intents/intent-1/await", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		Status issuance.StatusResponse `json:"status"`
		Error  issuance.IssuanceError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, issuance.StatusVerifying, body.Status.Phase)
	assert.Equal(t, issuance.ReasonPollTimeout, body.Error.Code)
}

func TestRouter_MetricsAndObserver(t *testing.T) {
	observer := &countingObserver{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})
	r := NewRouter(&fakeService{}, metrics, WithRequestObserver(observer))

	w := serve(r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, "metrics", w.Body.String())
	serve(r, http.MethodGet, "/intents/none", "", nil)
	serve(r, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, 1, observer.calls["/metrics"])
	assert.Equal(t, 1, observer.calls["/intents/:id"])
	assert.Equal(t, 1, observer.calls["/healthz"])
}

func TestRegister_UnderGroup(t *testing.T) {
	r := gin.New()
	Register(r.Group("/v1"), &fakeService{})

	w := serve(r, http.MethodPost, "/v1/intents", `{"kind":"swap","asset":"TKN","amount":"1"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
