// Package gin serves the intent API over gin.
package gin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	issuance "github.com/x402-foundation/issuance"
)

// IdempotencyKeyHeader carries the caller's intent key; without it the key
// is derived from the order parameters.
const IdempotencyKeyHeader = "Idempotency-Key"

// RequestIDHeader is echoed on every response
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

const defaultMaxBodyBytes = 64 << 10

// IntentService is the service surface the handlers call
type IntentService interface {
	CreateIntent(ctx context.Context, key string, params issuance.IntentParams) (*issuance.CreateIntentResponse, error)
	GetStatus(ctx context.Context, intentID string) (*issuance.StatusResponse, error)
	AwaitStatus(ctx context.Context, intentID string) (*issuance.StatusResponse, error)
}

// RequestObserver records served requests
type RequestObserver interface {
	ObserveRequest(route string, code int)
}

// HandlerOptions configures the routes
type HandlerOptions struct {
	Logger       *slog.Logger
	Observer     RequestObserver
	MaxBodyBytes int64
}

// Options is the type for the handler options
type Options func(*HandlerOptions)

// WithLogger sets the access and error logger
func WithLogger(logger *slog.Logger) Options {
	return func(o *HandlerOptions) {
		o.Logger = logger
	}
}

// WithRequestObserver counts every request by route and status
func WithRequestObserver(observer RequestObserver) Options {
	return func(o *HandlerOptions) {
		o.Observer = observer
	}
}

// WithMaxBodyBytes limits the create request body
func WithMaxBodyBytes(n int64) Options {
	return func(o *HandlerOptions) {
		o.MaxBodyBytes = n
	}
}

const createIntentSchemaJSON = `{
  "type": "object",
  "required": ["kind", "asset"],
  "properties": {
    "kind": {"type": "string", "enum": ["swap", "mint", "burn"]},
    "asset": {"type": "string", "minLength": 1},
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "account": {"type": "string"},
    "instanceId": {"type": "string"}
  },
  "additionalProperties": false
}`

var createIntentSchema = mustSchema(createIntentSchemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return schema
}

type handler struct {
	svc     IntentService
	options HandlerOptions
}

// NewRouter returns an engine with the intent routes, /healthz and, when
// metrics is non-nil, /metrics.
func NewRouter(svc IntentService, metrics http.Handler, opts ...Options) *gin.Engine {
	options := newOptions(opts)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(options))
	register(r, svc, options)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

// Register mounts the intent routes on r
func Register(r gin.IRouter, svc IntentService, opts ...Options) {
	register(r, svc, newOptions(opts))
}

func newOptions(opts []Options) HandlerOptions {
	options := HandlerOptions{
		Logger:       slog.Default(),
		MaxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func register(r gin.IRouter, svc IntentService, options HandlerOptions) {
	h := &handler{svc: svc, options: options}
	intents := r.Group("/intents", RequestID())
	intents.POST("", h.create)
	intents.GET("/:id", h.status)
	intents.GET("/:id/await", h.await)
}

// RequestID propagates the caller's X-Request-ID or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func accessLog(options HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if options.Observer != nil {
			options.Observer.ObserveRequest(c.FullPath(), status)
		}
		options.Logger.Debug("request served",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"request_id", c.GetString(requestIDKey),
		)
	}
}

func (h *handler) create(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.options.MaxBodyBytes+1))
	if err != nil {
		h.writeError(c, issuance.NewIssuanceError(issuance.ReasonInvalidParams, "failed to read request body", nil))
		return
	}
	if int64(len(body)) > h.options.MaxBodyBytes {
		h.writeError(c, issuance.NewIssuanceError(issuance.ReasonInvalidParams, "request body too large", nil))
		return
	}

	result, err := createIntentSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		h.writeError(c, issuance.NewIssuanceError(issuance.ReasonInvalidParams, "request body is not valid JSON", nil))
		return
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		h.writeError(c, issuance.NewIssuanceError(issuance.ReasonInvalidParams, "request body does not match the intent schema", map[string]interface{}{
			"errors": problems,
		}))
		return
	}

	var params issuance.IntentParams
	if err := json.Unmarshal(body, &params); err != nil {
		h.writeError(c, issuance.NewIssuanceError(issuance.ReasonInvalidParams, err.Error(), nil))
		return
	}

	resp, err := h.svc.CreateIntent(c.Request.Context(), strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)), params)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) status(c *gin.Context) {
	st, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// await holds the request open until the intent is terminal. A poll
// timeout answers 202 with the last observed status.
func (h *handler) await(c *gin.Context) {
	st, err := h.svc.AwaitStatus(c.Request.Context(), c.Param("id"))
	if err == nil {
		c.JSON(http.StatusOK, st)
		return
	}
	var ie *issuance.IssuanceError
	if errors.As(err, &ie) && ie.Code == issuance.ReasonPollTimeout && st != nil {
		c.JSON(http.StatusAccepted, gin.H{"status": st, "error": ie})
		return
	}
	h.writeError(c, err)
}

func (h *handler) writeError(c *gin.Context, err error) {
	var ie *issuance.IssuanceError
	if !errors.As(err, &ie) {
		h.options.Logger.Error("request failed",
			"route", c.FullPath(),
			"request_id", c.GetString(requestIDKey),
			"error", err,
		)
		ie = issuance.NewIssuanceError(issuance.ReasonInternal, "internal error", nil)
	}
	c.AbortWithStatusJSON(statusFor(ie.Code), gin.H{"error": ie})
}

func statusFor(code string) int {
	switch code {
	case issuance.ReasonIntentNotFound:
		return http.StatusNotFound
	case issuance.ReasonInvalidParams, issuance.ReasonUnknownAsset:
		return http.StatusBadRequest
	case issuance.ReasonNoActiveIssuance:
		return http.StatusConflict
	case issuance.ReasonWalletUnavailable, issuance.ReasonLedgerUnavailable:
		return http.StatusBadGateway
	case issuance.ReasonPollTimeout:
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}
