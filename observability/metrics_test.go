package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	issuance "github.com/x402-foundation/issuance"
)

func TestMetrics_StepOutcomes(t *testing.T) {
	m := New()

	step := func(name issuance.StepName, outcome issuance.StepOutcome) issuance.StepResultContext {
		return issuance.StepResultContext{
			StepContext: issuance.StepContext{Step: name},
			Outcome:     outcome,
			Duration:    50 * time.Millisecond,
		}
	}
	require.NoError(t, m.AfterStep(step(issuance.StepIssue, issuance.Ok("TX1"))))
	require.NoError(t, m.AfterStep(step(issuance.StepIssue, issuance.Fail("tecNO_LINE"))))
	require.NoError(t, m.AfterStep(step(issuance.StepLock, issuance.Skip(issuance.ReasonPolicyDisabled))))
	require.NoError(t, m.AfterStep(step(issuance.StepIssue, issuance.Unknown("validation not observed"))))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("issue", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("issue", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("lock", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("issue", "unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration), "skipped steps record no duration")
}

func TestMetrics_SagasAndSweeps(t *testing.T) {
	m := New()

	require.NoError(t, m.SagaComplete(issuance.SagaResultContext{
		Outcome:  &issuance.SagaOutcome{State: issuance.SagaCompleted},
		Duration: time.Second,
	}))
	require.NoError(t, m.SagaComplete(issuance.SagaResultContext{}))
	m.ObserveSweep(issuance.SweepReport{Intents: 3, Creations: 1})
	m.ObserveSweep(issuance.SweepReport{Intents: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagas.WithLabelValues("completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.swept.WithLabelValues("intents")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.swept.WithLabelValues("verification")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.swept.WithLabelValues("creations")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveRequest("/intents/:id", http.StatusOK)
	m.ObserveRequest("", http.StatusNotFound)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `issuer_http_requests_total{code="200",route="/intents/:id"} 1`)
	assert.Contains(t, string(body), `issuer_http_requests_total{code="404",route="unmatched"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
