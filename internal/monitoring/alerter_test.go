package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rxclaims/internal/config"
	"github.com/sells-group/rxclaims/internal/resilience"
)

var defaultThresholds = config.MonitoringConfig{
	ErrorRateThreshold:  0.05,
	DenialRateThreshold: 0.5,
	DLQDepthThreshold:   100,
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(defaultThresholds)

	snap := &MetricsSnapshot{
		ClaimsTotal:   100,
		ClaimsError:   2,
		ErrorRate:     0.02,
		ClaimsDenied:  20,
		DenialRate:    0.2,
		DLQDepth:      5,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_ErrorRate(t *testing.T) {
	a := NewAlerter(defaultThresholds)

	snap := &MetricsSnapshot{
		ClaimsTotal:   50,
		ClaimsError:   10,
		ErrorRate:     0.2,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertErrorRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "20.0%")
}

func TestAlerter_Evaluate_RateNeedsMinimumVolume(t *testing.T) {
	a := NewAlerter(defaultThresholds)

	snap := &MetricsSnapshot{
		ClaimsTotal:  3,
		ClaimsError:  3,
		ErrorRate:    1,
		ClaimsDenied: 0,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DenialRate(t *testing.T) {
	a := NewAlerter(defaultThresholds)

	snap := &MetricsSnapshot{
		ClaimsTotal:   40,
		ClaimsDenied:  30,
		DenialRate:    0.75,
		LookbackHours: 12,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDenialRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "30 denied in last 12h")
}

func TestAlerter_Evaluate_DLQDepth(t *testing.T) {
	a := NewAlerter(defaultThresholds)

	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 101})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "101 claim results")
}

func TestAlerter_Evaluate_All(t *testing.T) {
	a := NewAlerter(defaultThresholds)

	snap := &MetricsSnapshot{
		ClaimsTotal:  100,
		ClaimsError:  10,
		ErrorRate:    0.1,
		ClaimsDenied: 80,
		DenialRate:   0.89,
		DLQDepth:     500,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertErrorRate, alerts[0].Type)
	assert.Equal(t, AlertDenialRate, alerts[1].Type)
	assert.Equal(t, AlertDLQDepth, alerts[2].Type)
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		ClaimsTotal: 100,
		ErrorRate:   0.9,
		DenialRate:  0.9,
		DLQDepth:    9999,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Success(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertErrorRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertDLQDepth, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: ""})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertErrorRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth, Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertErrorRate, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}
