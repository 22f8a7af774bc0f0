package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/config"
	"github.com/sells-group/rxclaims/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErrorRate  AlertType = "claim_error_rate"
	AlertDenialRate AlertType = "claim_denial_rate"
	AlertDLQDepth   AlertType = "dlq_depth"
)

// minClaimsForRate keeps a handful of claims from tripping the rate alerts.
const minClaimsForRate = 20

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("monitoring.webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.ErrorRateThreshold > 0 && snap.ClaimsTotal >= minClaimsForRate && snap.ErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Claim error rate %.1f%% exceeds threshold %.1f%% (%d errors / %d claims in last %dh)",
				snap.ErrorRate*100, a.cfg.ErrorRateThreshold*100,
				snap.ClaimsError, snap.ClaimsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.ErrorRate,
				"threshold":  a.cfg.ErrorRateThreshold,
				"errors":     snap.ClaimsError,
				"total":      snap.ClaimsTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DenialRateThreshold > 0 && snap.ClaimsTotal >= minClaimsForRate && snap.DenialRate > a.cfg.DenialRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDenialRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Claim denial rate %.1f%% exceeds threshold %.1f%% (%d denied in last %dh)",
				snap.DenialRate*100, a.cfg.DenialRateThreshold*100,
				snap.ClaimsDenied, snap.LookbackHours,
			),
			Details: map[string]any{
				"denial_rate": snap.DenialRate,
				"threshold":   a.cfg.DenialRateThreshold,
				"denied":      snap.ClaimsDenied,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth > a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d claim results waiting in the dead letter queue (threshold %d)",
				snap.DLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"dlq_depth": snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(
			eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
