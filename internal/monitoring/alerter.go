package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertProjectFailureRate AlertType = "project_failure_rate"
	AlertProbeErrorRate     AlertType = "probe_error_rate"
	AlertCostOverrun        AlertType = "cost_overrun"
	AlertStalledProject     AlertType = "stalled_project"
)

// Minimum sample sizes before a rate alert fires.
const (
	minFinishedProjects = 5
	minValidated        = 20
)

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
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.ProjectsCompleted + snap.ProjectsFailed
	if finished >= minFinishedProjects && a.cfg.FailureRateThreshold > 0 && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertProjectFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Project failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.ProjectsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.ProjectsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.KeywordsValidated >= minValidated && a.cfg.ProbeErrorRateThreshold > 0 && snap.ProbeErrorRate > a.cfg.ProbeErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertProbeErrorRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Probe error rate %.1f%% exceeds threshold %.1f%% (%d of %d keywords in last %dh)",
				snap.ProbeErrorRate*100, a.cfg.ProbeErrorRateThreshold*100,
				snap.ProbeErrors, snap.KeywordsValidated, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.ProbeErrorRate,
				"threshold":  a.cfg.ProbeErrorRateThreshold,
				"errors":     snap.ProbeErrors,
				"validated":  snap.KeywordsValidated,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.ProbeCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Probe cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.ProbeCostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":       snap.ProbeCostUSD,
				"threshold_usd":  a.cfg.CostThresholdUSD,
				"projects_total": snap.ProjectsTotal,
			},
			Timestamp: now,
		})
	}

	if len(snap.Stalled) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStalledProject,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d running project(s) without progress for over %d minutes: %s",
				len(snap.Stalled), a.cfg.StallMinutes, strings.Join(snap.Stalled, ", "),
			),
			Details: map[string]any{
				"project_ids":   snap.Stalled,
				"stall_minutes": a.cfg.StallMinutes,
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
		if err := a.sendWebhook(ctx, alert); err != nil {
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

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
