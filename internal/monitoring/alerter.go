package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSnapshotStale   AlertType = "snapshot_stale"
	AlertIngestFailure   AlertType = "ingest_failure"
	AlertEstimatedRate   AlertType = "estimated_rate"
	AlertKeysQuarantined AlertType = "keys_quarantined"
	AlertBreakerOpen     AlertType = "breaker_open"
)

// Severity levels.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// minRunsForRate is the sample size below which the estimated share is noise.
const minRunsForRate = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// webhookPayload is accepted by Discord webhooks; other receivers can read
// the embedded alert.
type webhookPayload struct {
	Content string `json:"content"`
	Alert   Alert  `json:"alert"`
}

// rule inspects a snapshot and returns the alerts it raises.
type rule func(cfg config.MonitoringConfig, snap *StatusSnapshot) []Alert

var rules = []rule{
	staleSnapshotRule,
	ingestFailureRule,
	estimatedRateRule,
	quarantinedKeysRule,
	breakerOpenRule,
}

// Alerter turns status snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	nowFunc func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		nowFunc: time.Now,
	}
}

// Evaluate runs every rule against snap. Alerts come back in rule order.
func (a *Alerter) Evaluate(snap *StatusSnapshot) []Alert {
	now := a.nowFunc().UTC()
	var alerts []Alert
	for _, r := range rules {
		for _, alert := range r(a.cfg, snap) {
			alert.Timestamp = now
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// A negative age means some dataset never loaded.
func staleSnapshotRule(cfg config.MonitoringConfig, snap *StatusSnapshot) []Alert {
	limit := cfg.StaleSnapshotHours
	if limit <= 0 {
		return nil
	}
	var msg string
	switch {
	case snap.SnapshotAgeHours < 0:
		msg = fmt.Sprintf("Snapshot incomplete: %d of 4 datasets loaded", len(snap.LastIngest))
	case snap.SnapshotAgeHours > float64(limit):
		msg = fmt.Sprintf("Snapshot is %.1fh old (threshold %dh)", snap.SnapshotAgeHours, limit)
	default:
		return nil
	}
	return []Alert{{
		Type:     AlertSnapshotStale,
		Severity: SeverityHigh,
		Message:  msg,
		Details: map[string]any{
			"age_hours":       snap.SnapshotAgeHours,
			"threshold_hours": limit,
			"datasets":        len(snap.LastIngest),
		},
	}}
}

func ingestFailureRule(_ config.MonitoringConfig, snap *StatusSnapshot) []Alert {
	if snap.IngestFailed == 0 {
		return nil
	}
	return []Alert{{
		Type:     AlertIngestFailure,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("%d snapshot dataset ingest(s) failed in last %dh", snap.IngestFailed, snap.LookbackHours),
		Details:  map[string]any{"failed": snap.IngestFailed, "complete": snap.IngestComplete},
	}}
}

func estimatedRateRule(cfg config.MonitoringConfig, snap *StatusSnapshot) []Alert {
	limit := cfg.EstimatedRateAlert
	if limit <= 0 || snap.RunsTotal < minRunsForRate || snap.EstimatedRate <= limit {
		return nil
	}
	return []Alert{{
		Type:     AlertEstimatedRate,
		Severity: SeverityMedium,
		Message: fmt.Sprintf("%.1f%% of raid candidates were estimated in last %dh (threshold %.1f%%)",
			snap.EstimatedRate*100, snap.LookbackHours, limit*100),
		Details: map[string]any{"estimated_rate": snap.EstimatedRate, "threshold": limit, "runs": snap.RunsTotal},
	}}
}

func quarantinedKeysRule(cfg config.MonitoringConfig, snap *StatusSnapshot) []Alert {
	if cfg.QuarantinedKeysAlert <= 0 || snap.KeysTotal == 0 {
		return nil
	}
	if float64(snap.KeysQuarantined)/float64(snap.KeysTotal) < cfg.QuarantinedKeysAlert {
		return nil
	}
	return []Alert{{
		Type:     AlertKeysQuarantined,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("%d of %d API keys are quarantined", snap.KeysQuarantined, snap.KeysTotal),
		Details:  map[string]any{"quarantined": snap.KeysQuarantined, "total": snap.KeysTotal},
	}}
}

func breakerOpenRule(_ config.MonitoringConfig, snap *StatusSnapshot) []Alert {
	var open []string
	for kind, state := range snap.Breakers {
		if state == "open" {
			open = append(open, kind)
		}
	}
	sort.Strings(open)

	alerts := make([]Alert, 0, len(open))
	for _, kind := range open {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("Circuit breaker for %s queries is open", kind),
			Details:  map[string]any{"kind": kind},
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	log := zap.L().With(zap.String("component", "monitoring.alerter"))

	sent := 0
	for _, alert := range alerts {
		if err := a.post(ctx, alert); err != nil {
			log.Error("send alert", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		log.Info("alert sent", zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Content: fmt.Sprintf("[%s] %s", alert.Severity, alert.Message),
		Alert:   alert,
	})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
