// Package webhook handles asynchronous notifications to registered webhook URLs
// when a fraud attempt is recorded.
//
// Notifications are sent in a goroutine so they never block the evaluation
// path. Failed deliveries are logged but not retried (a production system
// would use a persistent queue with exponential backoff).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"lumina/device-risk-api/internal/domain"
	"lumina/device-risk-api/internal/registry"
)

// Notifier sends webhook payloads to all registered, active endpoints.
type Notifier struct {
	registry *registry.Registry
	client   *http.Client
}

// New creates a Notifier with a sensible default HTTP client timeout.
func New(reg *registry.Registry) *Notifier {
	return &Notifier{
		registry: reg,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// NotifyAsync fires webhook calls in the background for the given attempt.
// It checks every active webhook and triggers those whose threshold is met.
func (n *Notifier) NotifyAsync(attempt *domain.FraudAttempt) {
	hooks := n.registry.ListActiveWebhooks()
	for _, wh := range hooks {
		if attempt.Score >= wh.Threshold {
			go n.send(wh, attempt)
		}
	}
}

// send delivers a single webhook call and logs the outcome.
func (n *Notifier) send(wh *domain.WebhookConfig, attempt *domain.FraudAttempt) {
	payload := domain.WebhookPayload{
		Event:       "fraud_attempt",
		TriggeredAt: time.Now().UTC(),
		Attempt:     *attempt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("webhook: failed to marshal payload", "webhook_id", wh.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook: failed to build request", "webhook_id", wh.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lumina-Event", "fraud_attempt")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("webhook: delivery failed", "webhook_id", wh.ID, "url", wh.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	slog.Info("webhook: delivered",
		"webhook_id", wh.ID,
		"url", wh.URL,
		"status", resp.StatusCode,
		"attempt_id", attempt.ID,
		"attempt_type", attempt.Type,
		"score", attempt.Score,
	)
}
