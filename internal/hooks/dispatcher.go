// SPDX-License-Identifier: Apache-2.0

// Package hooks delivers processed-event webhooks to team endpoints.
package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/funnelline/ingest/internal/domain"
)

const webhookHeaderSig = "X-Signature"

type eventWebhookPayload struct {
	EventUUID  uuid.UUID      `json:"event_uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	TeamID     int64          `json:"team_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Dispatcher posts one signed webhook per processed event. Delivery is a
// single attempt bounded by timeout; retry policy lives with the caller.
type Dispatcher struct {
	logger     *slog.Logger
	httpClient *http.Client
	timeout    time.Duration
}

func NewDispatcher(logger *slog.Logger, client *http.Client, timeout time.Duration) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{logger: logger, httpClient: client, timeout: timeout}
}

// DeliverEventWebhook posts ev to the team's webhook endpoint. Teams without
// a webhook URL are a no-op. A non-2xx response or transport failure is
// returned to the caller.
func (d *Dispatcher) DeliverEventWebhook(ctx context.Context, team domain.Team, ev domain.PreparedEvent) error {
	webhookURL := strings.TrimSpace(team.WebhookURL)
	if webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(eventWebhookPayload{
		EventUUID:  ev.UUID,
		Event:      ev.Event,
		DistinctID: ev.DistinctID,
		TeamID:     ev.TeamID,
		Timestamp:  ev.Timestamp,
		Properties: ev.Properties,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature := signWebhookPayload(team.WebhookSecret, body); signature != "" {
		req.Header.Set(webhookHeaderSig, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("webhook failure",
			"team_id", ev.TeamID,
			"event_uuid", ev.UUID,
			"error", err,
		)
		return fmt.Errorf("deliver webhook: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		d.logger.Warn("webhook failure",
			"team_id", ev.TeamID,
			"event_uuid", ev.UUID,
			"response_status", resp.StatusCode,
		)
		return fmt.Errorf("webhook response status %d", resp.StatusCode)
	}

	d.logger.Debug("webhook delivered",
		"team_id", ev.TeamID,
		"event_uuid", ev.UUID,
		"response_status", resp.StatusCode,
	)
	return nil
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
