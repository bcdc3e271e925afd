// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// Team is the owning project for every ingested event. Token resolution maps
// an API token onto exactly one team; events carry the numeric ID from then on.
type Team struct {
	ID                      int64     `json:"id"`
	Name                    string    `json:"name"`
	APIToken                string    `json:"api_token"`
	AnonymizeIPs            bool      `json:"anonymize_ips"`
	IngestedEvent           bool      `json:"ingested_event"`
	ConversionBufferEnabled bool      `json:"conversion_buffer_enabled"`
	WebhookURL              string    `json:"webhook_url"`
	WebhookSecret           string    `json:"webhook_secret"`
	CreatedAt               time.Time `json:"created_at"`
}
