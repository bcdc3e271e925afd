// SPDX-License-Identifier: Apache-2.0

// Package deadletter defines the payload published for events that fail
// mid-pipeline before durable creation.
package deadletter

import (
	"time"

	"github.com/google/uuid"

	"github.com/funnelline/ingest/internal/domain"
)

// Message wraps the original raw event together with failure attribution.
// The event is kept as submitted so the queue consumer can re-inject it from
// the start of the pipeline.
type Message struct {
	ID         uuid.UUID          `json:"id"`
	Event      domain.IngestEvent `json:"event"`
	FailedStep string             `json:"failed_step"`
	Error      string             `json:"error"`
	FailedAt   time.Time          `json:"failed_at"`
}

// NewMessage builds the dead letter payload for an event that failed in
// failedStep with cause.
func NewMessage(original domain.IngestEvent, failedStep string, cause error) Message {
	msg := Message{
		ID:         uuid.New(),
		Event:      original,
		FailedStep: failedStep,
		FailedAt:   time.Now().UTC(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return msg
}
