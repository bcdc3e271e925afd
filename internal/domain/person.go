// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Person is one identity record owned by the identity store. The pipeline
// reads it; all mutation goes through the person resolver.
type Person struct {
	ID                      int64                `json:"id"`
	UUID                    uuid.UUID            `json:"uuid"`
	TeamID                  int64                `json:"team_id"`
	Properties              map[string]any       `json:"properties"`
	PropertiesLastUpdatedAt map[string]time.Time `json:"properties_last_updated_at"`
	PropertiesLastOperation map[string]string    `json:"properties_last_operation"`
	IsUserID                bool                 `json:"is_user_id"`
	IsIdentified            bool                 `json:"is_identified"`
	CreatedAt               time.Time            `json:"created_at"`

	// Version guards concurrent property updates; every successful write
	// increments it.
	Version int64 `json:"version"`
}
