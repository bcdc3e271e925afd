// SPDX-License-Identifier: Apache-2.0

package domain

// PluginConfig is one enabled transformation for a team. Kind selects the
// registered plugin implementation; Config carries its per-team settings.
// Plugins run in ascending Order.
type PluginConfig struct {
	ID     int64          `json:"id"`
	TeamID int64          `json:"team_id"`
	Kind   string         `json:"kind"`
	Order  int            `json:"order"`
	Config map[string]any `json:"config"`
}
