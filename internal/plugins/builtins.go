// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/funnelline/ingest/internal/domain"
)

// propertyFilter removes the configured property keys from the event.
// Config: {"properties": ["$ip", "email", ...]}.
func propertyFilter(_ context.Context, ev *domain.ResolvedEvent, cfg map[string]any) (*domain.ResolvedEvent, error) {
	if ev.Properties == nil {
		return ev, nil
	}
	for _, key := range stringSlice(cfg["properties"]) {
		delete(ev.Properties, key)
	}
	return ev, nil
}

// eventAllowlist drops every event whose name is not in the configured
// list. Config: {"events": ["$pageview", "purchase", ...]}. An empty list
// lets everything through.
func eventAllowlist(_ context.Context, ev *domain.ResolvedEvent, cfg map[string]any) (*domain.ResolvedEvent, error) {
	allowed := stringSlice(cfg["events"])
	if len(allowed) == 0 {
		return ev, nil
	}
	for _, name := range allowed {
		if ev.Event == name {
			return ev, nil
		}
	}
	return nil, nil
}

// debugExport logs the full event at debug level. Meant for development
// teams inspecting their stream.
func debugExport(logger *slog.Logger) Func {
	return func(_ context.Context, ev *domain.ResolvedEvent, _ map[string]any) (*domain.ResolvedEvent, error) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		logger.Debug("debug export", "team_id", ev.TeamID, "event", string(payload))
		return ev, nil
	}
}

// debugExportOnEvent logs the created event once it is durable.
func debugExportOnEvent(logger *slog.Logger) OnEventFunc {
	return func(_ context.Context, ev domain.PreparedEvent, _ map[string]any) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		logger.Debug("debug export on_event", "team_id", ev.TeamID, "event", string(payload))
		return nil
	}
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
