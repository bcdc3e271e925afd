// SPDX-License-Identifier: Apache-2.0

// Package plugins runs per-team event transformations. A team enables
// plugin configs (kind + settings, ordered); the registry resolves each
// kind to a registered transform and applies them in sequence. A transform
// may rewrite the event or drop it outright.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/funnelline/ingest/internal/domain"
)

// Func is one transform. It may mutate the event it is given and return it,
// return nil to drop the event, or fail.
type Func func(ctx context.Context, ev *domain.ResolvedEvent, cfg map[string]any) (*domain.ResolvedEvent, error)

// OnEventFunc observes a durably created event. It runs after creation and
// can neither modify nor drop it.
type OnEventFunc func(ctx context.Context, ev domain.PreparedEvent, cfg map[string]any) error

// ConfigStore lists the enabled plugin configs for a team in run order.
type ConfigStore interface {
	ListPluginConfigs(ctx context.Context, teamID int64) ([]domain.PluginConfig, error)
}

type Registry struct {
	logger  *slog.Logger
	store   ConfigStore
	kinds   map[string]Func
	onEvent map[string]OnEventFunc
}

// NewRegistry returns a registry with the builtin transforms installed.
func NewRegistry(store ConfigStore, logger *slog.Logger) *Registry {
	r := &Registry{
		logger:  logger,
		store:   store,
		kinds:   map[string]Func{},
		onEvent: map[string]OnEventFunc{},
	}
	r.Register("property_filter", propertyFilter)
	r.Register("event_allowlist", eventAllowlist)
	r.Register("debug_export", debugExport(logger))
	r.RegisterOnEvent("debug_export", debugExportOnEvent(logger))
	return r
}

func (r *Registry) Register(kind string, fn Func) {
	r.kinds[kind] = fn
}

func (r *Registry) RegisterOnEvent(kind string, fn OnEventFunc) {
	r.onEvent[kind] = fn
}

// Kinds returns the registered transform kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ProcessEvent applies the team's enabled transforms in order. A nil event
// with nil error means a transform dropped the event.
func (r *Registry) ProcessEvent(ctx context.Context, ev domain.ResolvedEvent) (*domain.ResolvedEvent, error) {
	configs, err := r.store.ListPluginConfigs(ctx, ev.TeamID)
	if err != nil {
		return nil, fmt.Errorf("list plugin configs: %w", err)
	}

	current := &ev
	current.Properties = cloneProperties(ev.Properties)

	for _, cfg := range configs {
		fn, ok := r.kinds[cfg.Kind]
		if !ok {
			r.logger.Warn("skipping unknown plugin kind", "kind", cfg.Kind, "team_id", ev.TeamID, "plugin_config_id", cfg.ID)
			continue
		}

		next, err := fn(ctx, current, cfg.Config)
		if err != nil {
			return nil, fmt.Errorf("plugin %s (config %d): %w", cfg.Kind, cfg.ID, err)
		}
		if next == nil {
			r.logger.Debug("event dropped by plugin", "kind", cfg.Kind, "team_id", ev.TeamID, "event_uuid", ev.UUID)
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// OnEvent runs the team's post-creation hooks in config order. The first
// failing hook aborts the rest.
func (r *Registry) OnEvent(ctx context.Context, ev domain.PreparedEvent) error {
	configs, err := r.store.ListPluginConfigs(ctx, ev.TeamID)
	if err != nil {
		return fmt.Errorf("list plugin configs: %w", err)
	}

	for _, cfg := range configs {
		fn, ok := r.onEvent[cfg.Kind]
		if !ok {
			continue
		}
		if err := fn(ctx, ev, cfg.Config); err != nil {
			return fmt.Errorf("plugin %s (config %d) on_event: %w", cfg.Kind, cfg.ID, err)
		}
	}
	return nil
}

func cloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	clone := make(map[string]any, len(props))
	for k, v := range props {
		clone[k] = v
	}
	return clone
}
