// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/funnelline/ingest/internal/domain"
)

type configListFunc func(ctx context.Context, teamID int64) ([]domain.PluginConfig, error)

func (f configListFunc) ListPluginConfigs(ctx context.Context, teamID int64) ([]domain.PluginConfig, error) {
	return f(ctx, teamID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticConfigs(configs ...domain.PluginConfig) ConfigStore {
	return configListFunc(func(ctx context.Context, teamID int64) ([]domain.PluginConfig, error) {
		return configs, nil
	})
}

func TestProcessEventNoConfigsPassesThrough(t *testing.T) {
	r := NewRegistry(staticConfigs(), discardLogger())

	ev := domain.ResolvedEvent{Event: "$pageview", TeamID: 1, Properties: map[string]any{"a": 1}}
	got, err := r.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got == nil || got.Event != "$pageview" {
		t.Fatalf("expected event to pass through, got %v", got)
	}
}

func TestProcessEventDoesNotMutateInput(t *testing.T) {
	r := NewRegistry(staticConfigs(domain.PluginConfig{
		ID: 1, Kind: "property_filter",
		Config: map[string]any{"properties": []any{"email"}},
	}), discardLogger())

	ev := domain.ResolvedEvent{Event: "signup", TeamID: 1, Properties: map[string]any{"email": "a@b.c", "plan": "pro"}}
	got, err := r.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := got.Properties["email"]; ok {
		t.Fatal("expected email to be filtered")
	}
	if _, ok := ev.Properties["email"]; !ok {
		t.Fatal("input event was mutated")
	}
	if got.Properties["plan"] != "pro" {
		t.Fatalf("unrelated property lost: %v", got.Properties)
	}
}

func TestProcessEventAllowlistDrops(t *testing.T) {
	r := NewRegistry(staticConfigs(domain.PluginConfig{
		ID: 2, Kind: "event_allowlist",
		Config: map[string]any{"events": []any{"purchase"}},
	}), discardLogger())

	got, err := r.ProcessEvent(context.Background(), domain.ResolvedEvent{Event: "$pageview", TeamID: 1})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != nil {
		t.Fatalf("expected drop, got %v", got)
	}

	got, err = r.ProcessEvent(context.Background(), domain.ResolvedEvent{Event: "purchase", TeamID: 1})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got == nil {
		t.Fatal("expected allowlisted event to survive")
	}
}

func TestProcessEventRunsInOrder(t *testing.T) {
	r := NewRegistry(staticConfigs(
		domain.PluginConfig{ID: 1, Kind: "first", Order: 1},
		domain.PluginConfig{ID: 2, Kind: "second", Order: 2},
	), discardLogger())

	var order []string
	r.Register("first", func(_ context.Context, ev *domain.ResolvedEvent, _ map[string]any) (*domain.ResolvedEvent, error) {
		order = append(order, "first")
		return ev, nil
	})
	r.Register("second", func(_ context.Context, ev *domain.ResolvedEvent, _ map[string]any) (*domain.ResolvedEvent, error) {
		order = append(order, "second")
		return ev, nil
	})

	if _, err := r.ProcessEvent(context.Background(), domain.ResolvedEvent{Event: "x", TeamID: 1}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected run order: %v", order)
	}
}

func TestProcessEventSkipsUnknownKind(t *testing.T) {
	r := NewRegistry(staticConfigs(domain.PluginConfig{ID: 3, Kind: "not_installed"}), discardLogger())

	got, err := r.ProcessEvent(context.Background(), domain.ResolvedEvent{Event: "x", TeamID: 1})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got == nil {
		t.Fatal("unknown kinds must not drop events")
	}
}

func TestProcessEventPluginFailure(t *testing.T) {
	r := NewRegistry(staticConfigs(domain.PluginConfig{ID: 4, Kind: "boom"}), discardLogger())
	r.Register("boom", func(_ context.Context, _ *domain.ResolvedEvent, _ map[string]any) (*domain.ResolvedEvent, error) {
		return nil, errors.New("plugin exploded")
	})

	if _, err := r.ProcessEvent(context.Background(), domain.ResolvedEvent{Event: "x", TeamID: 1}); err == nil {
		t.Fatal("expected plugin failure to surface")
	}
}

func TestProcessEventConfigStoreFailure(t *testing.T) {
	store := configListFunc(func(ctx context.Context, teamID int64) ([]domain.PluginConfig, error) {
		return nil, errors.New("db down")
	})
	r := NewRegistry(store, discardLogger())

	if _, err := r.ProcessEvent(context.Background(), domain.ResolvedEvent{Event: "x", TeamID: 1}); err == nil {
		t.Fatal("expected store failure to surface")
	}
}

func TestOnEventRunsRegisteredHooks(t *testing.T) {
	r := NewRegistry(staticConfigs(
		domain.PluginConfig{ID: 1, Kind: "observer"},
		domain.PluginConfig{ID: 2, Kind: "property_filter"},
	), discardLogger())

	var seen []int64
	r.RegisterOnEvent("observer", func(_ context.Context, ev domain.PreparedEvent, _ map[string]any) error {
		seen = append(seen, ev.TeamID)
		return nil
	})

	if err := r.OnEvent(context.Background(), domain.PreparedEvent{Event: "x", TeamID: 5}); err != nil {
		t.Fatalf("on event: %v", err)
	}
	if len(seen) != 1 || seen[0] != 5 {
		t.Fatalf("expected one hook invocation for team 5, got %v", seen)
	}
}

func TestOnEventFailureAborts(t *testing.T) {
	r := NewRegistry(staticConfigs(
		domain.PluginConfig{ID: 1, Kind: "boom"},
		domain.PluginConfig{ID: 2, Kind: "after"},
	), discardLogger())

	r.RegisterOnEvent("boom", func(_ context.Context, _ domain.PreparedEvent, _ map[string]any) error {
		return errors.New("hook exploded")
	})
	ran := false
	r.RegisterOnEvent("after", func(_ context.Context, _ domain.PreparedEvent, _ map[string]any) error {
		ran = true
		return nil
	})

	if err := r.OnEvent(context.Background(), domain.PreparedEvent{Event: "x", TeamID: 1}); err == nil {
		t.Fatal("expected hook failure to surface")
	}
	if ran {
		t.Fatal("hooks after a failure must not run")
	}
}

func TestKinds(t *testing.T) {
	r := NewRegistry(staticConfigs(), discardLogger())
	kinds := r.Kinds()
	if len(kinds) != 3 {
		t.Fatalf("expected three builtin kinds, got %v", kinds)
	}
	if kinds[0] != "debug_export" || kinds[1] != "event_allowlist" || kinds[2] != "property_filter" {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}
