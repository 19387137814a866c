package app

import (
	"context"
	"testing"
	"time"

	pipeline "github.com/flowmesh/llmgateway/internal"
)

func TestResolveModel_MultiTarget(t *testing.T) {
	t.Parallel()

	routes := map[string]pipeline.RouteMetadata{
		"gpt-4o": {
			PipelineID: "gpt-4o",
			Pool: []pipeline.RouteTarget{
				{ProviderKey: "anthropic", Model: "claude-sonnet-4-6", Priority: 2},
				{ProviderKey: "openai", Model: "gpt-4o", Priority: 1},
			},
		},
	}

	rs := NewRouterService(routes, nil)
	targets, err := rs.ResolveModel(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("ResolveModel: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets, want 2", len(targets))
	}
	// Sorted by priority: openai (1) before anthropic (2).
	if targets[0].ProviderID != "openai" {
		t.Errorf("targets[0].ProviderID = %q, want openai", targets[0].ProviderID)
	}
	if targets[1].ProviderID != "anthropic" {
		t.Errorf("targets[1].ProviderID = %q, want anthropic", targets[1].ProviderID)
	}
}

func TestResolveModel_NoRoute(t *testing.T) {
	t.Parallel()

	rs := NewRouterService(map[string]pipeline.RouteMetadata{}, nil)

	_, err := rs.ResolveModel(context.Background(), "unknown-model")
	if err == nil {
		t.Fatal("expected error for unrouted model")
	}
}

func TestResolveModel_EmptyTargets(t *testing.T) {
	t.Parallel()

	routes := map[string]pipeline.RouteMetadata{
		"empty": {PipelineID: "empty", Pool: nil},
	}
	rs := NewRouterService(routes, nil)
	_, err := rs.ResolveModel(context.Background(), "empty")
	if err == nil {
		t.Fatal("expected error for empty targets")
	}
}

func TestResolveModel_SeriesCooldownSkipsTarget(t *testing.T) {
	t.Parallel()

	routes := map[string]pipeline.RouteMetadata{
		"claude-3": {
			PipelineID: "claude-3",
			Pool: []pipeline.RouteTarget{
				{ProviderKey: "anthropic-primary", Model: "claude-3-opus", Priority: 1},
				{ProviderKey: "anthropic-backup", Model: "claude-3-opus", Priority: 2},
			},
		},
	}
	cooldowns := NewCooldownRegistry()
	cooldowns.Set(pipeline.SeriesCooldownDetail{
		ProviderKey: "anthropic-primary",
		Series:      "claude",
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	rs := NewRouterService(routes, cooldowns)
	targets, err := rs.ResolveModel(context.Background(), "claude-3")
	if err != nil {
		t.Fatalf("ResolveModel: %v", err)
	}
	if len(targets) != 1 || targets[0].ProviderID != "anthropic-backup" {
		t.Fatalf("expected only anthropic-backup to survive cooldown filtering, got %+v", targets)
	}
}

func TestModelSeries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  string
	}{
		{"claude-3-opus", "claude"},
		{"claude-sonnet-4-6", "claude"},
		{"gemini-1.5-flash", "gemini-flash"},
		{"gemini-1.5-pro", "gemini-pro"},
		{"gpt-4o", ""},
	}
	for _, tt := range tests {
		if got := ModelSeries(tt.model); got != tt.want {
			t.Errorf("ModelSeries(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}
