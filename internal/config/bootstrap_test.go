package config

import (
	"context"
	"testing"

	"github.com/flowmesh/llmgateway/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{
			{
				Name:  "test-key",
				Key:   "gnd_testkey123456",
				OrgID: "default",
				Role:  "admin",
			},
		},
	}

	// First call seeds everything.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	keys, err := store.ListKeys(ctx, "default", 0, 10)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("key count = %d, want 1", len(keys))
	}
	if keys[0].Role != "admin" {
		t.Errorf("role = %q, want %q", keys[0].Role, "admin")
	}

	// Second call is idempotent -- no errors, no duplicates.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}

	keys, err = store.ListKeys(ctx, "default", 0, 10)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 1 {
		t.Errorf("key count after second bootstrap = %d, want 1", len(keys))
	}
}

func TestBootstrapSkipsEmptyKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{
			{Name: "empty", Key: "", OrgID: "default"},
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	keys, err := store.ListKeys(ctx, "default", 0, 10)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 0 {
		t.Errorf("key count = %d, want 0 (empty key should be skipped)", len(keys))
	}
}

func TestBuildProviderProfiles(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Providers: []ProviderEntry{
			{
				Name:      "openai",
				BaseURL:   "https://api.openai.com/v1",
				APIKey:    "sk-test",
				Models:    []string{"gpt-4o"},
				Priority:  1,
				Weight:    1,
				TimeoutMs: 30000,
			},
			{
				Name:    "disabled",
				Enabled: boolPtr(false),
			},
		},
	}

	profiles := BuildProviderProfiles(cfg)
	if len(profiles) != 1 {
		t.Fatalf("profile count = %d, want 1 (disabled provider skipped)", len(profiles))
	}

	p, ok := profiles["openai"]
	if !ok {
		t.Fatal("openai profile missing")
	}
	if p.Protocol != "openai" {
		t.Errorf("protocol = %q, want %q", p.Protocol, "openai")
	}
	if p.Auth.Kind != "api_key" {
		t.Errorf("auth kind = %q, want %q", p.Auth.Kind, "api_key")
	}
	if p.Auth.APIKey != "sk-test" {
		t.Errorf("auth api key = %q, want %q", p.Auth.APIKey, "sk-test")
	}
}

func TestBuildRoutes(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Routes: []RouteEntry{
			{
				ModelAlias: "gpt-4o",
				Targets:    []TargetEntry{{Provider: "openai", Model: "gpt-4o", Priority: 1}},
				Strategy:   "priority",
			},
		},
	}

	routes := BuildRoutes(cfg)
	route, ok := routes["gpt-4o"]
	if !ok {
		t.Fatal("gpt-4o route missing")
	}
	if len(route.Pool) != 1 {
		t.Fatalf("pool size = %d, want 1", len(route.Pool))
	}
	if route.Pool[0].ProviderKey != "openai" {
		t.Errorf("provider key = %q, want %q", route.Pool[0].ProviderKey, "openai")
	}
}

func boolPtr(b bool) *bool { return &b }
