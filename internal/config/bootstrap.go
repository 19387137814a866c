// Package config provides configuration loading and in-memory materialization.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/storage"
)

// BuildProviderProfiles materializes the immutable per-provider configuration
// snapshots the orchestrator and router consult, keyed by provider ID. It
// never touches a store -- provider wiring lives entirely in the config file.
func BuildProviderProfiles(cfg *Config) map[string]pipeline.ProviderProfile {
	profiles := make(map[string]pipeline.ProviderProfile, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		auth := p.ResolvedProviderAuth()
		profiles[p.Name] = pipeline.ProviderProfile{
			ProviderID:           p.Name,
			Protocol:             p.ResolvedType(),
			BaseURL:              p.BaseURL,
			TimeoutMs:            max(5000, p.TimeoutMs),
			Headers:              map[string]string{},
			Auth:                 auth,
			CompatibilityProfile: p.Compat,
			SupportedModels:      p.Models,
		}
	}
	return profiles
}

// BuildRoutes materializes the virtual routing table from the config file's
// route entries, keyed by model alias (pipelineId).
func BuildRoutes(cfg *Config) map[string]pipeline.RouteMetadata {
	routes := make(map[string]pipeline.RouteMetadata, len(cfg.Routes))
	for _, r := range cfg.Routes {
		pool := make([]pipeline.RouteTarget, 0, len(r.Targets))
		for _, t := range r.Targets {
			pool = append(pool, pipeline.RouteTarget{
				ProviderKey: t.Provider,
				Model:       t.Model,
				Priority:    t.Priority,
			})
		}
		routes[r.ModelAlias] = pipeline.RouteMetadata{
			PipelineID: r.ModelAlias,
			Streaming:  "auto",
			Pool:       pool,
			CacheTTL:   time.Duration(r.CacheTTLs) * time.Second,
		}
	}
	return routes
}

// Bootstrap seeds API keys into the front-door key store on first run.
// Provider and route configuration never touches a store -- it is
// materialized straight from the config file by BuildProviderProfiles and
// BuildRoutes.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := pipeline.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		key := &pipeline.APIKey{
			ID:            uuid.Must(uuid.NewV7()).String(),
			KeyHash:       hash,
			KeyPrefix:     prefix,
			OrgID:         k.OrgID,
			Role:          k.Role,
			AllowedModels: k.AllowedModels,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return pipeline.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
