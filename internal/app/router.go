package app

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	pipeline "github.com/flowmesh/llmgateway/internal"
)

// RouterService resolves model aliases to an ordered list of candidate
// targets drawn from the in-memory route table materialized from config at
// startup. It never touches a database: RouteMetadata is a registry
// snapshot, immutable until the next reload.
type RouterService struct {
	routes     map[string]pipeline.RouteMetadata
	cooldowns  *CooldownRegistry
	mu         sync.Mutex
	lastUsedAt map[string]time.Time // providerKey -> last selection time, LRU tie-break
}

// NewRouterService returns a RouterService over the given route table.
// cooldowns may be nil, in which case series-cooldown skipping is disabled.
func NewRouterService(routes map[string]pipeline.RouteMetadata, cooldowns *CooldownRegistry) *RouterService {
	if cooldowns == nil {
		cooldowns = NewCooldownRegistry()
	}
	return &RouterService{
		routes:     routes,
		cooldowns:  cooldowns,
		lastUsedAt: make(map[string]time.Time),
	}
}

// ResolvedTarget is a provider/model pair ready for the orchestrator to invoke.
type ResolvedTarget struct {
	ProviderID string
	Model      string
	Priority   int
}

// ResolveModel maps a model alias to an ordered list of targets: primary
// order by configured priority, LRU tie-break among equal priorities, with
// any target under an active series cooldown skipped entirely.
func (rs *RouterService) ResolveModel(ctx context.Context, model string) ([]ResolvedTarget, error) {
	route, ok := rs.routes[model]
	if !ok {
		return nil, fmt.Errorf("resolve model %q: %w", model, pipeline.ErrNotFound)
	}
	if len(route.Pool) == 0 {
		return nil, fmt.Errorf("route %q has no targets", model)
	}

	rs.mu.Lock()
	resolved := make([]ResolvedTarget, 0, len(route.Pool))
	for _, t := range route.Pool {
		series := ModelSeries(t.Model)
		if rs.cooldowns.Active(t.ProviderKey, series) {
			continue
		}
		resolved = append(resolved, ResolvedTarget{
			ProviderID: t.ProviderKey,
			Model:      t.Model,
			Priority:   t.Priority,
		})
	}
	lastUsed := rs.lastUsedAt
	rs.mu.Unlock()

	if len(resolved) == 0 {
		return nil, fmt.Errorf("resolve model %q: %w: all targets under series cooldown", model, pipeline.ErrProviderError)
	}

	slices.SortStableFunc(resolved, func(a, b ResolvedTarget) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return lastUsed[a.ProviderID].Compare(lastUsed[b.ProviderID])
	})
	return resolved, nil
}

// MarkUsed records providerID as just-selected, pushing it to the back of
// the LRU tie-break order for subsequent resolutions at the same priority.
func (rs *RouterService) MarkUsed(providerID string) {
	rs.mu.Lock()
	rs.lastUsedAt[providerID] = time.Now()
	rs.mu.Unlock()
}

// CacheTTL returns the route-configured cache TTL for a model alias, or 0
// if no route or no TTL is configured.
func (rs *RouterService) CacheTTL(_ context.Context, model string) time.Duration {
	route, ok := rs.routes[model]
	if !ok {
		return 0
	}
	return route.CacheTTL
}

// AttemptCap returns the maximum number of targets the retry engine will
// try for a single request. antigravity.* provider keys get a much higher
// cap since their quota windows rotate faster than they exhaust.
func AttemptCap(firstProviderKey string) int {
	if strings.HasPrefix(firstProviderKey, "antigravity.") {
		return antigravityAttemptCap
	}
	return defaultAttemptCap
}

const (
	defaultAttemptCap     = 6
	antigravityAttemptCap = 20
)

var seriesPatterns = []struct {
	re     *regexp.Regexp
	series string
}{
	{regexp.MustCompile(`(?i)claude|opus`), "claude"},
	{regexp.MustCompile(`(?i)flash`), "gemini-flash"},
	{regexp.MustCompile(`(?i)gemini|pro`), "gemini-pro"},
}

// ModelSeries classifies a model id into a cooldown family via regex, or ""
// when the model doesn't match any known family. Order matters: "flash"
// must be checked before the looser "gemini|pro" pattern.
func ModelSeries(model string) string {
	for _, p := range seriesPatterns {
		if p.re.MatchString(model) {
			return p.series
		}
	}
	return ""
}

// CooldownRegistry tracks active SeriesCooldownDetail entries keyed by
// (providerKey, series), mirroring circuitbreaker.Registry's construction
// pattern: a plain mutex-protected map built once at startup and passed in
// explicitly, never a package-level var.
type CooldownRegistry struct {
	mu      sync.RWMutex
	entries map[string]pipeline.SeriesCooldownDetail
}

// NewCooldownRegistry returns an empty registry.
func NewCooldownRegistry() *CooldownRegistry {
	return &CooldownRegistry{entries: make(map[string]pipeline.SeriesCooldownDetail)}
}

func cooldownKey(providerKey, series string) string { return providerKey + "|" + series }

// Active reports whether providerKey is currently cooling down for series.
// An empty series (model didn't match any known family) is never on cooldown.
func (r *CooldownRegistry) Active(providerKey, series string) bool {
	if series == "" {
		return false
	}
	r.mu.RLock()
	d, ok := r.entries[cooldownKey(providerKey, series)]
	r.mu.RUnlock()
	return ok && time.Now().Before(d.ExpiresAt)
}

// Set records or refreshes a cooldown entry.
func (r *CooldownRegistry) Set(d pipeline.SeriesCooldownDetail) {
	r.mu.Lock()
	r.entries[cooldownKey(d.ProviderKey, d.Series)] = d
	r.mu.Unlock()
}

// EvictStale removes cooldown entries that expired before cutoff. Called
// periodically by the sweeper worker.
func (r *CooldownRegistry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, d := range r.entries {
		if d.ExpiresAt.Before(cutoff) {
			delete(r.entries, k)
			evicted++
		}
	}
	return evicted
}
