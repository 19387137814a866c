// Package oauthlifecycle keeps per-provider OAuth credentials valid across
// the life of the process: it resolves where a provider's token lives on
// disk, decides whether what's there is still usable, refreshes it when it
// isn't, and falls back to an interactive grant when refresh can't recover.
// Exactly one acquisition runs at a time per (providerType, tokenFile); every
// other caller waits on it rather than racing a second browser tab or device
// poll.
package oauthlifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"golang.org/x/oauth2"
)

// CredentialRecord is the on-disk shape of a provider's OAuth state, one
// file per (providerType, alias).
type CredentialRecord struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    int64     `json:"expiresAt"` // epoch ms, 0 = unknown/never computed
	APIKey       string    `json:"apiKey,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (r *CredentialRecord) expiry() time.Time {
	if r.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.ExpiresAt)
}

// expirySkew is how far ahead of the real expiry a token is treated as stale.
const expirySkew = 60 * time.Second

// successThrottle is how long EnsureValid short-circuits to "still fresh"
// after a successful acquisition for the same key, to absorb bursts of
// concurrent callers without re-reading the file on every one of them.
const successThrottle = 60 * time.Second

// Options tune a single EnsureValid call.
type Options struct {
	// ForceReauth skips the freshness check and always attempts refresh or
	// interactive acquisition.
	ForceReauth bool
	// ForceReacquireIfRefreshFails goes interactive instead of returning an
	// error when a refresh attempt fails. Set by callers reacting to an
	// upstream 401/403 (see HandleUpstreamInvalid).
	ForceReacquireIfRefreshFails bool
	// BypassThrottle ignores the post-success throttle window, forcing a
	// fresh disk read. Used by tests and by HandleUpstreamInvalid, since an
	// upstream-reported invalid token means the cached "still fresh"
	// assumption is wrong regardless of how recently it succeeded.
	BypassThrottle bool
	// Interactive, when set, is invoked to drive a browser or device-code
	// grant. Nil means interactive acquisition is unavailable and
	// EnsureValid returns an error instead of blocking forever.
	Interactive InteractiveHandler
}

// InteractiveHandler drives the human-in-the-loop part of a grant: either
// opening the authorizationURL in a browser and exchanging the resulting
// code, or, when that is not possible, polling the device-code endpoint.
// Implementations should respect ctx cancellation.
type InteractiveHandler func(ctx context.Context, cfg *oauth2.Config, deviceAuthURL string) (*oauth2.Token, error)

type key struct {
	providerType string
	tokenFile    string
}

type call struct {
	done chan struct{}
	rec  *CredentialRecord
	err  error
}

// Manager is the single-flight, file-backed OAuth credential cache. It holds
// no provider secrets itself -- those live in ProviderAuth and on disk.
type Manager struct {
	httpClient *oauth2.Config // reused only for its Exchange/TokenSource helpers; Endpoint set per call

	mu       sync.Mutex
	inflight map[key]*call
	lastOK   map[key]time.Time
}

// NewManager returns an idle Manager. A process needs exactly one.
func NewManager() *Manager {
	return &Manager{
		inflight: make(map[key]*call),
		lastOK:   make(map[key]time.Time),
	}
}

// ResolveTokenFile returns the on-disk path for a provider's credential
// record: the explicit path from ProviderAuth when set, else the well-known
// default for recognized provider families, else a generic path keyed by
// provider type under ~/.routecodex/tokens.
func ResolveTokenFile(providerType string, auth pipeline.ProviderAuth) string {
	if auth.TokenFile != "" {
		return expandHome(auth.TokenFile)
	}
	home, _ := os.UserHomeDir()
	switch providerType {
	case "qwen":
		return filepath.Join(home, ".qwen", "oauth_creds.json")
	case "iflow":
		return filepath.Join(home, ".iflow", "oauth_creds.json")
	default:
		return filepath.Join(home, ".routecodex", "tokens", providerType+"-default.json")
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// requiresAPIKey is the set of provider families whose freshness check
// requires a non-empty APIKey field rather than (or in addition to) an
// access token -- iFlow mints a downstream API key alongside the OAuth
// token and the API key is what actually gets sent upstream.
func requiresAPIKey(providerType string) bool {
	return providerType == "iflow"
}

// EnsureValid returns a credential record known to be usable right now. It
// reads the on-disk record, refreshes it if it's stale but refreshable, and
// falls back to interactive acquisition when it is not. Concurrent callers
// for the same (providerType, tokenFile) share one underlying attempt.
func (m *Manager) EnsureValid(ctx context.Context, providerType string, auth pipeline.ProviderAuth, opts Options) (*CredentialRecord, error) {
	if auth.Kind == "gcp_oauth" {
		// Application Default Credentials manage their own freshness;
		// there is nothing for this manager to read or write.
		return &CredentialRecord{CreatedAt: time.Now()}, nil
	}

	tokenFile := ResolveTokenFile(providerType, auth)
	k := key{providerType: providerType, tokenFile: tokenFile}

	if !opts.BypassThrottle && !opts.ForceReauth {
		m.mu.Lock()
		last, ok := m.lastOK[k]
		m.mu.Unlock()
		if ok && time.Since(last) < successThrottle {
			if rec, err := readRecord(tokenFile); err == nil {
				return rec, nil
			}
		}
	}

	m.mu.Lock()
	if existing, ok := m.inflight[k]; ok {
		m.mu.Unlock()
		<-existing.done
		return existing.rec, existing.err
	}
	c := &call{done: make(chan struct{})}
	m.inflight[k] = c
	m.mu.Unlock()

	c.rec, c.err = m.ensureValidOnce(ctx, providerType, auth, tokenFile, opts)
	close(c.done)

	m.mu.Lock()
	delete(m.inflight, k)
	if c.err == nil {
		m.lastOK[k] = time.Now()
	}
	m.mu.Unlock()

	return c.rec, c.err
}

func (m *Manager) ensureValidOnce(ctx context.Context, providerType string, auth pipeline.ProviderAuth, tokenFile string, opts Options) (*CredentialRecord, error) {
	rec, readErr := readRecord(tokenFile)
	if readErr != nil {
		rec = &CredentialRecord{}
	}

	if !opts.ForceReauth && isFresh(providerType, rec) {
		return rec, nil
	}

	if rec.RefreshToken != "" {
		refreshed, err := m.refresh(ctx, auth, rec)
		if err == nil {
			if err := writeRecord(tokenFile, refreshed); err != nil {
				slog.Warn("oauthlifecycle: persist refreshed credential failed", "provider", providerType, "error", err)
			}
			return refreshed, nil
		}
		slog.Warn("oauthlifecycle: refresh failed", "provider", providerType, "error", err)
		if !opts.ForceReacquireIfRefreshFails {
			return nil, fmt.Errorf("oauthlifecycle: refresh %s: %w", providerType, err)
		}
	}

	if opts.Interactive == nil {
		return nil, fmt.Errorf("oauthlifecycle: %s credential stale and no interactive handler configured", providerType)
	}

	acquired, err := m.acquireInteractive(ctx, auth, opts.Interactive)
	if err != nil {
		return nil, fmt.Errorf("oauthlifecycle: interactive acquisition for %s: %w", providerType, err)
	}
	if err := writeRecord(tokenFile, acquired); err != nil {
		slog.Warn("oauthlifecycle: persist acquired credential failed", "provider", providerType, "error", err)
	}
	return acquired, nil
}

// isFresh reports whether rec is usable without a refresh or reacquisition:
// its expiry (when known) is more than expirySkew away, and it carries
// whatever field the provider family actually requires.
func isFresh(providerType string, rec *CredentialRecord) bool {
	if rec == nil {
		return false
	}
	if requiresAPIKey(providerType) && rec.APIKey == "" {
		return false
	}
	if !requiresAPIKey(providerType) && rec.AccessToken == "" && rec.APIKey == "" {
		return false
	}
	exp := rec.expiry()
	if exp.IsZero() {
		// No expiry recorded (e.g. a long-lived API key minted once): treat
		// as fresh since there is nothing to compare against.
		return true
	}
	return time.Until(exp) > expirySkew
}

func (m *Manager) refresh(ctx context.Context, auth pipeline.ProviderAuth, rec *CredentialRecord) (*CredentialRecord, error) {
	cfg := &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: auth.TokenURL},
		Scopes:       auth.Scopes,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	out := &CredentialRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: cmp(tok.RefreshToken, rec.RefreshToken),
		APIKey:       rec.APIKey,
		CreatedAt:    time.Now(),
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresAt = tok.Expiry.UnixMilli()
	}
	return out, nil
}

func cmp(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func (m *Manager) acquireInteractive(ctx context.Context, auth pipeline.ProviderAuth, handler InteractiveHandler) (*CredentialRecord, error) {
	cfg := &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:       auth.AuthorizationURL,
			TokenURL:      auth.TokenURL,
			DeviceAuthURL: auth.DeviceCodeURL,
		},
		Scopes: auth.Scopes,
	}
	tok, err := handler(ctx, cfg, auth.DeviceCodeURL)
	if err != nil {
		return nil, err
	}
	rec := &CredentialRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		CreatedAt:    time.Now(),
	}
	if !tok.Expiry.IsZero() {
		rec.ExpiresAt = tok.Expiry.UnixMilli()
	}
	if apiKey, ok := tok.Extra("api_key").(string); ok {
		rec.APIKey = apiKey
	}
	return rec, nil
}

// DeviceCodeInteractive is an InteractiveHandler that always uses the
// device-code grant: it requests a user code, logs the verification URL for
// the operator to visit, and polls until the grant completes or ctx is
// cancelled. Authorization-code grants need a local redirect listener this
// process doesn't run, so device-code is the fallback (and, for
// headless deployments, usually the only option) the manager drives.
func DeviceCodeInteractive(ctx context.Context, cfg *oauth2.Config, deviceAuthURL string) (*oauth2.Token, error) {
	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device auth start: %w", err)
	}
	slog.Info("oauthlifecycle: visit to authorize",
		"verification_uri", da.VerificationURI,
		"user_code", da.UserCode,
	)
	return cfg.DeviceAccessToken(ctx, da)
}

var upstreamInvalidPattern = regexp.MustCompile(`(?i)401|403|invalid[_-]?token|expired|40308`)

// HandleUpstreamInvalid inspects an error returned by an upstream call and,
// if it looks like an invalid/expired credential, forces a fresh
// acquisition (bypassing refresh-token reuse when refresh itself keeps
// failing) so the caller can retry the request against a re-authorized
// provider. It reports whether a retry is worth attempting.
func (m *Manager) HandleUpstreamInvalid(ctx context.Context, providerType string, auth pipeline.ProviderAuth, upstreamErr error, interactive InteractiveHandler) (bool, error) {
	if upstreamErr == nil || !upstreamInvalidPattern.MatchString(upstreamErr.Error()) {
		return false, nil
	}
	_, err := m.EnsureValid(ctx, providerType, auth, Options{
		ForceReauth:                  true,
		ForceReacquireIfRefreshFails: true,
		BypassThrottle:               true,
		Interactive:                  interactive,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func readRecord(path string) (*CredentialRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("oauthlifecycle: decode %s: %w", path, err)
	}
	return &rec, nil
}

// writeRecord persists rec atomically: write to a sibling temp file, then
// rename over the destination so a concurrent reader never observes a
// partially-written record.
func writeRecord(path string, rec *CredentialRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Transport is an http.RoundTripper that calls EnsureValid before every
// request and injects whatever credential field the record carries: an
// APIKey header when present (iFlow-style), else a Bearer access token.
// Built once per provider at startup alongside the other cloudauth
// transports, it reuses the shared Manager so every provider's token file
// goes through the same single-flight bookkeeping.
type Transport struct {
	Base         http.RoundTripper
	Manager      *Manager
	ProviderType string
	Auth         pipeline.ProviderAuth
	Interactive  InteractiveHandler
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	rec, err := t.Manager.EnsureValid(r.Context(), t.ProviderType, t.Auth, Options{Interactive: t.Interactive})
	if err != nil {
		return nil, fmt.Errorf("oauthlifecycle: %w", err)
	}
	r2 := r.Clone(r.Context())
	if rec.APIKey != "" {
		r2.Header.Set("Authorization", "Bearer "+rec.APIKey)
	} else {
		r2.Header.Set("Authorization", "Bearer "+rec.AccessToken)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r2)
}

// EvictStale drops single-flight bookkeeping for keys whose last successful
// acquisition is older than cutoff, so the manager doesn't grow unbounded
// over a long-running process's lifetime. Wired into the background
// sweeper alongside rate limiter and cooldown eviction.
func (m *Manager) EvictStale(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, t := range m.lastOK {
		if t.Before(cutoff) {
			delete(m.lastOK, k)
			n++
		}
	}
	return n
}
