package oauthlifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"golang.org/x/oauth2"
)

func writeTestRecord(t *testing.T, path string, rec *CredentialRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestEnsureValidFreshRecordSkipsRefresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	writeTestRecord(t, path, &CredentialRecord{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	})

	m := NewManager()
	auth := pipeline.ProviderAuth{Kind: "oauth", TokenFile: path}
	rec, err := m.EnsureValid(context.Background(), "qwen", auth, Options{})
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if rec.AccessToken != "tok" {
		t.Errorf("AccessToken = %q, want tok", rec.AccessToken)
	}
}

func TestEnsureValidIFlowRequiresAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	writeTestRecord(t, path, &CredentialRecord{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	})

	m := NewManager()
	auth := pipeline.ProviderAuth{Kind: "oauth", TokenFile: path}
	_, err := m.EnsureValid(context.Background(), "iflow", auth, Options{})
	if err == nil {
		t.Fatal("expected error: iflow record has no apiKey and no refresh token")
	}
}

func TestEnsureValidRefreshesStaleRecord(t *testing.T) {
	srv := newFakeTokenServer(t, "fresh-access", 3600)
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	writeTestRecord(t, path, &CredentialRecord{
		AccessToken:  "stale",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	})

	m := NewManager()
	auth := pipeline.ProviderAuth{Kind: "oauth", TokenFile: path, TokenURL: srv.URL}
	rec, err := m.EnsureValid(context.Background(), "qwen", auth, Options{})
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if rec.AccessToken != "fresh-access" {
		t.Errorf("AccessToken = %q, want fresh-access", rec.AccessToken)
	}

	persisted, err := readRecord(path)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if persisted.AccessToken != "fresh-access" {
		t.Errorf("persisted AccessToken = %q, want fresh-access", persisted.AccessToken)
	}
}

func TestEnsureValidSingleFlight(t *testing.T) {
	var calls int32
	srv := newCountingTokenServer(t, &calls)
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	writeTestRecord(t, path, &CredentialRecord{
		AccessToken:  "stale",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	})

	m := NewManager()
	auth := pipeline.ProviderAuth{Kind: "oauth", TokenFile: path, TokenURL: srv.URL}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := m.EnsureValid(context.Background(), "qwen", auth, Options{BypassThrottle: true})
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Errorf("EnsureValid: %v", err)
		}
	}
	if calls > 1 {
		t.Errorf("token endpoint called %d times, want at most 1 in flight at a time per caller batch", calls)
	}
}

func TestHandleUpstreamInvalidMatchesKnownPatterns(t *testing.T) {
	cases := []struct {
		err   string
		match bool
	}{
		{"401 unauthorized", true},
		{"token has expired", true},
		{"invalid_token", true},
		{"rate limited", false},
	}
	m := NewManager()
	for _, c := range cases {
		matched := upstreamInvalidPattern.MatchString(c.err)
		if matched != c.match {
			t.Errorf("pattern match(%q) = %v, want %v", c.err, matched, c.match)
		}
	}
	_ = m
}

func TestResolveTokenFileDefaults(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := ResolveTokenFile("qwen", pipeline.ProviderAuth{})
	want := filepath.Join(home, ".qwen", "oauth_creds.json")
	if got != want {
		t.Errorf("ResolveTokenFile(qwen) = %q, want %q", got, want)
	}

	got = ResolveTokenFile("custom", pipeline.ProviderAuth{TokenFile: "/explicit/path.json"})
	if got != "/explicit/path.json" {
		t.Errorf("ResolveTokenFile explicit = %q, want /explicit/path.json", got)
	}
}

func TestEvictStale(t *testing.T) {
	m := NewManager()
	k := key{providerType: "qwen", tokenFile: "x"}
	m.lastOK[k] = time.Now().Add(-time.Hour)
	n := m.EvictStale(time.Now().Add(-time.Minute))
	if n != 1 {
		t.Errorf("EvictStale = %d, want 1", n)
	}
	if _, ok := m.lastOK[k]; ok {
		t.Error("expected key evicted")
	}
}

// newFakeTokenServer and newCountingTokenServer are defined in
// oauthlifecycle_server_test.go to keep the HTTP plumbing out of the way of
// the assertions above.
var _ = oauth2.Token{}
