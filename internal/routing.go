package pipeline

import "time"

// ProviderProfile is the immutable, per-providerId configuration snapshot
// built once at config load and referenced (never mutated) by the
// orchestrator and router. protocol/compatibilityProfile/auth let the
// pipeline treat every upstream uniformly regardless of wire shape.
type ProviderProfile struct {
	ProviderID            string
	Protocol              string // openai | responses | anthropic | gemini | gemini-cli
	BaseURL               string
	Endpoint              string
	TimeoutMs             int
	MaxRetries            int
	Headers               map[string]string
	Auth                  ProviderAuth
	CompatibilityProfile  string // opaque shaping-bundle name, e.g. "glm", "iflow", "qwen"
	DefaultModel          string
	SupportedModels       []string
}

// ProviderAuth is a tagged union over the supported credential kinds for a
// provider. Kind selects which of the remaining fields are meaningful.
type ProviderAuth struct {
	Kind string // "none" | "apikey" | "oauth" | "gcp_oauth" | "aws_sigv4"

	// apikey
	APIKey    string
	EnvRef    string
	SecretRef string

	// oauth / gcp_oauth
	ClientID          string
	ClientSecret      string
	TokenURL          string
	DeviceCodeURL     string
	AuthorizationURL  string
	RefreshURL        string
	Scopes            []string
	TokenFile         string

	// aws_sigv4
	Region string
}

// RouteTarget is one candidate provider/model pair within a pool, ordered
// by Priority ascending (lower number wins ties before rotation).
type RouteTarget struct {
	ProviderKey string // references a ProviderProfile.ProviderID
	Model       string
	Priority    int
}

// RouteMetadata is the registry snapshot for a single pipelineId: which
// provider/model pairs answer it and how the orchestrator should run it.
type RouteMetadata struct {
	PipelineID       string
	ProviderProtocol string
	EntryEndpoints   []string
	ProcessMode      string
	Streaming        string // always | never | auto
	Pool             []RouteTarget
	CacheTTL         time.Duration
}

// SeriesCooldownDetail marks a provider/model series as temporarily
// unusable, derived from upstream quota-exhaustion hints. Attached to
// provider errors and consulted by the router before it selects a target.
type SeriesCooldownDetail struct {
	Scope           string // "model-series"
	ProviderID      string
	ProviderKey     string
	Model           string
	Series          string // claude | gemini-pro | gemini-flash
	CooldownMs      int64
	QuotaResetDelay time.Duration
	Source          string
	ExpiresAt       time.Time
}

// RetryLedger tracks per-request rotation state inside the router. It is
// created at orchestrator entry and discarded when the request completes;
// it never outlives a single inbound call.
type RetryLedger struct {
	Tried                []string
	LastRotationReason   string
	Attempts             int
	ConsecutiveErrSig    string
	ConsecutiveErrCount  int
}

// HasTried reports whether providerKey has already been attempted this request.
func (l *RetryLedger) HasTried(providerKey string) bool {
	for _, k := range l.Tried {
		if k == providerKey {
			return true
		}
	}
	return false
}

// RecordAttempt appends providerKey to the tried list and increments the
// attempt counter.
func (l *RetryLedger) RecordAttempt(providerKey string) {
	l.Tried = append(l.Tried, providerKey)
	l.Attempts++
}

// RecordErrorSignature tracks consecutive identical error signatures across
// attempts so the router can fail fast instead of exhausting the pool.
func (l *RetryLedger) RecordErrorSignature(sig string) {
	if sig != "" && sig == l.ConsecutiveErrSig {
		l.ConsecutiveErrCount++
		return
	}
	l.ConsecutiveErrSig = sig
	l.ConsecutiveErrCount = 1
}
