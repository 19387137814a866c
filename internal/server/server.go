// Package server implements the front-door HTTP adapter: inbound protocol
// routes, auth/rate-limit middleware, and the OpenAI-compatible surface the
// pipeline core is reached through.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/app"
	"github.com/flowmesh/llmgateway/internal/codec"
	"github.com/flowmesh/llmgateway/internal/provider"
	"github.com/flowmesh/llmgateway/internal/ratelimit"
	"github.com/flowmesh/llmgateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// TokenCounter estimates token counts for request messages.
type TokenCounter interface {
	EstimateRequest(model string, messages []pipeline.Message) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           pipeline.Authenticator
	Proxy          *app.ProxyService
	Providers      *provider.Registry  // needed for NativeProxy type assertion
	Router         *app.RouterService  // needed for model -> provider routing
	Keys           *app.KeyManager
	Metrics        *telemetry.Metrics  // nil = no Prometheus metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	Tracer         trace.Tracer        // nil = no distributed tracing
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	RateLimiter    *ratelimit.Registry // nil = no rate limiting (front-door extra, disabled by default)
	TokenCounter   TokenCounter        // nil = fixed estimate
	DefaultRPM     int64               // fallback RPM when per-key is 0
	DefaultTPM     int64               // fallback TPM when per-key is 0
	Codec          *codec.Facade       // nil = no cross-protocol fallback on native routes
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required) -- universal OpenAI-format
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
	})

	// Native API passthrough routes (per-provider auth normalization)
	s.mountNativeRoutes(r)

	return r
}

type server struct {
	deps Deps
}
