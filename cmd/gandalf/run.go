package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/app"
	"github.com/flowmesh/llmgateway/internal/auth"
	"github.com/flowmesh/llmgateway/internal/circuitbreaker"
	"github.com/flowmesh/llmgateway/internal/cloudauth"
	"github.com/flowmesh/llmgateway/internal/codec"
	"github.com/flowmesh/llmgateway/internal/compat"
	"github.com/flowmesh/llmgateway/internal/config"
	"github.com/flowmesh/llmgateway/internal/oauthlifecycle"
	"github.com/flowmesh/llmgateway/internal/provider"
	"github.com/flowmesh/llmgateway/internal/provider/anthropic"
	"github.com/flowmesh/llmgateway/internal/provider/gemini"
	"github.com/flowmesh/llmgateway/internal/provider/ollama"
	"github.com/flowmesh/llmgateway/internal/provider/openai"
	"github.com/flowmesh/llmgateway/internal/ratelimit"
	"github.com/flowmesh/llmgateway/internal/server"
	"github.com/flowmesh/llmgateway/internal/storage/sqlite"
	"github.com/flowmesh/llmgateway/internal/telemetry"
	"github.com/flowmesh/llmgateway/internal/tokencount"
	"github.com/flowmesh/llmgateway/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gandalf", "version", version, "addr", cfg.Server.Addr)

	// Open the front-door API key store. The pipeline core never touches it.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("key store opened", "dsn", dsnLog)

	// Bootstrap API keys from config.
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Log seeded API keys (names only, never log key material).
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, pipeline.APIKeyPrefix)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Materialize provider profiles and the virtual routing table directly
	// from the config file; neither is persisted anywhere.
	profiles := config.BuildProviderProfiles(cfg)
	routes := config.BuildRoutes(cfg)

	// OAuth lifecycle manager, shared by every provider whose auth kind is
	// "oauth" (device-code/refresh-token families like qwen/iflow, as
	// distinct from the GCP ADC path cloudauth.GCPOAuthTransport already
	// handles on its own).
	oauthMgr := oauthlifecycle.NewManager()

	// Compatibility shaper: declarative shape filters plus the GLM/iFlow
	// named hooks, applied around provider invocation by the orchestrator.
	shaper, err := compat.New()
	if err != nil {
		return fmt.Errorf("compat: %w", err)
	}

	// Conversion codec facade, used by the native /v1/messages route to
	// serve Anthropic-shaped clients from a pool that doesn't contain a
	// literal Anthropic provider.
	codecFacade := codec.New()

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Register providers
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		// Build HTTP client with auth transport chain.
		client, err := buildProviderClient(ctx, p, dnsResolver, oauthMgr)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}

		var prov pipeline.Provider
		switch p.ResolvedType() {
		case "openai":
			prov = openai.New(p.Name, p.BaseURL, client)
		case "anthropic":
			if p.ResolvedHosting() == "vertex" {
				prov = anthropic.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = anthropic.New(p.Name, p.BaseURL, client)
			}
		case "gemini":
			if p.ResolvedHosting() == "vertex" {
				prov = gemini.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = gemini.New(p.Name, p.BaseURL, client)
			}
		case "ollama":
			prov = ollama.New(p.Name, p.BaseURL, client)
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}
		_, hasNative := prov.(pipeline.NativeProxy)
		reg.Register(p.Name, prov)
		slog.Info("provider registered",
			"name", p.Name,
			"type", p.ResolvedType(),
			"hosting", p.ResolvedHosting(),
			"auth", p.ResolvedAuthType(),
			"compat", profiles[p.Name].CompatibilityProfile,
			"native_proxy", hasNative,
		)
	}

	for alias, route := range routes {
		targets := make([]string, len(route.Pool))
		for i, t := range route.Pool {
			targets[i] = t.ProviderKey + "/" + t.Model
		}
		slog.Info("route configured", "alias", alias, "targets", targets)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Wire services
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	cooldowns := app.NewCooldownRegistry()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	routerSvc := app.NewRouterService(routes, cooldowns)
	keys := app.NewKeyManager(store)

	// Rate limiter.
	rateLimiter := ratelimit.NewRegistry()
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	// Token counter.
	tokenCounter := tokencount.NewCounter()

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gandalf/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	proxySvc := app.NewProxyService(reg, routerSvc, tracer, breakers, profiles, cooldowns, oauthMgr, shaper)
	proxySvc.SetDebug(pipeline.DebugInfo{
		Enabled: cfg.Telemetry.Pipeline.Enabled,
		Stages: pipeline.StageFlags{
			LLMSwitch:     cfg.Telemetry.Pipeline.LLMSwitch,
			Workflow:      cfg.Telemetry.Pipeline.Workflow,
			Compatibility: cfg.Telemetry.Pipeline.Compatibility,
			Provider:      cfg.Telemetry.Pipeline.Provider,
		},
	})

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Proxy:          proxySvc,
		Providers:      reg,
		Router:         routerSvc,
		Keys:           keys,
		ReadyCheck:     store.Ping,
		RateLimiter:    rateLimiter,
		TokenCounter:   tokenCounter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		Codec:          codecFacade,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Background sweep of stale rate limiters, cooldowns and circuit breakers.
	sweeper := worker.NewSweeper(rateLimiter, cooldowns, breakers, oauthMgr)
	runner := worker.NewRunner(sweeper)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("gandalf ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then the sweeper.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gandalf stopped")
	return nil
}

// buildProviderClient assembles an *http.Client with the auth transport chain
// for a provider entry. The base transport includes DNS caching and HTTP/2
// (except Ollama which uses HTTP/1.1).
func buildProviderClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver, oauthMgr *oauthlifecycle.Manager) (*http.Client, error) {
	useHTTP2 := p.ResolvedType() != "ollama"
	base := provider.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base

	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "oauth":
		transport = &oauthlifecycle.Transport{
			Base:         base,
			Manager:      oauthMgr,
			ProviderType: p.ResolvedType(),
			Auth:         p.ResolvedProviderAuth(),
			Interactive:  oauthlifecycle.DeviceCodeInteractive,
		}
	case "api_key":
		apiKey := p.ResolvedAPIKey()
		if apiKey != "" {
			headerName, prefix := authHeaderForType(p.ResolvedType(), p.ResolvedHosting())
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: headerName,
				Prefix:     prefix,
				Base:       base,
			}
		}
		// Empty API key: no auth transport (e.g. local Ollama).
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// authHeaderForType returns the (headerName, prefix) for API key auth
// based on provider type and hosting mode.
func authHeaderForType(provType, hosting string) (string, string) {
	switch {
	case provType == "openai" && hosting == "azure":
		return "api-key", ""
	case provType == "openai":
		return "Authorization", "Bearer "
	case provType == "anthropic":
		return "x-api-key", ""
	case provType == "gemini":
		return "x-goog-api-key", ""
	case provType == "ollama":
		return "Authorization", "Bearer "
	default:
		return "Authorization", "Bearer "
	}
}
