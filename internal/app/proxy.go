package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/circuitbreaker"
	"github.com/flowmesh/llmgateway/internal/compat"
	"github.com/flowmesh/llmgateway/internal/oauthlifecycle"
	"github.com/flowmesh/llmgateway/internal/provider"
	"github.com/flowmesh/llmgateway/internal/streamsynth"
)

// ProxyService is the orchestrator (C7) and virtual-router retry engine
// (C8) combined: it resolves a model to a target pool, runs the
// compatibility shaper around each attempt, and rotates across targets
// according to the error taxonomy in classify, consulting the circuit
// breaker and series-cooldown registries along the way.
type ProxyService struct {
	providers *provider.Registry
	router    *RouterService
	tracer    trace.Tracer             // nil disables tracing
	breakers  *circuitbreaker.Registry // nil disables circuit breaking
	profiles  map[string]pipeline.ProviderProfile
	cooldowns *CooldownRegistry
	oauth     *oauthlifecycle.Manager
	shaper    *compat.Shaper
	debug     pipeline.DebugInfo
}

// SetDebug enables per-stage snapshot logging for every request this
// ProxyService handles afterward. Call once at startup from the resolved
// telemetry config; the zero value (Enabled: false) costs nothing per
// request beyond the DTO allocation itself.
func (ps *ProxyService) SetDebug(d pipeline.DebugInfo) {
	ps.debug = d
}

// NewProxyService wires a ProxyService. profiles supplies per-provider auth
// kind and compatibility bundle name; cooldowns must be the same registry
// instance the RouterService consults so a cooldown set here is honored on
// the next resolution. oauth and shaper may be nil to disable reauth-on-403
// and compatibility shaping respectively.
func NewProxyService(
	providers *provider.Registry,
	router *RouterService,
	tracer trace.Tracer,
	breakers *circuitbreaker.Registry,
	profiles map[string]pipeline.ProviderProfile,
	cooldowns *CooldownRegistry,
	oauth *oauthlifecycle.Manager,
	shaper *compat.Shaper,
) *ProxyService {
	return &ProxyService{
		providers: providers,
		router:    router,
		tracer:    tracer,
		breakers:  breakers,
		profiles:  profiles,
		cooldowns: cooldowns,
		oauth:     oauth,
		shaper:    shaper,
	}
}

// attempt is the outcome of trying a single target, fed back into the
// retry loop's bookkeeping regardless of which operation ran it.
type attempt struct {
	target ResolvedTarget
	err    error
}

// ChatCompletion resolves req.Model to a target pool and runs the
// orchestrator's request/response chain (compatibility shaping around a
// provider invocation) with rotation on recoverable failures.
func (ps *ProxyService) ChatCompletion(ctx context.Context, req *pipeline.ChatRequest) (*pipeline.ChatResponse, error) {
	targets, err := ps.router.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	dto := ps.newDTO(ctx, req.Stream)

	var result *pipeline.ChatResponse
	_, err = ps.rotate(ctx, dto, targets, func(ctx context.Context, target ResolvedTarget, p pipeline.Provider) error {
		ps.shapeRequest(ctx, req, target, dto)
		resp, err := p.ChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// newDTO starts the per-request pipeline DTO (C7) threaded through rotate
// and shapeRequest: RequestID/EntryEndpoint come from the context the HTTP
// layer seeded, PipelineID is fresh per call so repeated rotation attempts
// within one request share it while distinguishing separate requests in a
// debug snapshot stream.
func (ps *ProxyService) newDTO(ctx context.Context, stream bool) *pipeline.PipelineDTO {
	dto := pipeline.NewPipelineDTO(pipeline.RequestIDFromContext(ctx), uuid.New().String(), pipeline.RequestMetadata{
		EntryEndpoint: pipeline.EndpointFromContext(ctx),
		Stream:        stream,
	})
	dto.Debug = ps.debug
	return dto
}

// ChatCompletionStream resolves the model and forwards a streaming request
// with the same rotation policy as ChatCompletion. Mid-stream errors
// surfaced after the channel is handed back are the streaming handler's
// (C10) problem, not the router's -- rotation only covers the call that
// establishes the stream.
func (ps *ProxyService) ChatCompletionStream(ctx context.Context, req *pipeline.ChatRequest) (<-chan pipeline.StreamChunk, error) {
	targets, err := ps.router.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	dto := ps.newDTO(ctx, true)

	var result <-chan pipeline.StreamChunk
	_, err = ps.rotate(ctx, dto, targets, func(ctx context.Context, target ResolvedTarget, p pipeline.Provider) error {
		req.Stream = true
		ps.shapeRequest(ctx, req, target, dto)

		if !req.Stream {
			// The compatibility bundle forced this upstream call to run
			// non-streaming. The client still asked for stream:true, so
			// synthesize the SSE chunk sequence (C9) from the buffered
			// response instead of forwarding a real upstream stream.
			resp, err := p.ChatCompletion(ctx, req)
			if err != nil {
				return err
			}
			chunks := streamsynth.ChatChunks(resp)
			ch := make(chan pipeline.StreamChunk, len(chunks))
			for _, c := range chunks {
				ch <- c
			}
			close(ch)
			result = ch
			return nil
		}

		ch, err := p.ChatCompletionStream(ctx, req)
		if err != nil {
			return err
		}
		result = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Embeddings resolves the model and forwards an embedding request with the
// same rotation policy.
func (ps *ProxyService) Embeddings(ctx context.Context, req *pipeline.EmbeddingRequest) (*pipeline.EmbeddingResponse, error) {
	targets, err := ps.router.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	dto := ps.newDTO(ctx, false)

	var result *pipeline.EmbeddingResponse
	_, err = ps.rotate(ctx, dto, targets, func(ctx context.Context, target ResolvedTarget, p pipeline.Provider) error {
		origModel := req.Model
		req.Model = target.Model
		resp, err := p.Embeddings(ctx, req)
		req.Model = origModel
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// rotate drives the retry engine (C8) over targets: it tries each one in
// order, classifying every failure into terminal/rotate/cooldown/reauth,
// stopping at the attempt cap or after too many consecutive identical
// failures rather than exhausting the whole pool on a systemic error.
func (ps *ProxyService) rotate(ctx context.Context, dto *pipeline.PipelineDTO, targets []ResolvedTarget, invoke func(ctx context.Context, target ResolvedTarget, p pipeline.Provider) error) (*attempt, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets to try", pipeline.ErrProviderError)
	}
	ledger := &pipeline.RetryLedger{}
	cap := AttemptCap(targets[0].ProviderID)

	var lastErr error
	for _, target := range targets {
		if ledger.Attempts >= cap {
			break
		}
		if ledger.HasTried(target.ProviderID) {
			continue
		}
		if ps.breakers != nil {
			if cb := ps.breakers.Get(target.ProviderID); cb != nil && !cb.Allow() {
				lastErr = fmt.Errorf("%w: circuit breaker open for %s", pipeline.ErrProviderError, target.ProviderID)
				continue
			}
		}

		p, err := ps.providers.Get(target.ProviderID)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", pipeline.ErrProviderError, err)
			ledger.RecordAttempt(target.ProviderID)
			continue
		}

		dto.Route.ProviderID = target.ProviderID
		dto.Route.ProviderKey = target.ProviderID
		dto.Route.ModelID = target.Model
		dto.Route.Timestamp = time.Now()

		callCtx := ctx
		var span trace.Span
		if ps.tracer != nil {
			callCtx, span = ps.tracer.Start(ctx, "provider-invoke.request",
				trace.WithAttributes(
					attribute.String("provider", target.ProviderID),
					attribute.String("model", target.Model),
				),
			)
		}
		ps.snapshotStage(ctx, dto, "provider", dto.Debug.Stages.Provider)
		invokeErr := invoke(callCtx, target, p)
		if span != nil {
			span.End()
		}
		ledger.RecordAttempt(target.ProviderID)

		if invokeErr == nil {
			ps.recordBreakerSuccess(target.ProviderID)
			ps.router.MarkUsed(target.ProviderID)
			return &attempt{target: target}, nil
		}

		ps.recordBreakerError(target.ProviderID, invokeErr)
		sig := errorSignature(invokeErr)
		ledger.RecordErrorSignature(sig)
		if ledger.ConsecutiveErrCount >= maxConsecutiveSameError {
			return nil, fmt.Errorf("%w: %d consecutive identical failures, aborting: %w", pipeline.ErrProviderError, ledger.ConsecutiveErrCount, invokeErr)
		}

		profile := ps.profiles[target.ProviderID]
		decision, cooldown := classify(invokeErr, profile.Auth.Kind == "oauth")
		ledger.LastRotationReason = decisionReason(decision)

		switch decision {
		case DecisionTerminal:
			return nil, fmt.Errorf("%w: %w", pipeline.ErrProviderError, invokeErr)

		case DecisionCooldownThenRotate:
			if ps.cooldowns != nil {
				cooldown.ProviderID = profile.ProviderID
				cooldown.ProviderKey = target.ProviderID
				cooldown.Model = target.Model
				cooldown.Series = ModelSeries(target.Model)
				cooldown.Scope = "model-series"
				if cooldown.CooldownMs <= 0 {
					cooldown.CooldownMs = int64(30 * time.Second / time.Millisecond)
				}
				cooldown.ExpiresAt = time.Now().Add(time.Duration(cooldown.CooldownMs) * time.Millisecond)
				ps.cooldowns.Set(cooldown)
			}
			lastErr = fmt.Errorf("%w: %w", pipeline.ErrProviderError, invokeErr)

		case DecisionReauthThenRotate:
			if ps.oauth != nil {
				if ok, reauthErr := ps.oauth.HandleUpstreamInvalid(ctx, profile.ProviderID, profile.Auth, invokeErr, oauthlifecycle.DeviceCodeInteractive); reauthErr != nil {
					slog.Warn("oauth reauth failed", "provider", target.ProviderID, "error", reauthErr)
				} else if ok {
					slog.Info("oauth reauth triggered", "provider", target.ProviderID)
				}
			}
			lastErr = fmt.Errorf("%w: %w", pipeline.ErrProviderError, invokeErr)

		default: // DecisionRotate
			lastErr = fmt.Errorf("%w: %w", pipeline.ErrProviderError, invokeErr)
		}

		slog.LogAttrs(ctx, slog.LevelWarn, "target failed, rotating",
			slog.String("provider", target.ProviderID),
			slog.String("decision", decisionReason(decision)),
			slog.String("error", invokeErr.Error()),
		)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all targets under series cooldown or circuit open", pipeline.ErrProviderError)
	}
	return nil, lastErr
}

func decisionReason(d Decision) string {
	switch d {
	case DecisionTerminal:
		return "terminal"
	case DecisionCooldownThenRotate:
		return "cooldown"
	case DecisionReauthThenRotate:
		return "reauth"
	default:
		return "rotate"
	}
}

// snapshotStage logs the DTO's current Route/Metadata when Debug.Enabled and
// the stage's own flag are both set, so a deployment can turn on a single
// stage's trace without paying for the rest.
func (ps *ProxyService) snapshotStage(ctx context.Context, dto *pipeline.PipelineDTO, stage string, enabled bool) {
	if !dto.Debug.Enabled || !enabled {
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "pipeline stage snapshot",
		slog.String("stage", stage),
		slog.String("pipeline_id", dto.Route.PipelineID),
		slog.String("request_id", dto.Metadata.RequestID),
		slog.String("provider", dto.Route.ProviderID),
		slog.String("model", dto.Route.ModelID),
		slog.String("entry_endpoint", dto.Metadata.EntryEndpoint),
	)
}

// shapeRequest applies the target provider's compatibility bundle to req in
// place, swapping req.Model to the target's model id for the call.
func (ps *ProxyService) shapeRequest(ctx context.Context, req *pipeline.ChatRequest, target ResolvedTarget, dto *pipeline.PipelineDTO) {
	req.Model = target.Model
	if ps.shaper == nil {
		return
	}
	profile, ok := ps.profiles[target.ProviderID]
	if !ok || profile.CompatibilityProfile == "" {
		return
	}
	ps.snapshotStage(ctx, dto, "compatibility", dto.Debug.Stages.Compatibility)
	raw, err := marshalChatRequest(req)
	if err != nil {
		return
	}
	shaped, err := ps.shaper.ShapeRequest(raw, compat.Profile{ProviderAlias: profile.CompatibilityProfile})
	if err != nil {
		slog.Warn("compatibility shaping failed, using original request", "provider", target.ProviderID, "error", err)
		return
	}
	unmarshalChatRequest(shaped, req)
}

func marshalChatRequest(req *pipeline.ChatRequest) ([]byte, error) {
	return json.Marshal(req)
}

func unmarshalChatRequest(data []byte, req *pipeline.ChatRequest) {
	var tmp pipeline.ChatRequest
	if err := json.Unmarshal(data, &tmp); err == nil {
		*req = tmp
	}
}

// ListModels aggregates model lists from all registered providers.
func (ps *ProxyService) ListModels(ctx context.Context) ([]string, error) {
	var all []string
	for _, name := range ps.providers.List() {
		p, err := ps.providers.Get(name)
		if err != nil {
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		all = append(all, models...)
	}
	return all, nil
}

// recordBreakerSuccess records a successful request to the circuit breaker.
func (ps *ProxyService) recordBreakerSuccess(providerID string) {
	if ps.breakers != nil {
		ps.breakers.GetOrCreate(providerID).RecordSuccess()
	}
}

// recordBreakerError records a failed request to the circuit breaker using
// the same weight scheme classify's HTTP-status plumbing shares.
func (ps *ProxyService) recordBreakerError(providerID string, err error) {
	if ps.breakers != nil {
		weight := circuitbreaker.ClassifyError(err)
		if weight > 0 {
			ps.breakers.GetOrCreate(providerID).RecordError(weight)
		}
	}
}
