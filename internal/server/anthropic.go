package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/codec"
	"github.com/flowmesh/llmgateway/internal/streamsynth"
)

// handleAnthropicMessages serves /v1/messages. It prefers the raw native
// passthrough to a registered Anthropic-protocol provider (byte-identical
// request/response, no pivot round trip); when the resolved pool contains
// no Anthropic provider, it falls back to the universal pipeline via the
// conversion codec facade (C1), decoding the Anthropic request into the
// pivot shape, running it through the same orchestrator /v1/chat/completions
// uses, and encoding (or, for a streaming request, synthesizing via C9) an
// Anthropic-shaped response.
func (s *server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(pipeline.ContextWithEndpoint(r.Context(), "/v1/messages"))
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
		return
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model not specified"))
		return
	}

	identity := pipeline.IdentityFromContext(r.Context())
	if identity != nil && !identity.IsModelAllowed(model) {
		writeJSON(w, http.StatusForbidden, errorResponse("model not allowed"))
		return
	}

	targets, err := s.deps.Router.ResolveModel(r.Context(), model)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	for _, target := range targets {
		p, pErr := s.deps.Providers.Get(target.ProviderID)
		if pErr != nil || p.Type() != "anthropic" {
			continue
		}
		np, ok := p.(pipeline.NativeProxy)
		if !ok {
			continue
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if proxyErr := np.ProxyRequest(r.Context(), w, r, "/messages"); proxyErr != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "native proxy error",
				slog.String("provider", target.ProviderID), slog.String("error", proxyErr.Error()))
		}
		return
	}

	if s.deps.Codec == nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "no provider for native proxy",
			slog.String("type", "anthropic"), slog.String("model", model))
		writeJSON(w, http.StatusBadGateway, errorResponse("no matching provider available"))
		return
	}

	req, err := s.deps.Codec.ConvertRequest(codec.ProtocolAnthropic, codec.ProtocolOpenAI, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	if req.Stream {
		s.handleAnthropicMessagesStream(w, r, req)
		return
	}

	resp, err := s.deps.Proxy.ChatCompletion(r.Context(), req)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	out, err := s.deps.Codec.ConvertResponse(codec.ProtocolAnthropic, codec.ProtocolOpenAI, resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("response conversion failed"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleAnthropicMessagesStream runs the cross-protocol request through the
// non-streaming pipeline and synthesizes the Anthropic SSE event sequence
// (C9) from the buffered result, since the pivot orchestrator only emits
// OpenAI-shaped stream chunks.
func (s *server) handleAnthropicMessagesStream(w http.ResponseWriter, r *http.Request, req *pipeline.ChatRequest) {
	req.Stream = false
	resp, err := s.deps.Proxy.ChatCompletion(r.Context(), req)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	if err := streamsynth.WriteAnthropicSSE(w, resp); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "anthropic sse synthesis failed",
			slog.String("error", err.Error()))
	}
	flusher.Flush()
}
