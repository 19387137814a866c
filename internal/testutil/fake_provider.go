// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"

	pipeline "github.com/flowmesh/llmgateway/internal"
)

// FakeProvider is a configurable pipeline.Provider for testing.
type FakeProvider struct {
	ProviderName string
	ProviderType string
	ChatFn       func(ctx context.Context, req *pipeline.ChatRequest) (*pipeline.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *pipeline.ChatRequest) (<-chan pipeline.StreamChunk, error)
	EmbedFn      func(ctx context.Context, req *pipeline.EmbeddingRequest) (*pipeline.EmbeddingResponse, error)
	ModelsFn     func(ctx context.Context) ([]string, error)
	HealthFn     func(ctx context.Context) error
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// Type returns the configured provider type, falling back to the name.
func (f *FakeProvider) Type() string {
	if f.ProviderType != "" {
		return f.ProviderType
	}
	return f.ProviderName
}

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *pipeline.ChatRequest) (*pipeline.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &pipeline.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []pipeline.Choice{{
			Index:        0,
			Message:      pipeline.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns an error.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *pipeline.ChatRequest) (<-chan pipeline.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return nil, pipeline.ErrProviderError
}

// Embeddings delegates to EmbedFn or returns an error.
func (f *FakeProvider) Embeddings(ctx context.Context, req *pipeline.EmbeddingRequest) (*pipeline.EmbeddingResponse, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, req)
	}
	return nil, pipeline.ErrProviderError
}

// ListModels delegates to ModelsFn or returns a default list.
func (f *FakeProvider) ListModels(ctx context.Context) ([]string, error) {
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx)
	}
	return []string{"fake-model"}, nil
}

// HealthCheck delegates to HealthFn or returns nil.
func (f *FakeProvider) HealthCheck(ctx context.Context) error {
	if f.HealthFn != nil {
		return f.HealthFn(ctx)
	}
	return nil
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...pipeline.StreamChunk) <-chan pipeline.StreamChunk {
	ch := make(chan pipeline.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- pipeline.StreamChunk{Done: true}
	close(ch)
	return ch
}
