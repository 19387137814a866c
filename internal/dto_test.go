package pipeline

import "testing"

func TestNewPipelineDTO(t *testing.T) {
	t.Parallel()

	meta := RequestMetadata{EntryEndpoint: "/v1/chat/completions", Stream: true}
	dto := NewPipelineDTO("req-1", "pipe-1", meta)

	if dto.Metadata.RequestID != "req-1" {
		t.Errorf("Metadata.RequestID = %q, want req-1", dto.Metadata.RequestID)
	}
	if dto.Metadata.PipelineID != "pipe-1" {
		t.Errorf("Metadata.PipelineID = %q, want pipe-1", dto.Metadata.PipelineID)
	}
	if dto.Metadata.EntryEndpoint != "/v1/chat/completions" {
		t.Errorf("Metadata.EntryEndpoint = %q, want /v1/chat/completions", dto.Metadata.EntryEndpoint)
	}
	if !dto.Metadata.Stream {
		t.Error("Metadata.Stream = false, want true")
	}
	if dto.Route.RequestID != "req-1" || dto.Route.PipelineID != "pipe-1" {
		t.Errorf("Route ids = %+v, want matching req-1/pipe-1", dto.Route)
	}
	if dto.Route.Timestamp.IsZero() {
		t.Error("Route.Timestamp not set")
	}
	if dto.Debug.Enabled {
		t.Error("Debug.Enabled = true, want false by default")
	}
}

func TestPipelineDTORouteUpdatesIndependentlyOfMetadata(t *testing.T) {
	t.Parallel()

	dto := NewPipelineDTO("req-2", "pipe-2", RequestMetadata{EntryEndpoint: "/v1/messages"})
	dto.Route.ProviderID = "openai-primary"
	dto.Route.ModelID = "gpt-4o"

	if dto.Metadata.EntryEndpoint != "/v1/messages" {
		t.Errorf("Metadata.EntryEndpoint changed unexpectedly: %q", dto.Metadata.EntryEndpoint)
	}
	if dto.Route.ProviderID != "openai-primary" || dto.Route.ModelID != "gpt-4o" {
		t.Errorf("Route = %+v, want updated provider/model", dto.Route)
	}
}
