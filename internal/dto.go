package pipeline

import "time"

// PipelineDTO is the single object threaded through the orchestrator (C7)
// from HTTP entry to response write: Data carries the request/response
// payload being transformed by the current node, Route carries the
// resolved target, Metadata carries request-scoped facts that never
// change once set, and Debug controls whether per-stage snapshots are
// recorded.
type PipelineDTO struct {
	// Data holds whatever shape the current stage produced: typically
	// *ChatRequest going in, *ChatResponse (or a stream handle) coming out.
	Data any

	Route    RouteInfo
	Metadata RequestMetadata
	Debug    DebugInfo
}

// RouteInfo is the resolved target for this attempt. ProviderKey is the
// providerId actually invoked; it changes across rotation attempts within
// a single request while RequestID/PipelineID stay fixed.
type RouteInfo struct {
	ProviderID  string
	ProviderKey string
	ModelID     string
	RequestID   string
	Timestamp   time.Time
	PipelineID  string
}

// RequestMetadata is set once at C11 entry and never mutated by downstream
// nodes. EntryEndpoint must be set before the compatibility stage runs,
// since several shape filters key off which wire protocol the caller used.
type RequestMetadata struct {
	EntryEndpoint    string // e.g. "/v1/chat/completions", "/v1/messages"
	ProviderProtocol string // protocol the resolved provider actually speaks
	PipelineID       string
	Stream           bool
	RequestID        string
	UserAgent        string
	SessionID        string
}

// DebugInfo gates per-stage snapshot recording. A deployment with Enabled
// false pays no snapshot cost regardless of which Stages flags are set.
type DebugInfo struct {
	Enabled bool
	Stages  StageFlags
}

// StageFlags selects which orchestrator stages emit snapshots when
// Debug.Enabled is true.
type StageFlags struct {
	LLMSwitch     bool
	Workflow      bool
	Compatibility bool
	Provider      bool
}

// NewPipelineDTO returns a DTO with RequestID/PipelineID/Timestamp filled
// from the given ids, ready for the orchestrator's request chain.
func NewPipelineDTO(requestID, pipelineID string, meta RequestMetadata) *PipelineDTO {
	meta.RequestID = requestID
	meta.PipelineID = pipelineID
	return &PipelineDTO{
		Route: RouteInfo{
			RequestID:  requestID,
			PipelineID: pipelineID,
			Timestamp:  time.Now(),
		},
		Metadata: meta,
	}
}
