// Package codec holds the conversion codec facade (C1): the thin layer that
// turns a wire payload in one protocol's shape into the neutral OpenAI-Chat
// pivot representation, and back. It holds no state of its own beyond the
// registry built at startup -- every codec is a pure function of payload in,
// payload out.
package codec

import (
	"encoding/json"
	"fmt"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/provider/anthropic"
)

// Protocol identifies a wire shape the facade knows how to read or write.
type Protocol string

const (
	ProtocolOpenAI     Protocol = "openai"
	ProtocolAnthropic  Protocol = "anthropic"
	ProtocolResponses  Protocol = "responses"
	ProtocolGemini     Protocol = "gemini"
	ProtocolPassthrough Protocol = "passthrough"
)

// ErrConversion is returned when a payload can't be converted into the
// target shape, wrapping the offending field path where known.
type ErrConversion struct {
	Field string
	Err   error
}

func (e *ErrConversion) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("codec: convert field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("codec: %v", e.Err)
}

func (e *ErrConversion) Unwrap() error { return e.Err }

// Codec converts a single protocol pair's request and response bodies to
// and from the neutral pipeline.ChatRequest/ChatResponse pivot shapes.
// DecodeRequest/DecodeResponse take a raw body in the codec's own wire
// shape and return the neutral form; EncodeRequest/EncodeResponse take the
// neutral form and return the raw body in that wire shape.
type Codec interface {
	// DecodeRequest parses a raw request body in this codec's wire shape
	// into the neutral pivot representation.
	DecodeRequest(raw json.RawMessage) (*pipeline.ChatRequest, error)
	// EncodeRequest renders a neutral request into this codec's upstream
	// wire shape, ready to send to a provider speaking that protocol.
	EncodeRequest(req *pipeline.ChatRequest) (json.RawMessage, error)
	// DecodeResponse parses a raw upstream response body in this codec's
	// wire shape into the neutral pivot representation.
	DecodeResponse(raw []byte) (*pipeline.ChatResponse, error)
	// EncodeResponse renders a neutral response into this codec's
	// client-facing wire shape.
	EncodeResponse(resp *pipeline.ChatResponse) (json.RawMessage, error)
}

type pair struct {
	in, out Protocol
}

// Facade dispatches conversion calls to the codec registered for a given
// (inProtocol, outProtocol) pair. Constructed once at startup via New and
// passed explicitly to the orchestrator -- never a package-level singleton,
// so tests can register fakes without touching global state.
type Facade struct {
	codecs map[pair]Codec
}

// New builds the facade with the built-in codec set: a no-op for
// openai<->openai, an anthropic<->openai bridge reusing the Anthropic
// provider's wire translation, and a responses<->openai bridge that only
// reshapes fields (input/instructions <-> messages, output items <->
// choices) since Responses and Chat share the same message/tool vocabulary
// at the pivot.
func New() *Facade {
	f := &Facade{codecs: make(map[pair]Codec)}
	noop := openAINoopCodec{}
	f.Register(ProtocolOpenAI, ProtocolOpenAI, noop)
	f.Register(ProtocolPassthrough, ProtocolPassthrough, noop)
	f.Register(ProtocolAnthropic, ProtocolOpenAI, anthropicCodec{})
	f.Register(ProtocolResponses, ProtocolOpenAI, responsesCodec{})
	return f
}

// Register installs (or overrides) the codec used for a protocol pair.
func (f *Facade) Register(in, out Protocol, c Codec) {
	f.codecs[pair{in, out}] = c
}

// Lookup returns the codec registered for (in, out), or ok=false when the
// pair isn't wired.
func (f *Facade) Lookup(in, out Protocol) (Codec, bool) {
	c, ok := f.codecs[pair{in, out}]
	return c, ok
}

// ConvertRequest parses raw into the neutral pivot shape using the codec
// registered for (in, out).
func (f *Facade) ConvertRequest(in, out Protocol, raw json.RawMessage) (*pipeline.ChatRequest, error) {
	c, ok := f.Lookup(in, out)
	if !ok {
		return nil, &ErrConversion{Err: fmt.Errorf("no codec registered for %s -> %s", in, out)}
	}
	return c.DecodeRequest(raw)
}

// ConvertResponse renders a neutral response into the wire shape for (in, out).
func (f *Facade) ConvertResponse(in, out Protocol, resp *pipeline.ChatResponse) (json.RawMessage, error) {
	c, ok := f.Lookup(in, out)
	if !ok {
		return nil, &ErrConversion{Err: fmt.Errorf("no codec registered for %s -> %s", in, out)}
	}
	return c.EncodeResponse(resp)
}

// --- openai<->openai (identity) ---

type openAINoopCodec struct{}

func (openAINoopCodec) DecodeRequest(raw json.RawMessage) (*pipeline.ChatRequest, error) {
	var req pipeline.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ErrConversion{Err: err}
	}
	return &req, nil
}

func (openAINoopCodec) EncodeRequest(req *pipeline.ChatRequest) (json.RawMessage, error) {
	return json.Marshal(req)
}

func (openAINoopCodec) DecodeResponse(raw []byte) (*pipeline.ChatResponse, error) {
	var resp pipeline.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ErrConversion{Err: err}
	}
	return &resp, nil
}

func (openAINoopCodec) EncodeResponse(resp *pipeline.ChatResponse) (json.RawMessage, error) {
	return json.Marshal(resp)
}

// --- anthropic<->openai ---

// anthropicCodec bridges the Anthropic Messages wire shape and the
// OpenAI-Chat pivot, reusing the Anthropic provider's own translation so
// there is exactly one place that understands Anthropic's content-block
// shape.
type anthropicCodec struct{}

func (anthropicCodec) DecodeRequest(raw json.RawMessage) (*pipeline.ChatRequest, error) {
	req, err := anthropic.DecodeAnthropicRequest(raw)
	if err != nil {
		return nil, &ErrConversion{Err: err}
	}
	return req, nil
}

func (anthropicCodec) EncodeRequest(req *pipeline.ChatRequest) (json.RawMessage, error) {
	out, err := anthropic.TranslateRequest(req)
	if err != nil {
		return nil, &ErrConversion{Err: err}
	}
	return out, nil
}

func (anthropicCodec) DecodeResponse(raw []byte) (*pipeline.ChatResponse, error) {
	resp, err := anthropic.TranslateResponse(raw)
	if err != nil {
		return nil, &ErrConversion{Err: err}
	}
	return resp, nil
}

func (anthropicCodec) EncodeResponse(resp *pipeline.ChatResponse) (json.RawMessage, error) {
	out, err := anthropic.EncodeResponseToAnthropic(resp)
	if err != nil {
		return nil, &ErrConversion{Err: err}
	}
	return out, nil
}

// --- responses<->openai ---

// responsesCodec bridges the OpenAI Responses API's input/output-item
// shape and the Chat pivot. The Responses API's "input" is a flattened
// message array close enough to Chat's "messages" that the bridge is a
// field reshape rather than a semantic translation.
type responsesCodec struct{}

type responsesRequest struct {
	Model       string          `json:"model"`
	Input       json.RawMessage `json:"input"`
	Instructions string         `json:"instructions,omitempty"`
	MaxTokens   *int            `json:"max_output_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
}

func (responsesCodec) DecodeRequest(raw json.RawMessage) (*pipeline.ChatRequest, error) {
	var rr responsesRequest
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, &ErrConversion{Field: "input", Err: err}
	}

	var messages []pipeline.Message
	if rr.Instructions != "" {
		content, _ := json.Marshal(rr.Instructions)
		messages = append(messages, pipeline.Message{Role: "system", Content: content})
	}

	// "input" is either a bare string (single user turn) or an array of
	// role/content items matching Chat's message shape.
	if len(rr.Input) > 0 && rr.Input[0] == '"' {
		var s string
		if err := json.Unmarshal(rr.Input, &s); err != nil {
			return nil, &ErrConversion{Field: "input", Err: err}
		}
		content, _ := json.Marshal(s)
		messages = append(messages, pipeline.Message{Role: "user", Content: content})
	} else if len(rr.Input) > 0 {
		var items []pipeline.Message
		if err := json.Unmarshal(rr.Input, &items); err != nil {
			return nil, &ErrConversion{Field: "input", Err: err}
		}
		messages = append(messages, items...)
	}

	return &pipeline.ChatRequest{
		Model:       rr.Model,
		Messages:    messages,
		Temperature: rr.Temperature,
		TopP:        rr.TopP,
		Stream:      rr.Stream,
		MaxTokens:   rr.MaxTokens,
		Tools:       rr.Tools,
	}, nil
}

func (responsesCodec) EncodeRequest(req *pipeline.ChatRequest) (json.RawMessage, error) {
	input, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, &ErrConversion{Field: "messages", Err: err}
	}
	rr := responsesRequest{
		Model:       req.Model,
		Input:       input,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
	}
	return json.Marshal(rr)
}

type responsesOutputItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type responsesResponse struct {
	ID     string                `json:"id"`
	Object string                `json:"object"`
	Model  string                `json:"model"`
	Output []responsesOutputItem `json:"output"`
	Usage  *pipeline.Usage       `json:"usage,omitempty"`
}

func (responsesCodec) DecodeResponse(raw []byte) (*pipeline.ChatResponse, error) {
	var rr responsesResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, &ErrConversion{Field: "output", Err: err}
	}
	var choices []pipeline.Choice
	for i, item := range rr.Output {
		if item.Type != "message" {
			continue
		}
		choices = append(choices, pipeline.Choice{
			Index:        i,
			Message:      pipeline.Message{Role: "assistant", Content: item.Content},
			FinishReason: "stop",
		})
	}
	return &pipeline.ChatResponse{
		ID:      rr.ID,
		Object:  "chat.completion",
		Model:   rr.Model,
		Choices: choices,
		Usage:   rr.Usage,
	}, nil
}

func (responsesCodec) EncodeResponse(resp *pipeline.ChatResponse) (json.RawMessage, error) {
	out := responsesResponse{
		ID:     resp.ID,
		Object: "response",
		Model:  resp.Model,
		Usage:  resp.Usage,
	}
	for i, c := range resp.Choices {
		out.Output = append(out.Output, responsesOutputItem{
			Type:    "message",
			Role:    "assistant",
			Content: c.Message.Content,
		})
		_ = i
	}
	return json.Marshal(out)
}
