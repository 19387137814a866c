// Package anthropic implements the pipeline.Provider adapter for the Anthropic API.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	pipeline "github.com/flowmesh/llmgateway/internal"
)

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	Messages    []anthropicMsg    `json:"messages"`
	System      json.RawMessage   `json:"system,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       json.RawMessage   `json:"tools,omitempty"`
	StopSeqs    json.RawMessage   `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// TranslateRequest converts an OpenAI-format ChatRequest to an Anthropic
// Messages API request body. Exported so the conversion codec facade
// (internal/codec) can drive it without a provider instance.
func TranslateRequest(req *pipeline.ChatRequest) (json.RawMessage, error) {
	out, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// TranslateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse. Exported for internal/codec.
func TranslateResponse(data []byte) (*pipeline.ChatResponse, error) {
	return translateResponse(data)
}

// DecodeAnthropicRequest converts an Anthropic Messages API request body
// into the pivot ChatRequest shape, the inverse of translateRequest.
// Exported for internal/codec's universal-endpoint fallback, which needs to
// accept an Anthropic-shaped request that didn't arrive through the native
// passthrough route.
func DecodeAnthropicRequest(raw []byte) (*pipeline.ChatRequest, error) {
	var in anthropicRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("anthropic: decode request: %w", err)
	}

	var messages []pipeline.Message
	if len(in.System) > 0 {
		messages = append(messages, pipeline.Message{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		messages = append(messages, pipeline.Message{Role: m.Role, Content: m.Content})
	}

	maxTokens := in.MaxTokens
	return &pipeline.ChatRequest{
		Model:       in.Model,
		Messages:    messages,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
		MaxTokens:   &maxTokens,
		Tools:       in.Tools,
		Stop:        in.StopSeqs,
	}, nil
}

func translateRequest(req *pipeline.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   4096, // Anthropic requires max_tokens
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Tools:       req.Tools,
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    m.Role,
				Content: m.Content,
			})
		case "tool":
			// Tool results map to user role in Anthropic's format.
			toolResult := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    "user",
				Content: json.RawMessage(toolResult),
			})
		}
	}

	return out, nil
}

// translateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte) (*pipeline.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := mapStopReason(result.Get("stop_reason").String())

	// Build message content from content blocks.
	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := pipeline.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *pipeline.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = &pipeline.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("input_tokens").Int()) + int(u.Get("output_tokens").Int()),
		}
	}

	return &pipeline.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []pipeline.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

// mapFinishReason converts an OpenAI finish_reason to an Anthropic
// stop_reason, the inverse of mapStopReason.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

// anthropicContentBlock is one entry of an Anthropic response's "content" array.
type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason,omitempty"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// openAIToolCall mirrors the shape translateResponse produces for a single
// tool call so EncodeResponseToAnthropic can read it back out.
type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// EncodeResponseToAnthropic converts a pivot ChatResponse into an Anthropic
// Messages API response body, the inverse of TranslateResponse. Exported so
// the conversion codec facade (internal/codec) can render Anthropic-shaped
// output for a client even when the resolved provider spoke some other
// protocol.
func EncodeResponseToAnthropic(resp *pipeline.ChatResponse) (json.RawMessage, error) {
	out := anthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = anthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.StopReason = mapFinishReason(choice.FinishReason)

		if len(choice.Message.Content) > 0 {
			var text string
			if err := json.Unmarshal(choice.Message.Content, &text); err != nil {
				text = string(choice.Message.Content)
			}
			if text != "" {
				out.Content = append(out.Content, anthropicContentBlock{Type: "text", Text: text})
			}
		}
		if len(choice.Message.ToolCalls) > 0 {
			var calls []openAIToolCall
			if err := json.Unmarshal(choice.Message.ToolCalls, &calls); err != nil {
				return nil, fmt.Errorf("anthropic: decode tool calls: %w", err)
			}
			for _, c := range calls {
				out.Content = append(out.Content, anthropicContentBlock{
					Type:  "tool_use",
					ID:    c.ID,
					Name:  c.Function.Name,
					Input: c.Function.Arguments,
				})
			}
		}
	}
	return json.Marshal(out)
}
