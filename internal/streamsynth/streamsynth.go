// Package streamsynth implements the SSE synthesis substrate (C9): turning
// a fully-buffered pivot ChatResponse into the wire events a streaming
// client expects, for the cases where the gateway itself produced the
// complete response rather than relaying an upstream's own SSE stream --
// e.g. a compatibility bundle forced the upstream call to run
// non-streaming, or the client entered through a protocol the resolved
// provider doesn't natively speak.
package streamsynth

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/provider/anthropic"
)

// chunkSize is the maximum content slice carried by one synthesized OpenAI
// delta chunk, splitting long completions into several frames instead of
// one giant one the way a real upstream stream would have.
const chunkSize = 200

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *pipeline.Usage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int          `json:"index"`
	Delta        chunkDelta   `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// ChatChunks synthesizes the OpenAI Chat Completions SSE chunk sequence for
// a complete response: a role-opening chunk, one or more content chunks
// split at chunkSize runes, a tool_calls chunk when the response carries
// one, a finish_reason chunk carrying usage, and a Done sentinel. A response
// with no choices yields only the finish_reason "stop" chunk and Done.
func ChatChunks(resp *pipeline.ChatResponse) []pipeline.StreamChunk {
	if resp == nil || len(resp.Choices) == 0 {
		stop := "stop"
		final := chatChunk{Object: "chat.completion.chunk", Choices: []chunkChoice{{FinishReason: &stop}}}
		if resp != nil {
			final.ID, final.Created, final.Model, final.Usage = resp.ID, resp.Created, resp.Model, resp.Usage
		}
		data, err := json.Marshal(final)
		if err != nil {
			return []pipeline.StreamChunk{{Err: err}, {Done: true}}
		}
		return []pipeline.StreamChunk{{Data: data}, {Done: true}}
	}
	choice := resp.Choices[0]

	var out []pipeline.StreamChunk
	emit := func(delta chunkDelta, finish *string, usage *pipeline.Usage) {
		data, err := json.Marshal(chatChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []chunkChoice{{Index: choice.Index, Delta: delta, FinishReason: finish}},
			Usage:   usage,
		})
		if err != nil {
			out = append(out, pipeline.StreamChunk{Err: err})
			return
		}
		out = append(out, pipeline.StreamChunk{Data: data})
	}

	emit(chunkDelta{Role: "assistant"}, nil, nil)

	text := contentText(choice.Message.Content)
	for _, part := range splitRunes(text, chunkSize) {
		emit(chunkDelta{Content: part}, nil, nil)
	}

	if len(choice.Message.ToolCalls) > 0 {
		emit(chunkDelta{ToolCalls: choice.Message.ToolCalls}, nil, nil)
	}

	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	emit(chunkDelta{}, &finish, resp.Usage)

	out = append(out, pipeline.StreamChunk{Done: true})
	return out
}

// contentText unwraps a Message.Content JSON string into plain text. A
// content value that isn't a JSON string (e.g. already-structured content
// blocks) is passed through as its raw form.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// splitRunes breaks s into chunks of at most n runes, returning nil for an
// empty string so callers emit no content chunk at all.
func splitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var parts []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}

// WriteAnthropicSSE synthesizes the Anthropic Messages API SSE event
// sequence for a complete response: message_start, one content_block_start
// / content_block_delta* / content_block_stop triple per content block,
// message_delta carrying stop_reason and usage, and message_stop. Unlike
// ChatChunks this writes directly to w since Anthropic's "event: <type>"
// line has no home in pipeline.StreamChunk's OpenAI-shaped Usage/Done
// fields.
func WriteAnthropicSSE(w io.Writer, resp *pipeline.ChatResponse) error {
	if resp == nil || len(resp.Choices) == 0 {
		return fmt.Errorf("streamsynth: empty response")
	}

	anthResp, err := anthropic.EncodeResponseToAnthropic(resp)
	if err != nil {
		return fmt.Errorf("streamsynth: encode anthropic response: %w", err)
	}
	var parsed struct {
		Content    []json.RawMessage `json:"content"`
		Usage      json.RawMessage   `json:"usage"`
		StopReason string            `json:"stop_reason"`
	}
	if err := json.Unmarshal(anthResp, &parsed); err != nil {
		return fmt.Errorf("streamsynth: decode anthropic response: %w", err)
	}

	if err := writeEvent(w, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    resp.ID,
			"type":  "message",
			"role":  "assistant",
			"model": resp.Model,
			"usage": json.RawMessage(parsed.Usage),
		},
	}); err != nil {
		return err
	}

	for i, block := range parsed.Content {
		if err := writeEvent(w, "content_block_start", map[string]any{
			"type": "content_block_start", "index": i, "content_block": block,
		}); err != nil {
			return err
		}

		var b struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(block, &b) == nil && b.Type == "text" {
			for _, part := range splitRunes(b.Text, chunkSize) {
				if err := writeEvent(w, "content_block_delta", map[string]any{
					"type": "content_block_delta", "index": i,
					"delta": map[string]any{"type": "text_delta", "text": part},
				}); err != nil {
					return err
				}
			}
		}

		if err := writeEvent(w, "content_block_stop", map[string]any{
			"type": "content_block_stop", "index": i,
		}); err != nil {
			return err
		}
	}

	if err := writeEvent(w, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": parsed.StopReason},
		"usage": json.RawMessage(parsed.Usage),
	}); err != nil {
		return err
	}

	return writeEvent(w, "message_stop", map[string]any{"type": "message_stop"})
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streamsynth: marshal %s event: %w", event, err)
	}
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	_, err = io.WriteString(w, b.String())
	return err
}
