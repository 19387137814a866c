package compat

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestShapeRequestIFlowStripsStrictAndRewritesShell(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte(`{
		"model": "iflow-x",
		"tools": [
			{"type":"function","function":{"name":"shell","strict":true,"parameters":{"type":"object","properties":{"command":{"type":"string"}},"required":[]}}}
		]
	}`)
	out, err := s.ShapeRequest(payload, Profile{ProviderAlias: "iflow"})
	if err != nil {
		t.Fatalf("ShapeRequest: %v", err)
	}
	if gjson.GetBytes(out, "tools.0.function.strict").Exists() {
		t.Error("expected function.strict stripped")
	}
	if gjson.GetBytes(out, "tools.0.function.parameters.properties.command.type").String() != "array" {
		t.Errorf("command schema type = %q, want array", gjson.GetBytes(out, "tools.0.function.parameters.properties.command.type").String())
	}
	required := gjson.GetBytes(out, "tools.0.function.parameters.required").Array()
	if len(required) != 1 || required[0].String() != "command" {
		t.Errorf("required = %v, want [command]", required)
	}
}

func TestShapeResponseUsageRemap(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte(`{"model":"glm-4","created_at":1700000000,"usage":{"input_tokens":10,"output_tokens":5},"choices":[]}`)
	out, err := s.ShapeResponse(payload, Profile{ProviderAlias: "glm"})
	if err != nil {
		t.Fatalf("ShapeResponse: %v", err)
	}
	if gjson.GetBytes(out, "usage.prompt_tokens").Int() != 10 {
		t.Errorf("prompt_tokens = %d, want 10", gjson.GetBytes(out, "usage.prompt_tokens").Int())
	}
	if gjson.GetBytes(out, "usage.total_tokens").Int() != 15 {
		t.Errorf("total_tokens = %d, want 15", gjson.GetBytes(out, "usage.total_tokens").Int())
	}
	if !gjson.GetBytes(out, "created").Exists() {
		t.Error("expected created to be set from created_at")
	}
	if gjson.GetBytes(out, "created_at").Exists() {
		t.Error("expected created_at removed")
	}
}

func TestShapeResponseExtractsReasoning(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte(`{"choices":[{"message":{"content":"<thinking>let me think</thinking>the answer is 4"}}]}`)
	out, err := s.ShapeResponse(payload, Profile{ProviderAlias: "glm"})
	if err != nil {
		t.Fatalf("ShapeResponse: %v", err)
	}
	if gjson.GetBytes(out, "choices.0.message.reasoning_content").String() != "let me think" {
		t.Errorf("reasoning_content = %q, want %q", gjson.GetBytes(out, "choices.0.message.reasoning_content").String(), "let me think")
	}
	if gjson.GetBytes(out, "choices.0.message.content").String() != "the answer is 4" {
		t.Errorf("content = %q, want cleaned text", gjson.GetBytes(out, "choices.0.message.content").String())
	}
}

func TestShapeRequestNoBundleIsNoop(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := []byte(`{"model":"x"}`)
	out, err := s.ShapeRequest(payload, Profile{})
	if err != nil {
		t.Fatalf("ShapeRequest: %v", err)
	}
	if string(out) != string(payload) {
		t.Errorf("expected unchanged payload, got %s", out)
	}
}

func TestProfileMatches(t *testing.T) {
	p := Profile{ProviderMatch: []string{"zhipu"}, ProtocolMatch: []string{"openai"}}
	if !p.Matches("zhipu", "openai") {
		t.Error("expected match")
	}
	if p.Matches("other", "openai") {
		t.Error("expected no match on provider")
	}
}
