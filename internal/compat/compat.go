// Package compat implements the compatibility shaper (C6): a declarative,
// per-provider set of shape filters plus a handful of named hooks that
// massage request and response JSON into shapes specific upstreams expect
// or specific downstreams need normalized. Shape filters are data, loaded
// from embedded or on-disk bundles, so adding support for a new quirky
// provider is a config change rather than a code change; named hooks exist
// for transformations (tool schema rewrites, usage-field remaps, reasoning
// extraction) that are more than a JSON-path operation can express.
package compat

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

//go:embed bundles
var builtinBundles embed.FS

// Operation is a single declarative shape-filter verb.
type Operation string

const (
	OpFlatten         Operation = "flatten"
	OpUnwrap          Operation = "unwrap"
	OpWhitelist       Operation = "whitelist"
	OpSupplyDefaults  Operation = "supply-defaults"
)

// ShapeFilter is one declarative transformation applied to a JSON payload.
// Path is a gjson/sjson dot path; "" means the document root.
type ShapeFilter struct {
	Op       Operation                  `json:"op"`
	Path     string                     `json:"path"`
	Fields   []string                   `json:"fields,omitempty"`
	Defaults map[string]json.RawMessage `json:"defaults,omitempty"`
}

// Bundle is the full shaping configuration for one provider alias.
type Bundle struct {
	Name             string        `json:"name"`
	RequestFilters   []ShapeFilter `json:"requestFilters"`
	ResponseFilters  []ShapeFilter `json:"responseFilters"`
	ToolRewrites     []string      `json:"toolRewrites"`
	UsageRemap       bool          `json:"usageRemap"`
	ReasoningExtract bool          `json:"reasoningExtract"`
}

// Profile selects which bundle narrows a given request/response and where
// to load it from.
type Profile struct {
	// ShapeFilterConfigPath, when set, loads a bundle from disk instead of
	// the built-in set, for operators shaping a provider this package
	// doesn't ship a bundle for.
	ShapeFilterConfigPath string
	// ProviderAlias names a built-in bundle directly (e.g. "glm", "iflow",
	// "qwen"). Ignored when ShapeFilterConfigPath is set.
	ProviderAlias string
	// ProviderMatch/ProtocolMatch further narrow when the bundle applies;
	// empty means "always". Checked by the caller before invoking Shaper,
	// since the shaper itself has no notion of the current request's
	// provider/protocol.
	ProviderMatch []string
	ProtocolMatch []string
}

// Shaper applies shape filters and named hooks to request/response bodies.
type Shaper struct {
	bundles map[string]Bundle
}

// New loads the built-in bundle set (glm, iflow, qwen) from the embedded
// filesystem.
func New() (*Shaper, error) {
	s := &Shaper{bundles: make(map[string]Bundle)}
	entries, err := builtinBundles.ReadDir("bundles")
	if err != nil {
		return nil, fmt.Errorf("compat: read embedded bundles: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := builtinBundles.ReadFile("bundles/" + e.Name() + "/shape-filters.json")
		if err != nil {
			return nil, fmt.Errorf("compat: read bundle %q: %w", e.Name(), err)
		}
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("compat: parse bundle %q: %w", e.Name(), err)
		}
		s.bundles[e.Name()] = b
	}
	return s, nil
}

// resolve returns the bundle named by profile, loading an on-disk override
// when ShapeFilterConfigPath is set.
func (s *Shaper) resolve(profile Profile) (Bundle, bool, error) {
	if profile.ShapeFilterConfigPath != "" {
		data, err := os.ReadFile(profile.ShapeFilterConfigPath)
		if err != nil {
			return Bundle{}, false, fmt.Errorf("compat: read %s: %w", profile.ShapeFilterConfigPath, err)
		}
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return Bundle{}, false, fmt.Errorf("compat: parse %s: %w", profile.ShapeFilterConfigPath, err)
		}
		return b, true, nil
	}
	if profile.ProviderAlias == "" {
		return Bundle{}, false, nil
	}
	b, ok := s.bundles[profile.ProviderAlias]
	return b, ok, nil
}

// ShapeRequest applies profile's request-side filters and tool rewrites to
// payload, returning the transformed document. A profile with no matching
// bundle returns payload unchanged.
func (s *Shaper) ShapeRequest(payload []byte, profile Profile) ([]byte, error) {
	b, ok, err := s.resolve(profile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return payload, nil
	}

	out := payload
	for _, f := range b.RequestFilters {
		out, err = applyFilter(out, f)
		if err != nil {
			return nil, fmt.Errorf("compat: apply %s filter on %q: %w", f.Op, f.Path, err)
		}
	}
	for _, rewrite := range b.ToolRewrites {
		switch rewrite {
		case "strip-function-strict":
			out, err = stripFunctionStrict(out)
		case "shell-argv-schema":
			out, err = rewriteShellToolSchema(out)
		default:
			err = fmt.Errorf("unknown tool rewrite %q", rewrite)
		}
		if err != nil {
			return nil, fmt.Errorf("compat: tool rewrite %s: %w", rewrite, err)
		}
	}
	return out, nil
}

// ShapeResponse applies profile's response-side filters, usage remap, and
// reasoning extraction to payload.
func (s *Shaper) ShapeResponse(payload []byte, profile Profile) ([]byte, error) {
	b, ok, err := s.resolve(profile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return payload, nil
	}

	out := payload
	for _, f := range b.ResponseFilters {
		out, err = applyFilter(out, f)
		if err != nil {
			return nil, fmt.Errorf("compat: apply %s filter on %q: %w", f.Op, f.Path, err)
		}
	}
	if b.UsageRemap {
		out, err = remapUsage(out)
		if err != nil {
			return nil, fmt.Errorf("compat: remap usage: %w", err)
		}
	}
	if b.ReasoningExtract {
		out, err = extractReasoning(out)
		if err != nil {
			return nil, fmt.Errorf("compat: extract reasoning: %w", err)
		}
	}
	return out, nil
}

// Matches reports whether profile applies to the given provider/protocol,
// honoring empty ProviderMatch/ProtocolMatch as "always".
func (profile Profile) Matches(providerType, protocol string) bool {
	if len(profile.ProviderMatch) > 0 && !contains(profile.ProviderMatch, providerType) {
		return false
	}
	if len(profile.ProtocolMatch) > 0 && !contains(profile.ProtocolMatch, protocol) {
		return false
	}
	return true
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// --- declarative filter operations ---

func applyFilter(payload []byte, f ShapeFilter) ([]byte, error) {
	switch f.Op {
	case OpFlatten:
		return applyFlatten(payload, f.Path)
	case OpUnwrap:
		return applyUnwrap(payload, f.Path)
	case OpWhitelist:
		return applyWhitelist(payload, f.Path, f.Fields)
	case OpSupplyDefaults:
		return applySupplyDefaults(payload, f.Path, f.Defaults)
	default:
		return nil, fmt.Errorf("unknown operation %q", f.Op)
	}
}

// applyFlatten merges the object at path into its parent and removes path,
// so callers who expect a flat document don't have to reach through a
// nested wrapper a provider adds around otherwise-standard fields.
func applyFlatten(payload []byte, path string) ([]byte, error) {
	nested := gjson.GetBytes(payload, path)
	if !nested.Exists() || !nested.IsObject() {
		return payload, nil
	}
	out := payload
	var err error
	nested.ForEach(func(k, v gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, k.String(), []byte(v.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return sjson.DeleteBytes(out, path)
}

// applyUnwrap replaces the whole document with the value at path, used
// when a provider wraps its actual payload one level deeper than expected
// (e.g. {"data": {...actual...}}).
func applyUnwrap(payload []byte, path string) ([]byte, error) {
	inner := gjson.GetBytes(payload, path)
	if !inner.Exists() {
		return payload, nil
	}
	return []byte(inner.Raw), nil
}

// applyWhitelist keeps only the named fields of the object at path,
// dropping everything else a provider attaches that downstream consumers
// don't expect to see.
func applyWhitelist(payload []byte, path string, fields []string) ([]byte, error) {
	target := gjson.GetBytes(payload, path)
	if !target.Exists() || !target.IsObject() {
		return payload, nil
	}
	kept := map[string]json.RawMessage{}
	target.ForEach(func(k, v gjson.Result) bool {
		if contains(fields, k.String()) {
			kept[k.String()] = json.RawMessage(v.Raw)
		}
		return true
	})
	raw, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return raw, nil
	}
	return sjson.SetRawBytes(payload, path, raw)
}

// applySupplyDefaults sets each default field at path only when the field
// is currently absent, never overwriting a value the caller actually sent.
func applySupplyDefaults(payload []byte, path string, defaults map[string]json.RawMessage) ([]byte, error) {
	out := payload
	for field, value := range defaults {
		fullPath := field
		if path != "" {
			fullPath = path + "." + field
		}
		if gjson.GetBytes(out, fullPath).Exists() {
			continue
		}
		var err error
		out, err = sjson.SetRawBytes(out, fullPath, value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- named tool-schema hooks ---

// stripFunctionStrict removes the "strict" field from every tool's
// function definition, for providers (iFlow) that reject it outright.
func stripFunctionStrict(payload []byte) ([]byte, error) {
	tools := gjson.GetBytes(payload, "tools")
	if !tools.IsArray() {
		return payload, nil
	}
	out := payload
	tools.ForEach(func(idx, tool gjson.Result) bool {
		path := fmt.Sprintf("tools.%d.function.strict", idx.Int())
		if gjson.GetBytes(out, path).Exists() {
			out, _ = sjson.DeleteBytes(out, path)
		}
		return true
	})
	return out, nil
}

// rewriteShellToolSchema rewrites a tool named "shell"'s `command`
// parameter to the array-of-argv-tokens shape iFlow's model expects,
// rather than a single freeform string the model tends to misquote.
func rewriteShellToolSchema(payload []byte) ([]byte, error) {
	tools := gjson.GetBytes(payload, "tools")
	if !tools.IsArray() {
		return payload, nil
	}
	out := payload
	var err error
	tools.ForEach(func(idx, tool gjson.Result) bool {
		if tool.Get("function.name").String() != "shell" {
			return true
		}
		base := fmt.Sprintf("tools.%d.function.parameters", idx.Int())
		schema := map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Shell command argv tokens. Use ['bash','-lc','<cmd>'] form.",
		}
		out, err = sjson.SetBytes(out, base+".properties.command", schema)
		if err != nil {
			return false
		}
		required := gjson.GetBytes(out, base+".required")
		hasCommand := false
		required.ForEach(func(_, v gjson.Result) bool {
			if v.String() == "command" {
				hasCommand = true
			}
			return !hasCommand
		})
		if !hasCommand {
			reqList := []string{"command"}
			required.ForEach(func(_, v gjson.Result) bool {
				reqList = append(reqList, v.String())
				return true
			})
			out, err = sjson.SetBytes(out, base+".required", reqList)
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- usage and reasoning normalization ---

// remapUsage normalizes GLM/iFlow-shaped usage fields into the
// prompt_tokens/completion_tokens vocabulary the rest of the pipeline
// expects, filling a missing total as the sum of the two and renaming
// created_at to created.
func remapUsage(payload []byte) ([]byte, error) {
	out := payload
	usage := gjson.GetBytes(out, "usage")
	if usage.Exists() {
		var err error
		if v := usage.Get("input_tokens"); v.Exists() && !gjson.GetBytes(out, "usage.prompt_tokens").Exists() {
			out, err = sjson.SetBytes(out, "usage.prompt_tokens", v.Int())
			if err != nil {
				return nil, err
			}
		}
		if v := usage.Get("output_tokens"); v.Exists() && !gjson.GetBytes(out, "usage.completion_tokens").Exists() {
			out, err = sjson.SetBytes(out, "usage.completion_tokens", v.Int())
			if err != nil {
				return nil, err
			}
		}
		usage = gjson.GetBytes(out, "usage")
		if !usage.Get("total_tokens").Exists() {
			total := usage.Get("prompt_tokens").Int() + usage.Get("completion_tokens").Int()
			out, err = sjson.SetBytes(out, "usage.total_tokens", total)
			if err != nil {
				return nil, err
			}
		}
	}
	if created := gjson.GetBytes(out, "created_at"); created.Exists() && !gjson.GetBytes(out, "created").Exists() {
		var err error
		out, err = sjson.SetBytes(out, "created", created.Value())
		if err != nil {
			return nil, err
		}
		out, err = sjson.DeleteBytes(out, "created_at")
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```reasoning\\s*(.*?)```"),
	regexp.MustCompile("(?s)<thinking>(.*?)</thinking>"),
	regexp.MustCompile(`(?s)\[REASONING\](.*?)\[/REASONING\]`),
}

// extractReasoning pulls delimited reasoning spans out of each choice's
// message content and into a separate reasoning_content field, deduping
// identical spans and leaving the visible content clean of the markers.
func extractReasoning(payload []byte) ([]byte, error) {
	choices := gjson.GetBytes(payload, "choices")
	if !choices.IsArray() {
		return payload, nil
	}
	out := payload
	var err error
	choices.ForEach(func(idx, choice gjson.Result) bool {
		contentPath := fmt.Sprintf("choices.%d.message.content", idx.Int())
		content := gjson.GetBytes(out, contentPath)
		if !content.Exists() || content.Type != gjson.String {
			return true
		}
		cleaned, reasoning := splitReasoning(content.String())
		if reasoning == "" {
			return true
		}
		out, err = sjson.SetBytes(out, contentPath, cleaned)
		if err != nil {
			return false
		}
		out, err = sjson.SetBytes(out, fmt.Sprintf("choices.%d.message.reasoning_content", idx.Int()), reasoning)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func splitReasoning(text string) (cleaned, reasoning string) {
	seen := map[string]bool{}
	var spans []string
	cleaned = text
	for _, re := range reasoningPatterns {
		matches := re.FindAllStringSubmatch(cleaned, -1)
		for _, m := range matches {
			span := strings.TrimSpace(m[1])
			if span == "" || seen[span] {
				continue
			}
			seen[span] = true
			spans = append(spans, span)
		}
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, strings.Join(spans, "\n\n")
}
