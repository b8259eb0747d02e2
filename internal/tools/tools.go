// Package tools discovers the capabilities of external integrations,
// collapses verbose ones into a few parameterized wrapper tools, and
// keeps the result in a bounded cache the host reads its tool list
// from.
package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Capability is a raw operation an integration advertises.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Result is what a tool call returns to the host: a message for the
// model and optional structured data kept for follow-up calls.
type Result struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Integration is a capability-discovery backend (an MCP server, the
// built-in web search).
type Integration interface {
	Name() string
	// ListCapabilities enumerates capabilities afresh; implementations
	// must not cache.
	ListCapabilities(ctx context.Context) ([]Capability, error)
	Invoke(ctx context.Context, capability string, args map[string]any) (Result, error)
	Ping(ctx context.Context) error
}

// Definition is one tool exposed to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Integration string         `json:"integration"`

	// dispatch is set for wrapper tools; pass-through tools call the
	// capability named by raw.
	dispatch *wrapperDispatch
	raw      string
}

// Wrapped reports whether the definition collapses several raw
// capabilities.
func (d *Definition) Wrapped() bool { return d.dispatch != nil }

// Function returns the definition in the OpenAI function-tool shape
// both Ollama and Groq accept.
func (d *Definition) Function() map[string]any {
	params := d.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  params,
		},
	}
}

// Functions converts definitions for an LLM request.
func Functions(defs []Definition) []map[string]any {
	out := make([]map[string]any, len(defs))
	for i := range defs {
		out[i] = defs[i].Function()
	}
	return out
}

var nonToolChars = regexp.MustCompile(`[^a-z0-9_]`)

// Sanitize maps a raw capability name onto the tool-name alphabet:
// lowercase alphanumerics and single underscores. "HassTurnOn"
// becomes "hass_turn_on".
func Sanitize(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				prev := name[i-1]
				if prev >= 'a' && prev <= 'z' || prev >= '0' && prev <= '9' {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	s := strings.ReplaceAll(b.String(), "-", "_")
	s = nonToolChars.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// ParseResult interprets a tool's text output. JSON objects carrying
// "message" and "data" (or "results") are split; any other text is
// the message.
func ParseResult(text string) Result {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return Result{Message: text}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return Result{Message: text}
	}
	res := Result{}
	if msg, ok := obj["message"].(string); ok {
		res.Message = msg
	} else {
		res.Message = trimmed
	}
	switch {
	case obj["data"] != nil:
		res.Data = obj["data"]
	case obj["results"] != nil:
		res.Data = obj["results"]
	case res.Message != trimmed:
		rest := make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "message" {
				rest[k] = v
			}
		}
		if len(rest) > 0 {
			res.Data = rest
		}
	}
	return res
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
