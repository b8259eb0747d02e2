// Package settings resolves persisted user settings into the runtime
// configuration a voice session starts with, and persists changes
// through a pluggable key-value store (SQLite, Redis or memory).
package settings

// kind is the value type a persisted setting coerces to.
type kind int

const (
	kindString kind = iota
	kindBool
	kindFloat
	kindInt
	kindEnum
	kindList
)

// field describes one persisted setting: its key, type, default and,
// for numeric kinds, the documented range it is clamped to.
type field struct {
	key     string
	kind    kind
	def     any
	min     float64
	max     float64
	options []string
	secret  bool
}

// Provider names accepted in settings.
const (
	ProviderOllama   = "ollama"
	ProviderGroq     = "groq"
	ProviderSpeaches = "speaches"
	ProviderKokoro   = "kokoro"
	ProviderPiper    = "piper"
)

// Prompt selections.
const (
	PromptDefault = "default"
	PromptCustom  = "custom"
)

// DefaultLanguage is the base language every asset and voice table
// falls back to.
const DefaultLanguage = "en"

// fields is the static default table. Order is the order settings are
// listed by [Defaults] and [Keys].
var fields = []field{
	{key: "agent_name", kind: kindString, def: "Cal"},
	{key: "prompt", kind: kindEnum, def: PromptDefault, options: []string{PromptDefault, PromptCustom}},
	{key: "language", kind: kindString, def: DefaultLanguage},

	{key: "llm_provider", kind: kindEnum, def: ProviderOllama, options: []string{ProviderOllama, ProviderGroq}},
	{key: "tts_provider", kind: kindEnum, def: ProviderKokoro, options: []string{ProviderKokoro, ProviderPiper}},
	{key: "tts_voice_kokoro", kind: kindString, def: ""},
	{key: "tts_voice_piper", kind: kindString, def: ""},

	{key: "temperature", kind: kindFloat, def: 0.15, min: 0, max: 2},
	{key: "ollama_host", kind: kindString, def: "http://localhost:11434"},
	{key: "ollama_model", kind: kindString, def: "ministral-3:8b"},
	{key: "ollama_think", kind: kindBool, def: false},
	{key: "num_ctx", kind: kindInt, def: 8192, min: 512, max: 131072},
	{key: "groq_api_key", kind: kindString, def: "", secret: true},
	{key: "groq_model", kind: kindString, def: "llama-3.3-70b-versatile"},

	{key: "max_turns", kind: kindInt, def: 20, min: 1, max: 100},
	{key: "tool_cache_size", kind: kindInt, def: 3, min: 0, max: 10},

	{key: "hass_enabled", kind: kindBool, def: false},
	{key: "hass_host", kind: kindString, def: ""},
	{key: "hass_token", kind: kindString, def: "", secret: true},
	{key: "n8n_enabled", kind: kindBool, def: false},
	{key: "n8n_url", kind: kindString, def: ""},
	{key: "n8n_token", kind: kindString, def: "", secret: true},
	{key: "web_search_enabled", kind: kindBool, def: true},

	{key: "wake_greetings", kind: kindList, def: []string(nil)},
	{key: "wake_word_enabled", kind: kindBool, def: true},
	{key: "wake_word_model", kind: kindString, def: "models/hey_jarvis.onnx"},
	{key: "wake_word_threshold", kind: kindFloat, def: 0.5, min: 0, max: 1},
	{key: "wake_word_timeout", kind: kindFloat, def: 3.0, min: 0.5, max: 30},

	{key: "allow_interruptions", kind: kindBool, def: true},
	{key: "min_endpointing_delay", kind: kindFloat, def: 0.5, min: 0.1, max: 1.0},
}

// aliases maps keys written by older schema versions onto their
// current names. A current key always wins over its alias.
var aliases = map[string]string{
	"context_size": "num_ctx",
	"model":        "ollama_model",
	"hass_url":     "hass_host",
	"n8n_host":     "n8n_url",
}

var fieldIndex = func() map[string]*field {
	m := make(map[string]*field, len(fields))
	for i := range fields {
		m[fields[i].key] = &fields[i]
	}
	return m
}()

// Defaults returns a fresh copy of the default settings table.
func Defaults() map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.key] = copyValue(f.def)
	}
	return out
}

// Keys returns every known settings key in table order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// Known reports whether key (or a legacy alias of a key) is a
// recognized setting.
func Known(key string) bool {
	_, ok := fieldIndex[canonicalKey(key)]
	return ok
}

// Range returns the clamp bounds for a numeric setting.
func Range(key string) (lo, hi float64, ok bool) {
	f, found := fieldIndex[key]
	if !found || (f.kind != kindFloat && f.kind != kindInt) {
		return 0, 0, false
	}
	return f.min, f.max, true
}

func canonicalKey(key string) string {
	if k, ok := aliases[key]; ok {
		return k
	}
	return key
}

func copyValue(v any) any {
	if list, ok := v.([]string); ok && list != nil {
		return append([]string(nil), list...)
	}
	return v
}
