package settings

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// RuntimeConfig is the validated, internally consistent configuration
// a session is started with. It is built fresh per session start and
// treated as immutable afterwards.
type RuntimeConfig struct {
	AgentName string `json:"agent_name"`
	Prompt    string `json:"prompt"`
	Language  string `json:"language"`

	LLMProvider string `json:"llm_provider"`
	// STTProvider is derived from LLMProvider and never read from input.
	STTProvider string `json:"stt_provider"`
	TTSProvider string `json:"tts_provider"`

	// KokoroVoice and PiperVoice are explicit user overrides. Empty
	// means the voice is derived from the language.
	KokoroVoice string `json:"tts_voice_kokoro"`
	PiperVoice  string `json:"tts_voice_piper"`

	OllamaHost  string `json:"ollama_host"`
	OllamaModel string `json:"ollama_model"`
	OllamaThink bool   `json:"ollama_think"`
	GroqAPIKey  string `json:"-"`
	GroqModel   string `json:"groq_model"`

	Temperature   float64 `json:"temperature"`
	ContextSize   int     `json:"context_size"`
	MaxTurns      int     `json:"max_turns"`
	ToolCacheSize int     `json:"tool_cache_size"`

	HomeAssistant Integration `json:"home_assistant"`
	N8N           Integration `json:"n8n"`
	WebSearch     bool        `json:"web_search"`

	WakeGreetings []string `json:"wake_greetings,omitempty"`
	WakeWord      WakeWord `json:"wake_word"`

	AllowInterruptions  bool    `json:"allow_interruptions"`
	MinEndpointingDelay float64 `json:"min_endpointing_delay"`
}

// Integration holds the connection settings of a built-in
// capability-discovery integration.
type Integration struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"-"`
}

// WakeWord holds the wake-word detector parameters passed to the host.
type WakeWord struct {
	Enabled   bool    `json:"enabled"`
	Model     string  `json:"model"`
	Threshold float64 `json:"threshold"`
	Timeout   float64 `json:"timeout"`
}

// VoiceOverride returns the user-chosen voice for a TTS provider, or
// empty when the voice should be derived from the language.
func (c *RuntimeConfig) VoiceOverride(provider string) string {
	switch provider {
	case ProviderKokoro:
		return c.KokoroVoice
	case ProviderPiper:
		return c.PiperVoice
	}
	return ""
}

// BaseLanguage returns the primary language subtag ("pt" for "pt-BR").
func (c *RuntimeConfig) BaseLanguage() string {
	tag, err := language.Parse(c.Language)
	if err != nil {
		return DefaultLanguage
	}
	base, _ := tag.Base()
	return base.String()
}

// Warning records a settings value that was replaced during resolution.
type Warning struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return w.Key + ": " + w.Message
}

// Resolution is the result of resolving persisted settings.
type Resolution struct {
	Config   *RuntimeConfig
	Warnings []Warning
}

// Resolve builds a RuntimeConfig from loosely typed persisted
// settings. Missing or unknown fields take their defaults and
// out-of-range numbers are clamped. The only failure is a missing
// credential for the selected provider, returned as *ConfigError.
func Resolve(persisted map[string]any) (*RuntimeConfig, error) {
	res, err := ResolveWithReport(persisted)
	if err != nil {
		return nil, err
	}
	return res.Config, nil
}

// ResolveWithReport is Resolve, also returning every value that was
// defaulted, coerced or clamped.
func ResolveWithReport(persisted map[string]any) (*Resolution, error) {
	r := &resolver{in: normalizeKeys(persisted)}

	vals := make(map[string]any, len(fields))
	for i := range fields {
		f := &fields[i]
		vals[f.key] = r.value(f)
	}

	lang := r.language(vals["language"].(string))

	cfg := &RuntimeConfig{
		AgentName: vals["agent_name"].(string),
		Prompt:    vals["prompt"].(string),
		Language:  lang,

		LLMProvider: vals["llm_provider"].(string),
		TTSProvider: vals["tts_provider"].(string),
		KokoroVoice: vals["tts_voice_kokoro"].(string),
		PiperVoice:  vals["tts_voice_piper"].(string),

		OllamaHost:  strings.TrimRight(vals["ollama_host"].(string), "/"),
		OllamaModel: vals["ollama_model"].(string),
		OllamaThink: vals["ollama_think"].(bool),
		GroqAPIKey:  vals["groq_api_key"].(string),
		GroqModel:   vals["groq_model"].(string),

		Temperature:   vals["temperature"].(float64),
		ContextSize:   vals["num_ctx"].(int),
		MaxTurns:      vals["max_turns"].(int),
		ToolCacheSize: vals["tool_cache_size"].(int),

		HomeAssistant: Integration{
			Enabled: vals["hass_enabled"].(bool),
			URL:     strings.TrimRight(vals["hass_host"].(string), "/"),
			Token:   vals["hass_token"].(string),
		},
		N8N: Integration{
			Enabled: vals["n8n_enabled"].(bool),
			URL:     vals["n8n_url"].(string),
			Token:   vals["n8n_token"].(string),
		},
		WebSearch: vals["web_search_enabled"].(bool),

		WakeGreetings: vals["wake_greetings"].([]string),
		WakeWord: WakeWord{
			Enabled:   vals["wake_word_enabled"].(bool),
			Model:     vals["wake_word_model"].(string),
			Threshold: vals["wake_word_threshold"].(float64),
			Timeout:   vals["wake_word_timeout"].(float64),
		},

		AllowInterruptions:  vals["allow_interruptions"].(bool),
		MinEndpointingDelay: vals["min_endpointing_delay"].(float64),
	}
	cfg.STTProvider = DeriveSTTProvider(cfg.LLMProvider)

	if cfg.HomeAssistant.Enabled && cfg.HomeAssistant.URL == "" {
		r.warn("hass_host", "Home Assistant enabled without a host; integration disabled")
		cfg.HomeAssistant.Enabled = false
	}
	if cfg.N8N.Enabled && cfg.N8N.URL == "" {
		r.warn("n8n_url", "n8n enabled without a URL; integration disabled")
		cfg.N8N.Enabled = false
	}

	if cfg.LLMProvider == ProviderGroq && strings.TrimSpace(cfg.GroqAPIKey) == "" {
		return nil, &ConfigError{
			Key:      "groq_api_key",
			Provider: ProviderGroq,
			Message:  "a Groq API key is required when llm_provider is groq",
		}
	}

	return &Resolution{Config: cfg, Warnings: r.warnings}, nil
}

// DeriveSTTProvider maps the reasoning provider onto its transcription
// backend: local Speaches alongside Ollama, Groq's hosted Whisper
// otherwise.
func DeriveSTTProvider(llmProvider string) string {
	if llmProvider == ProviderOllama {
		return ProviderSpeaches
	}
	return ProviderGroq
}

// Settings serializes the config back into the persisted key space.
// Resolving the returned map yields an identical RuntimeConfig.
func (c *RuntimeConfig) Settings() map[string]any {
	return map[string]any{
		"agent_name":            c.AgentName,
		"prompt":                c.Prompt,
		"language":              c.Language,
		"llm_provider":          c.LLMProvider,
		"tts_provider":          c.TTSProvider,
		"tts_voice_kokoro":      c.KokoroVoice,
		"tts_voice_piper":       c.PiperVoice,
		"temperature":           c.Temperature,
		"ollama_host":           c.OllamaHost,
		"ollama_model":          c.OllamaModel,
		"ollama_think":          c.OllamaThink,
		"num_ctx":               c.ContextSize,
		"groq_api_key":          c.GroqAPIKey,
		"groq_model":            c.GroqModel,
		"max_turns":             c.MaxTurns,
		"tool_cache_size":       c.ToolCacheSize,
		"hass_enabled":          c.HomeAssistant.Enabled,
		"hass_host":             c.HomeAssistant.URL,
		"hass_token":            c.HomeAssistant.Token,
		"n8n_enabled":           c.N8N.Enabled,
		"n8n_url":               c.N8N.URL,
		"n8n_token":             c.N8N.Token,
		"web_search_enabled":    c.WebSearch,
		"wake_greetings":        copyValue(c.WakeGreetings),
		"wake_word_enabled":     c.WakeWord.Enabled,
		"wake_word_model":       c.WakeWord.Model,
		"wake_word_threshold":   c.WakeWord.Threshold,
		"wake_word_timeout":     c.WakeWord.Timeout,
		"allow_interruptions":   c.AllowInterruptions,
		"min_endpointing_delay": c.MinEndpointingDelay,
	}
}

// normalizeKeys folds legacy aliases onto current keys. stt_provider is
// dropped: it is always derived.
func normalizeKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if alias, ok := aliases[k]; ok {
			if _, current := in[alias]; current {
				continue
			}
			k = alias
		}
		if k == "stt_provider" {
			continue
		}
		out[k] = v
	}
	return out
}

type resolver struct {
	in       map[string]any
	warnings []Warning
}

func (r *resolver) warn(key, format string, args ...any) {
	r.warnings = append(r.warnings, Warning{Key: key, Message: fmt.Sprintf(format, args...)})
}

// value returns the coerced, clamped value for f, or its default.
func (r *resolver) value(f *field) any {
	raw, ok := r.in[f.key]
	if !ok || raw == nil {
		return copyValue(f.def)
	}

	switch f.kind {
	case kindString:
		s, ok := coerceString(raw)
		if !ok {
			r.warn(f.key, "expected text, got %T; using default", raw)
			return f.def
		}
		return strings.TrimSpace(s)

	case kindEnum:
		s, _ := coerceString(raw)
		s = strings.ToLower(strings.TrimSpace(s))
		for _, opt := range f.options {
			if s == opt {
				return s
			}
		}
		r.warn(f.key, "unknown value %v (valid: %s); using %v", raw, strings.Join(f.options, ", "), f.def)
		return f.def

	case kindBool:
		b, ok := coerceBool(raw)
		if !ok {
			r.warn(f.key, "expected boolean, got %v; using default", raw)
			return f.def
		}
		return b

	case kindFloat:
		n, ok := coerceFloat(raw)
		if !ok {
			r.warn(f.key, "expected number, got %v; using default", raw)
			return f.def
		}
		return r.clamp(f, n)

	case kindInt:
		n, ok := coerceFloat(raw)
		if !ok {
			r.warn(f.key, "expected integer, got %v; using default", raw)
			return f.def
		}
		return int(math.Round(r.clamp(f, n)))

	case kindList:
		list, ok := coerceList(raw)
		if !ok {
			r.warn(f.key, "expected a list of strings, got %T; using default", raw)
			return copyValue(f.def)
		}
		return list
	}
	return f.def
}

// clamp bounds n to the field's documented range, recording a warning
// when it had to move. Out-of-range values are never rejected.
func (r *resolver) clamp(f *field, n float64) float64 {
	switch {
	case n < f.min:
		r.warn(f.key, "%v below minimum %v; clamped", n, f.min)
		return f.min
	case n > f.max:
		r.warn(f.key, "%v above maximum %v; clamped", n, f.max)
		return f.max
	}
	return n
}

func (r *resolver) language(s string) string {
	if s == "" {
		return DefaultLanguage
	}
	tag, err := language.Parse(s)
	if err != nil {
		r.warn("language", "invalid language tag %q; using %s", s, DefaultLanguage)
		return DefaultLanguage
	}
	return tag.String()
}

func coerceString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case fmt.Stringer:
		return x.String(), true
	case bool, int, int64, float64:
		return fmt.Sprint(x), true
	}
	return "", false
}

func coerceBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "yes", "on":
				return true, true
			case "no", "off":
				return false, true
			}
			return false, false
		}
		return b, true
	case float64:
		return x != 0, true
	case int:
		return x != 0, true
	}
	return false, false
}

func coerceFloat(v any) (float64, bool) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

func coerceList(v any) ([]string, bool) {
	var out []string
	switch x := v.(type) {
	case []string:
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, line := range strings.Split(x, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
	default:
		return nil, false
	}
	return out, true
}
