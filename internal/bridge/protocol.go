package bridge

import (
	"encoding/json"

	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/session"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/tools"
	"github.com/nugget/caal/internal/turn"
)

// Message types sent by the host runtime.
const (
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypeToolCall     = "tool_call"
	TypeAck          = "ack"
)

// Message types sent by the core.
const (
	TypeSessionConfig = "session_config"
	TypeToolResult    = "tool_result"
	TypeSpeak         = "speak"
	TypeTurnPolicy    = "turn_policy"
	TypeToolsChanged  = "tools_changed"
	TypeRestart       = "restart"
	TypeError         = "error"
)

// StatusQueued is the ack status for speech accepted for playback.
const StatusQueued = "queued"

// Message is one JSON frame in either direction. ID correlates a
// request with its reply: the host picks it for session_start and
// tool_call, the core picks it for commands the host acks.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Room      string          `json:"room,omitempty"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SessionConfig is everything the host needs to run a session.
type SessionConfig struct {
	SessionID    string                 `json:"session_id"`
	Room         string                 `json:"room"`
	AgentName    string                 `json:"agent_name"`
	Language     string                 `json:"language"`
	Instructions string                 `json:"instructions"`
	MaxTurns     int                    `json:"max_turns"`
	STT          STTConfig              `json:"stt"`
	LLM          LLMConfig              `json:"llm"`
	TTS          TTSConfig              `json:"tts"`
	Substitution *pipeline.Substitution `json:"tts_substitution,omitempty"`
	Turn         turn.Policy            `json:"turn"`
	WakeWord     settings.WakeWord      `json:"wake_word"`
	Greetings    []string               `json:"wake_greetings"`
	Tools        []map[string]any       `json:"tools"`
}

// STTConfig locates the speech-to-text backend.
type STTConfig struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

// LLMConfig describes the reasoning model.
type LLMConfig struct {
	Provider    string  `json:"provider"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key,omitempty"`
	Temperature float64 `json:"temperature"`
	ContextSize int     `json:"num_ctx"`
	Think       bool    `json:"think"`
}

// TTSConfig locates the text-to-speech backend.
type TTSConfig struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	Voice    string `json:"voice"`
}

// ToolResult is the payload of a tool_result frame.
type ToolResult struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	// Context renders recent tool data for the next model turn.
	Context string `json:"context,omitempty"`
}

// NewSessionConfig describes h for the host.
func NewSessionConfig(h *session.Handle, defs []tools.Definition) SessionConfig {
	sc := SessionConfig{
		SessionID:    h.ID,
		Room:         h.Room,
		Instructions: h.Instructions,
		Turn:         h.TurnPolicy(),
		Tools:        tools.Functions(defs),
	}
	if cfg := h.Config; cfg != nil {
		sc.AgentName = cfg.AgentName
		sc.Language = cfg.Language
		sc.MaxTurns = cfg.MaxTurns
		sc.WakeWord = cfg.WakeWord
		sc.LLM = LLMConfig{
			Provider:    cfg.LLMProvider,
			Temperature: cfg.Temperature,
			ContextSize: cfg.ContextSize,
		}
		switch cfg.LLMProvider {
		case settings.ProviderGroq:
			sc.LLM.APIKey = cfg.GroqAPIKey
		default:
			sc.LLM.BaseURL = cfg.OllamaHost
			sc.LLM.Think = cfg.OllamaThink
		}
	}
	if h.Content != nil {
		sc.Greetings = h.Content.Greetings
	}
	if p := h.Pipeline; p != nil {
		sc.STT = STTConfig{
			Provider: p.STT.Provider(),
			BaseURL:  p.STT.BaseURL(),
			Model:    p.STT.Model(),
			Language: p.STT.Language(),
		}
		sc.LLM.Model = p.LLM.Model()
		if b, ok := p.LLM.(interface{ BaseURL() string }); ok {
			sc.LLM.BaseURL = b.BaseURL()
		}
		sc.TTS = TTSConfig{
			Provider: p.TTS.Provider(),
			BaseURL:  p.TTS.BaseURL(),
			Model:    p.TTS.Model(),
			Voice:    p.TTS.Voice(),
		}
		sc.Substitution = p.Substitution
	}
	if sc.Tools == nil {
		sc.Tools = []map[string]any{}
	}
	return sc
}
