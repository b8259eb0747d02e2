// Package pipeline turns a resolved RuntimeConfig into the speech-in,
// reasoning and speech-out handles a session runs with. The only
// decision it makes is TTS provider substitution: a provider that
// cannot speak the session language is replaced by one that can.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/llm"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speech"
)

// Services locates the speech backends. It comes from the
// infrastructure config, not from runtime settings.
type Services struct {
	SpeachesURL  string
	KokoroURL    string
	KokoroModel  string
	GroqBaseURL  string
	WhisperModel string
	GroqSTTModel string
}

// Substitution records a TTS provider swap made for the session
// language.
type Substitution struct {
	Language  string `json:"language"`
	Requested string `json:"requested"`
	Used      string `json:"used"`
	Voice     string `json:"voice"`
}

// Handles are the assembled provider handles of one session.
type Handles struct {
	STT *speech.STT
	LLM llm.Client
	TTS *speech.TTS

	// Substitution is non-nil when the configured TTS provider was
	// replaced.
	Substitution *Substitution
}

// Summary describes the handles for logs and the host.
func (h *Handles) Summary() map[string]string {
	return map[string]string{
		"stt":       h.STT.Provider(),
		"stt_model": h.STT.Model(),
		"llm":       h.LLM.Name(),
		"llm_model": h.LLM.Model(),
		"tts":       h.TTS.Provider(),
		"tts_voice": h.TTS.Voice(),
	}
}

// Assembler builds Handles. It is safe for concurrent use.
type Assembler struct {
	services Services
	variants []TTSVariant
	logger   *slog.Logger
	bus      *events.Bus
}

// NewAssembler returns an assembler over variants, tried in order
// when substituting. With no variants, Kokoro and Piper are used.
func NewAssembler(svc Services, logger *slog.Logger, bus *events.Bus, variants ...TTSVariant) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(variants) == 0 {
		variants = []TTSVariant{
			&Kokoro{BaseURL: svc.KokoroURL, Model: svc.KokoroModel},
			&Piper{SpeachesURL: svc.SpeachesURL},
		}
	}
	return &Assembler{
		services: svc,
		variants: variants,
		logger:   logger.With("component", "pipeline"),
		bus:      bus,
	}
}

// Variant returns the TTS variant registered under name.
func (a *Assembler) Variant(name string) (TTSVariant, bool) {
	for _, v := range a.variants {
		if v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

// Variants returns the registered TTS variants in substitution order.
func (a *Assembler) Variants() []TTSVariant {
	return a.variants
}

// Assemble builds the session handles. It performs no network I/O;
// an unreachable backend surfaces on the first call made through its
// handle.
func (a *Assembler) Assemble(cfg *settings.RuntimeConfig) (*Handles, error) {
	stt, err := a.buildSTT(cfg)
	if err != nil {
		return nil, err
	}
	reasoning, err := a.buildLLM(cfg)
	if err != nil {
		return nil, err
	}
	tts, sub, err := a.buildTTS(cfg)
	if err != nil {
		return nil, err
	}
	return &Handles{STT: stt, LLM: reasoning, TTS: tts, Substitution: sub}, nil
}

func (a *Assembler) buildSTT(cfg *settings.RuntimeConfig) (*speech.STT, error) {
	lang := cfg.BaseLanguage()
	switch cfg.STTProvider {
	case settings.ProviderSpeaches:
		ep := speech.Endpoint{Provider: settings.ProviderSpeaches, BaseURL: speech.V1(a.services.SpeachesURL)}
		return speech.NewSTT(ep, a.services.WhisperModel, lang, nil), nil
	case settings.ProviderGroq:
		ep := speech.Endpoint{Provider: settings.ProviderGroq, BaseURL: a.groqURL(), APIKey: cfg.GroqAPIKey}
		return speech.NewSTT(ep, a.services.GroqSTTModel, lang, nil), nil
	}
	return nil, fmt.Errorf("unknown stt provider %q", cfg.STTProvider)
}

func (a *Assembler) buildLLM(cfg *settings.RuntimeConfig) (llm.Client, error) {
	opts := llm.Options{
		Temperature: cfg.Temperature,
		NumCtx:      cfg.ContextSize,
		Think:       cfg.OllamaThink,
	}
	switch cfg.LLMProvider {
	case settings.ProviderOllama:
		return llm.NewOllamaClient(cfg.OllamaHost, cfg.OllamaModel, opts, nil, a.logger), nil
	case settings.ProviderGroq:
		return llm.NewGroqClient(a.groqURL(), cfg.GroqAPIKey, cfg.GroqModel, opts, nil, a.logger), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
}

func (a *Assembler) groqURL() string {
	if a.services.GroqBaseURL == "" {
		return llm.DefaultGroqURL
	}
	return a.services.GroqBaseURL
}

func (a *Assembler) buildTTS(cfg *settings.RuntimeConfig) (*speech.TTS, *Substitution, error) {
	configured, ok := a.Variant(cfg.TTSProvider)
	if !ok {
		return nil, nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}
	lang := cfg.BaseLanguage()

	if supports(configured, lang) {
		return configured.Build(cfg, a.voiceFor(configured, cfg, lang)), nil, nil
	}

	for _, v := range a.variants {
		if v == configured || !supports(v, lang) {
			continue
		}
		voice := v.DefaultVoiceFor(lang)
		sub := &Substitution{
			Language:  lang,
			Requested: configured.Name(),
			Used:      v.Name(),
			Voice:     voice,
		}
		a.logger.Warn("tts provider does not support language, substituting",
			"language", lang,
			"requested", sub.Requested,
			"used", sub.Used,
			"voice", voice,
		)
		a.bus.Emit(events.SourcePipeline, events.KindTTSSubstituted, map[string]any{
			"language":  lang,
			"requested": sub.Requested,
			"used":      sub.Used,
			"voice":     voice,
		})
		return v.Build(cfg, voice), sub, nil
	}

	voice := cfg.VoiceOverride(configured.Name())
	if voice == "" {
		voice = configured.DefaultVoiceFor(settings.DefaultLanguage)
	}
	a.logger.Warn("no tts provider supports language, keeping configured provider",
		"language", lang,
		"provider", configured.Name(),
		"voice", voice,
	)
	return configured.Build(cfg, voice), nil, nil
}

// voiceFor returns the stored voice for v when it speaks lang, else
// the language default. Settings carried over from older installs
// store the English default voice even after the language changed.
func (a *Assembler) voiceFor(v TTSVariant, cfg *settings.RuntimeConfig, lang string) string {
	voice := cfg.VoiceOverride(v.Name())
	if voice == "" {
		return v.DefaultVoiceFor(lang)
	}
	if m, ok := v.(VoiceMatcher); ok && !m.SpeaksIn(voice, lang) {
		def := v.DefaultVoiceFor(lang)
		a.logger.Info("stored voice does not speak session language, using default",
			"provider", v.Name(),
			"language", lang,
			"stored", voice,
			"voice", def,
		)
		return def
	}
	return voice
}

// Voices lists the voices of a TTS provider, filtered to lang where
// the provider can.
func (a *Assembler) Voices(ctx context.Context, providerName, lang string) ([]string, error) {
	v, ok := a.Variant(providerName)
	if !ok {
		return nil, fmt.Errorf("unknown tts provider %q", providerName)
	}
	if cat, ok := v.(VoiceCatalog); ok {
		return cat.Voices(ctx, lang), nil
	}
	if lang == "" {
		lang = settings.DefaultLanguage
	}
	return []string{v.DefaultVoiceFor(lang)}, nil
}
