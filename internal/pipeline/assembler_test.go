package pipeline

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speech"
)

// unreachable points every backend at a closed port: assembly must
// still succeed because it never dials.
var unreachable = Services{
	SpeachesURL:  "http://127.0.0.1:1",
	KokoroURL:    "http://127.0.0.1:1",
	GroqBaseURL:  "http://127.0.0.1:1/openai/v1",
	WhisperModel: "Systran/faster-whisper-small",
	GroqSTTModel: "whisper-large-v3-turbo",
}

func resolve(t *testing.T, in map[string]any) *settings.RuntimeConfig {
	t.Helper()
	cfg, err := settings.Resolve(in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return cfg
}

func TestAssemble_FrenchKokoroSubstitutesPiper(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	a := NewAssembler(unreachable, nil, bus)
	cfg := resolve(t, map[string]any{"language": "fr", "tts_provider": "kokoro"})

	h, err := a.Assemble(cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if h.TTS.Provider() != "piper" {
		t.Errorf("TTS provider = %q, want piper", h.TTS.Provider())
	}
	if h.TTS.Voice() != "speaches-ai/piper-fr_FR-siwis-medium" {
		t.Errorf("TTS voice = %q", h.TTS.Voice())
	}
	want := Substitution{Language: "fr", Requested: "kokoro", Used: "piper", Voice: "speaches-ai/piper-fr_FR-siwis-medium"}
	if h.Substitution == nil || *h.Substitution != want {
		t.Fatalf("Substitution = %+v, want %+v", h.Substitution, want)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindTTSSubstituted || ev.Data["used"] != "piper" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("substitution event not published")
	}
}

func TestAssemble_TTSSelection(t *testing.T) {
	tests := []struct {
		name      string
		in        map[string]any
		wantTTS   string
		wantVoice string
		wantSub   bool
	}{
		{
			name:      "english kokoro default voice",
			in:        map[string]any{"language": "en", "tts_provider": "kokoro"},
			wantTTS:   "kokoro",
			wantVoice: "am_puck",
		},
		{
			name:      "explicit voice override kept",
			in:        map[string]any{"language": "en-GB", "tts_provider": "kokoro", "tts_voice_kokoro": "af_heart"},
			wantTTS:   "kokoro",
			wantVoice: "af_heart",
		},
		{
			name:      "piper regional tag uses base voice",
			in:        map[string]any{"language": "pt-BR", "tts_provider": "piper"},
			wantTTS:   "piper",
			wantVoice: "speaches-ai/piper-pt_BR-faber-medium",
		},
		{
			name:      "override for the other provider ignored on substitution",
			in:        map[string]any{"language": "de", "tts_provider": "kokoro", "tts_voice_kokoro": "af_heart"},
			wantTTS:   "piper",
			wantVoice: "speaches-ai/piper-de_DE-thorsten-high",
			wantSub:   true,
		},
		{
			name:      "no provider speaks the language",
			in:        map[string]any{"language": "ja", "tts_provider": "kokoro"},
			wantTTS:   "kokoro",
			wantVoice: "am_puck",
		},
		{
			name:      "unsupported language on piper keeps english voice",
			in:        map[string]any{"language": "ja", "tts_provider": "piper"},
			wantTTS:   "piper",
			wantVoice: "speaches-ai/piper-en_US-ryan-high",
		},
	}

	a := NewAssembler(unreachable, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := a.Assemble(resolve(t, tt.in))
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			if h.TTS.Provider() != tt.wantTTS || h.TTS.Voice() != tt.wantVoice {
				t.Errorf("TTS = %s/%s, want %s/%s", h.TTS.Provider(), h.TTS.Voice(), tt.wantTTS, tt.wantVoice)
			}
			if (h.Substitution != nil) != tt.wantSub {
				t.Errorf("Substitution = %+v, want present=%v", h.Substitution, tt.wantSub)
			}
		})
	}
}

func TestAssemble_STTAndLLMFollowConfig(t *testing.T) {
	a := NewAssembler(unreachable, nil, nil)

	h, err := a.Assemble(resolve(t, map[string]any{"llm_provider": "ollama", "ollama_model": "ministral-3:8b", "language": "es"}))
	if err != nil {
		t.Fatal(err)
	}
	if h.STT.Provider() != "speaches" || h.STT.Model() != "Systran/faster-whisper-small" || h.STT.Language() != "es" {
		t.Errorf("STT = %s/%s/%s", h.STT.Provider(), h.STT.Model(), h.STT.Language())
	}
	if h.STT.BaseURL() != "http://127.0.0.1:1/v1" {
		t.Errorf("STT base = %q", h.STT.BaseURL())
	}
	if h.LLM.Name() != "ollama" || h.LLM.Model() != "ministral-3:8b" {
		t.Errorf("LLM = %s/%s", h.LLM.Name(), h.LLM.Model())
	}

	h, err = a.Assemble(resolve(t, map[string]any{"llm_provider": "groq", "groq_api_key": "gsk_x", "groq_model": "llama-3.3-70b-versatile"}))
	if err != nil {
		t.Fatal(err)
	}
	if h.STT.Provider() != "groq" || h.STT.Model() != "whisper-large-v3-turbo" {
		t.Errorf("STT = %s/%s", h.STT.Provider(), h.STT.Model())
	}
	if h.LLM.Name() != "groq" || h.LLM.Model() != "llama-3.3-70b-versatile" {
		t.Errorf("LLM = %s/%s", h.LLM.Name(), h.LLM.Model())
	}
	if got := h.Summary()["stt"]; got != "groq" {
		t.Errorf("Summary stt = %q", got)
	}
}

func TestAssemble_UnknownProvider(t *testing.T) {
	a := NewAssembler(unreachable, nil, nil)
	cfg := resolve(t, nil)
	cfg.TTSProvider = "espeak"
	if _, err := a.Assemble(cfg); err == nil {
		t.Error("expected error for unregistered tts provider")
	}
}

// stubVariant records Build calls.
type stubVariant struct {
	name   string
	langs  []string
	voices voiceTable
	built  []string
}

func (s *stubVariant) Name() string                       { return s.name }
func (s *stubVariant) SupportedLanguages() []string       { return s.langs }
func (s *stubVariant) DefaultVoiceFor(lang string) string { return s.voices.lookup(lang) }
func (s *stubVariant) Build(_ *settings.RuntimeConfig, voice string) *speech.TTS {
	s.built = append(s.built, voice)
	return speech.NewTTS(speech.Endpoint{Provider: s.name}, "stub", voice, nil)
}

func TestAssemble_SubstitutionOrderAndTableMiss(t *testing.T) {
	kokoro := &Kokoro{BaseURL: "http://127.0.0.1:1"}
	first := &stubVariant{name: "piper", langs: []string{"en", "fr"}, voices: voiceTable{"en": "first-en"}}
	second := &stubVariant{name: "other", langs: []string{"fr"}, voices: voiceTable{"en": "second-en", "fr": "second-fr"}}

	a := NewAssembler(unreachable, nil, nil, kokoro, first, second)
	h, err := a.Assemble(resolve(t, map[string]any{"language": "fr", "tts_provider": "kokoro"}))
	if err != nil {
		t.Fatal(err)
	}
	if h.Substitution.Used != "piper" {
		t.Errorf("used = %q, want first supporting variant", h.Substitution.Used)
	}
	// The first variant supports fr but has no fr voice: English entry.
	if h.TTS.Voice() != "first-en" || !slices.Equal(first.built, []string{"first-en"}) {
		t.Errorf("voice = %q, built = %v", h.TTS.Voice(), first.built)
	}
	if len(second.built) != 0 {
		t.Errorf("second variant built: %v", second.built)
	}
}

func TestVoices(t *testing.T) {
	a := NewAssembler(unreachable, nil, nil,
		&Kokoro{Lister: func(context.Context) ([]string, error) { return nil, errors.New("down") }},
		&Piper{},
	)

	fr, err := a.Voices(context.Background(), "piper", "fr")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(fr, []string{"speaches-ai/piper-fr_FR-mls-medium", "speaches-ai/piper-fr_FR-siwis-medium"}) {
		t.Errorf("piper fr voices = %v", fr)
	}

	all, _ := a.Voices(context.Background(), "piper", "")
	if len(all) != len(piperCatalog) {
		t.Errorf("piper voices = %d, want %d", len(all), len(piperCatalog))
	}

	kv, _ := a.Voices(context.Background(), "kokoro", "en")
	if !slices.Contains(kv, "am_puck") {
		t.Errorf("kokoro fallback voices = %v", kv)
	}

	if _, err := a.Voices(context.Background(), "espeak", ""); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestPiperVoiceTableCoversCatalog(t *testing.T) {
	for lang, voice := range piperVoices {
		if !slices.Contains(piperCatalog, voice) {
			t.Errorf("default voice for %s (%s) missing from catalog", lang, voice)
		}
	}
}

func TestAssemble_StoredVoiceMustSpeakLanguage(t *testing.T) {
	a := NewAssembler(unreachable, nil, nil)
	tests := []struct {
		name  string
		in    map[string]any
		voice string
	}{
		{
			name:  "english default carried into french",
			in:    map[string]any{"language": "fr", "tts_provider": "piper", "tts_voice_piper": "speaches-ai/piper-en_US-ryan-high"},
			voice: "speaches-ai/piper-fr_FR-siwis-medium",
		},
		{
			name:  "french choice kept",
			in:    map[string]any{"language": "fr", "tts_provider": "piper", "tts_voice_piper": "speaches-ai/piper-fr_FR-mls-medium"},
			voice: "speaches-ai/piper-fr_FR-mls-medium",
		},
		{
			name:  "regional english kept",
			in:    map[string]any{"language": "en", "tts_provider": "piper", "tts_voice_piper": "speaches-ai/piper-en_GB-alba-medium"},
			voice: "speaches-ai/piper-en_GB-alba-medium",
		},
		{
			name:  "custom model trusted",
			in:    map[string]any{"language": "de", "tts_provider": "piper", "tts_voice_piper": "local/my-voice"},
			voice: "local/my-voice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := a.Assemble(resolve(t, tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if h.TTS.Voice() != tt.voice {
				t.Errorf("voice = %q, want %q", h.TTS.Voice(), tt.voice)
			}
		})
	}
}
