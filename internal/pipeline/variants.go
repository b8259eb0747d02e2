package pipeline

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speech"
)

// TTSVariant is one text-to-speech backend the assembler can choose.
type TTSVariant interface {
	Name() string
	// SupportedLanguages returns base language subtags.
	SupportedLanguages() []string
	// DefaultVoiceFor returns the voice for a base language, falling
	// back to the English entry when the table has none.
	DefaultVoiceFor(lang string) string
	// Build returns a handle speaking with voice. It must not perform
	// network I/O.
	Build(cfg *settings.RuntimeConfig, voice string) *speech.TTS
}

// VoiceCatalog is implemented by variants that can list voices.
type VoiceCatalog interface {
	Voices(ctx context.Context, lang string) []string
}

// VoiceMatcher is implemented by variants that can tell whether a
// stored voice speaks a language. A stored voice that does not is
// ignored in favour of the language default.
type VoiceMatcher interface {
	SpeaksIn(voice, lang string) bool
}

// voiceTable maps base language to default voice.
type voiceTable map[string]string

func (t voiceTable) lookup(lang string) string {
	if v, ok := t[lang]; ok {
		return v
	}
	return t[settings.DefaultLanguage]
}

func (t voiceTable) languages() []string {
	langs := make([]string, 0, len(t))
	for l := range t {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Kokoro speaks English only through the Kokoro-FastAPI server.
type Kokoro struct {
	BaseURL string
	Model   string
	// Lister fetches the live voice list; nil uses the built-in list.
	Lister func(ctx context.Context) ([]string, error)
}

var kokoroVoices = voiceTable{"en": "am_puck"}

// kokoroFallbackVoices is served when the Kokoro server cannot be asked.
var kokoroFallbackVoices = []string{"af_heart", "af_bella", "af_sarah", "am_adam", "am_puck"}

func (k *Kokoro) Name() string                       { return settings.ProviderKokoro }
func (k *Kokoro) SupportedLanguages() []string       { return kokoroVoices.languages() }
func (k *Kokoro) DefaultVoiceFor(lang string) string { return kokoroVoices.lookup(lang) }

func (k *Kokoro) Build(_ *settings.RuntimeConfig, voice string) *speech.TTS {
	model := k.Model
	if model == "" {
		model = "kokoro"
	}
	return speech.NewTTS(speech.Endpoint{Provider: k.Name(), BaseURL: speech.V1(k.BaseURL)}, model, voice, nil)
}

// Voices lists the server's voices, or a fixed set when it is down.
func (k *Kokoro) Voices(ctx context.Context, _ string) []string {
	lister := k.Lister
	if lister == nil {
		lister = k.Build(nil, "").ListVoices
	}
	voices, err := lister(ctx)
	if err != nil || len(voices) == 0 {
		return slices.Clone(kokoroFallbackVoices)
	}
	return voices
}

// Piper speaks many languages through Speaches. Piper bakes the voice
// into the model, so the voice id is also the model id.
type Piper struct {
	SpeachesURL string
}

var piperVoices = voiceTable{
	"en": "speaches-ai/piper-en_US-ryan-high",
	"fr": "speaches-ai/piper-fr_FR-siwis-medium",
	"de": "speaches-ai/piper-de_DE-thorsten-high",
	"es": "speaches-ai/piper-es_ES-davefx-medium",
	"it": "speaches-ai/piper-it_IT-riccardo-x_low",
	"pt": "speaches-ai/piper-pt_BR-faber-medium",
	"nl": "speaches-ai/piper-nl_NL-mls-medium",
}

// piperCatalog is the curated list of installable Piper voices.
var piperCatalog = []string{
	"speaches-ai/piper-en_US-ryan-high",
	"speaches-ai/piper-en_US-ljspeech-medium",
	"speaches-ai/piper-en_US-hfc_female-medium",
	"speaches-ai/piper-en_US-lessac-medium",
	"speaches-ai/piper-en_GB-aru-medium",
	"speaches-ai/piper-en_GB-alba-medium",
	"speaches-ai/piper-de_DE-eva_k-x_low",
	"speaches-ai/piper-de_DE-kerstin-low",
	"speaches-ai/piper-de_DE-thorsten-high",
	"speaches-ai/piper-fr_FR-mls-medium",
	"speaches-ai/piper-fr_FR-siwis-medium",
	"speaches-ai/piper-es_ES-davefx-medium",
	"speaches-ai/piper-es_MX-ald-medium",
	"speaches-ai/piper-it_IT-riccardo-x_low",
	"speaches-ai/piper-nl_NL-mls-medium",
	"speaches-ai/piper-pl_PL-darkman-medium",
	"speaches-ai/piper-pt_BR-faber-medium",
	"speaches-ai/piper-ru_RU-irina-medium",
	"speaches-ai/piper-sk_SK-lili-medium",
	"speaches-ai/piper-uk_UA-lada-x_low",
}

// PiperModelPrefix marks model ids that belong to Piper.
const PiperModelPrefix = "speaches-ai/piper-"

func (p *Piper) Name() string                       { return settings.ProviderPiper }
func (p *Piper) SupportedLanguages() []string       { return piperVoices.languages() }
func (p *Piper) DefaultVoiceFor(lang string) string { return piperVoices.lookup(lang) }

// SpeaksIn reports whether voice speaks lang. Voices outside the
// speaches-ai naming scheme are taken on trust.
func (p *Piper) SpeaksIn(voice, lang string) bool {
	if !strings.HasPrefix(voice, PiperModelPrefix) {
		return true
	}
	return strings.HasPrefix(voice, PiperModelPrefix+lang+"_")
}

func (p *Piper) Build(_ *settings.RuntimeConfig, voice string) *speech.TTS {
	return speech.NewTTS(speech.Endpoint{Provider: p.Name(), BaseURL: speech.V1(p.SpeachesURL)}, voice, voice, nil)
}

// Voices lists catalog voices for lang, or all when lang is empty.
func (p *Piper) Voices(_ context.Context, lang string) []string {
	if lang == "" {
		return slices.Clone(piperCatalog)
	}
	var out []string
	for _, v := range piperCatalog {
		if strings.HasPrefix(v, PiperModelPrefix+lang+"_") {
			out = append(out, v)
		}
	}
	return out
}

func supports(v TTSVariant, lang string) bool {
	return slices.Contains(v.SupportedLanguages(), lang)
}
