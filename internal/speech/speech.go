// Package speech provides speech-to-text and text-to-speech handles
// for the OpenAI-compatible audio APIs served by Speaches, Kokoro and
// Groq. Handles are plain values; nothing here touches the network
// until an operation is called.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/caal/internal/httpkit"
	"github.com/nugget/caal/internal/provider"
)

// Endpoint is an OpenAI-compatible audio API root such as
// "http://speaches:8000/v1".
type Endpoint struct {
	Provider string
	BaseURL  string
	APIKey   string
}

// V1 appends "/v1" to a service root unless it already ends with it.
func V1(serviceURL string) string {
	u := strings.TrimRight(serviceURL, "/")
	if strings.HasSuffix(u, "/v1") {
		return u
	}
	return u + "/v1"
}

func (e Endpoint) client(timeout time.Duration, httpClient *http.Client) *http.Client {
	if httpClient != nil {
		return httpClient
	}
	return httpkit.NewClient(
		httpkit.WithTimeout(timeout),
		httpkit.WithBearerToken(e.APIKey),
	)
}

// STT transcribes audio.
type STT struct {
	endpoint   Endpoint
	model      string
	language   string
	httpClient *http.Client
}

// NewSTT builds an STT handle. language is a BCP 47 base subtag passed
// to Whisper as a hint; empty lets the model detect it.
func NewSTT(ep Endpoint, model, language string, httpClient *http.Client) *STT {
	ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")
	return &STT{
		endpoint:   ep,
		model:      model,
		language:   language,
		httpClient: ep.client(60*time.Second, httpClient),
	}
}

// Provider returns the backend name ("speaches", "groq").
func (s *STT) Provider() string { return s.endpoint.Provider }

// Model returns the transcription model.
func (s *STT) Model() string { return s.model }

// Language returns the language hint.
func (s *STT) Language() string { return s.language }

// BaseURL returns the API root.
func (s *STT) BaseURL() string { return s.endpoint.BaseURL }

// Transcribe posts audio to /audio/transcriptions and returns the text.
func (s *STT) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	_ = mw.WriteField("model", s.model)
	if s.language != "" {
		_ = mw.WriteField("language", s.language)
	}
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", provider.FromTransport(provider.KindSTT, s.Provider(), "transcribe", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return "", provider.FromStatus(provider.KindSTT, s.Provider(), "transcribe", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// Ping checks the STT backend answers /models.
func (s *STT) Ping(ctx context.Context) error {
	return ping(ctx, s.httpClient, s.endpoint.BaseURL, provider.KindSTT, s.Provider())
}

// TTS synthesizes speech.
type TTS struct {
	endpoint   Endpoint
	model      string
	voice      string
	httpClient *http.Client
}

// NewTTS builds a TTS handle.
func NewTTS(ep Endpoint, model, voice string, httpClient *http.Client) *TTS {
	ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")
	return &TTS{
		endpoint:   ep,
		model:      model,
		voice:      voice,
		httpClient: ep.client(30*time.Second, httpClient),
	}
}

// Provider returns the backend name ("kokoro", "piper").
func (t *TTS) Provider() string { return t.endpoint.Provider }

// Model returns the synthesis model.
func (t *TTS) Model() string { return t.model }

// Voice returns the voice the handle speaks with.
func (t *TTS) Voice() string { return t.voice }

// BaseURL returns the API root.
func (t *TTS) BaseURL() string { return t.endpoint.BaseURL }

// Synthesize posts text to /audio/speech and returns WAV audio.
func (t *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"model":           t.model,
		"voice":           t.voice,
		"input":           text,
		"response_format": "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.BaseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, provider.FromTransport(provider.KindTTS, t.Provider(), "synthesize", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromStatus(provider.KindTTS, t.Provider(), "synthesize", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}

// Ping checks the TTS backend answers /models.
func (t *TTS) Ping(ctx context.Context) error {
	return ping(ctx, t.httpClient, t.endpoint.BaseURL, provider.KindTTS, t.Provider())
}

// ListVoices asks the server for its voice catalog
// (/audio/voices, Kokoro-FastAPI). Voices may come back as plain
// strings or as objects with an id.
func (t *TTS) ListVoices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint.BaseURL+"/audio/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, provider.FromTransport(provider.KindTTS, t.Provider(), "voices", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromStatus(provider.KindTTS, t.Provider(), "voices", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out struct {
		Voices []json.RawMessage `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	voices := make([]string, 0, len(out.Voices))
	for _, raw := range out.Voices {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			voices = append(voices, s)
			continue
		}
		var obj struct {
			ID      string `json:"id"`
			VoiceID string `json:"voice_id"`
		}
		if json.Unmarshal(raw, &obj) == nil {
			switch {
			case obj.ID != "":
				voices = append(voices, obj.ID)
			case obj.VoiceID != "":
				voices = append(voices, obj.VoiceID)
			}
		}
	}
	return voices, nil
}

func ping(ctx context.Context, c *http.Client, baseURL string, kind provider.Kind, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return provider.FromTransport(kind, name, "ping", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return provider.FromStatus(kind, name, "ping", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	return nil
}

// ModelInstaller downloads models into a Speaches server.
type ModelInstaller struct {
	baseURL    string
	httpClient *http.Client
}

// NewModelInstaller returns an installer for the Speaches API root.
func NewModelInstaller(baseURL string, httpClient *http.Client) *ModelInstaller {
	if httpClient == nil {
		// Piper voices are ~60MB; a download takes well under a minute.
		httpClient = httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute))
	}
	return &ModelInstaller{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Ensure installs model unless Speaches already has it. It reports
// whether a download happened.
func (m *ModelInstaller) Ensure(ctx context.Context, model string) (downloaded bool, err error) {
	// Model ids contain a slash that is part of the path.
	target := m.baseURL + "/models/" + (&url.URL{Path: model}).EscapedPath()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, provider.FromTransport(provider.KindTTS, "speaches", "model lookup", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode == http.StatusOK {
		return false, nil
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err = m.httpClient.Do(req)
	if err != nil {
		return false, provider.FromTransport(provider.KindTTS, "speaches", "model download", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode/100 != 2 {
		return false, provider.FromStatus(provider.KindTTS, "speaches", "model download", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	return true, nil
}
