package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/content"
	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/session"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speech"
)

// fakeModels serves the Speaches model store and Ollama's generate
// endpoint, recording what was asked of them.
type fakeModels struct {
	mu        sync.Mutex
	installed map[string]bool
	downloads []string
	warmed    []string
}

func (f *fakeModels) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/api/generate":
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.warmed = append(f.warmed, req.Model)
		w.Write([]byte(`{"done":true}`))
	case strings.HasPrefix(r.URL.Path, "/v1/models/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/models/")
		if r.Method == http.MethodPost {
			f.installed[id] = true
			f.downloads = append(f.downloads, id)
			w.WriteHeader(http.StatusCreated)
			return
		}
		if !f.installed[id] {
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeModels) snapshot() (downloads, warmed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.downloads), slices.Clone(f.warmed)
}

func newModelFixture(t *testing.T, stored map[string]any) (*Bootstrapper, *fakeModels) {
	t.Helper()
	fm := &fakeModels{installed: map[string]bool{"Systran/faster-whisper-small": true}}
	srv := httptest.NewServer(fm)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := settings.NewMemoryStore()
	stored["ollama_host"] = srv.URL
	if err := store.Save(context.Background(), stored); err != nil {
		t.Fatal(err)
	}
	svc := pipeline.Services{
		SpeachesURL:  srv.URL,
		KokoroURL:    srv.URL,
		WhisperModel: "Systran/faster-whisper-small",
	}
	boot := New(Options{
		Config:    config.Default(),
		Settings:  settings.NewManager(store, logger),
		Content:   content.NewResolver("", t.TempDir()),
		Assembler: pipeline.NewAssembler(svc, logger, nil),
		Sessions:  session.NewRegistry(logger, nil),
		Installer: speech.NewModelInstaller(speech.V1(srv.URL), nil),
		Logger:    logger,
	})
	t.Cleanup(func() { boot.Close() })
	return boot, fm
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPrewarm_OllamaLoadsEverything(t *testing.T) {
	boot, fm := newModelFixture(t, map[string]any{
		"llm_provider": "ollama",
		"ollama_model": "ministral-3:8b",
		"tts_provider": "piper",
		"language":     "fr",
	})

	started, reason := boot.Prewarm()
	if !started {
		t.Fatalf("Prewarm not started: %s", reason)
	}
	waitFor(t, func() bool {
		_, warmed := fm.snapshot()
		return len(warmed) == 1
	})
	downloads, warmed := fm.snapshot()
	if !slices.Equal(downloads, []string{"speaches-ai/piper-fr_FR-siwis-medium"}) {
		t.Errorf("downloads = %v", downloads)
	}
	if warmed[0] != "ministral-3:8b" {
		t.Errorf("warmed = %v", warmed)
	}
}

func TestPrewarm_SkipsHostedProvider(t *testing.T) {
	boot, fm := newModelFixture(t, map[string]any{
		"llm_provider": "groq",
		"groq_api_key": "gsk_test",
	})

	started, reason := boot.Prewarm()
	if started || !strings.Contains(reason, "groq") {
		t.Errorf("Prewarm = %v, %q", started, reason)
	}
	if downloads, warmed := fm.snapshot(); len(downloads)+len(warmed) != 0 {
		t.Errorf("skipped prewarm touched models: %v %v", downloads, warmed)
	}
}

func TestStartSession_InstallsPiperVoice(t *testing.T) {
	boot, fm := newModelFixture(t, map[string]any{
		"tts_provider":    "piper",
		"language":        "de",
		"tts_voice_piper": "speaches-ai/piper-de_DE-kerstin-low",
	})

	if _, err := boot.StartSession(context.Background(), "kitchen", &fakeHost{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, func() bool {
		downloads, _ := fm.snapshot()
		return len(downloads) == 1
	})
	if downloads, _ := fm.snapshot(); downloads[0] != "speaches-ai/piper-de_DE-kerstin-low" {
		t.Errorf("downloads = %v", downloads)
	}
}
