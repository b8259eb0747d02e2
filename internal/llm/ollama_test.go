package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/caal/internal/provider"
)

func TestOllamaWireResponse_BasicChat(t *testing.T) {
	raw := `{
		"model": "ministral-3:8b",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {"role": "assistant", "content": "The kitchen light is on."},
		"done": true,
		"total_duration": 1234567890,
		"load_duration": 100000000,
		"prompt_eval_count": 42,
		"eval_count": 15,
		"eval_duration": 600000000
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
		t.Errorf("CreatedAt = %v, expected 2026-02", resp.CreatedAt)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if resp.LoadDuration != 100*time.Millisecond || resp.EvalDuration != 600*time.Millisecond {
		t.Errorf("durations = %v/%v", resp.LoadDuration, resp.EvalDuration)
	}
}

func TestOllamaWireResponse_MissingTimestamp(t *testing.T) {
	wire := ollamaWireResponse{Message: Message{Content: "hello"}, Done: true}
	resp := wire.toChatResponse()
	if !resp.CreatedAt.IsZero() {
		t.Errorf("expected zero time for empty created_at, got %v", resp.CreatedAt)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestOllamaClient_ChatSendsOptions(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"ministral-3:8b","message":{"role":"assistant","content":"Done."},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", "ministral-3:8b", Options{Temperature: 0.15, NumCtx: 8192, Think: true}, nil, nil)
	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Done." {
		t.Errorf("Content = %q", resp.Message.Content)
	}

	if got["model"] != "ministral-3:8b" || got["stream"] != false || got["think"] != true {
		t.Errorf("request = %v", got)
	}
	opts, _ := got["options"].(map[string]any)
	if opts["temperature"] != 0.15 || opts["num_ctx"] != float64(8192) {
		t.Errorf("options = %v", opts)
	}
}

func TestOllamaClient_ChatOmitsThinkWhenDisabled(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "m", Options{}, nil, nil)
	if _, err := c.Chat(context.Background(), nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["think"]; ok {
		t.Errorf("think sent when disabled: %v", got)
	}
}

func TestOllamaClient_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "m", Options{}, nil, nil)
	_, err := c.Chat(context.Background(), nil, nil)
	var u *provider.UnavailableError
	if !errors.As(err, &u) {
		t.Fatalf("err = %v, want *provider.UnavailableError", err)
	}
	if u.Provider != "ollama" || u.Status != http.StatusInternalServerError {
		t.Errorf("UnavailableError = %+v", u)
	}
}

func TestOllamaClient_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewOllamaClient(url, "m", Options{}, &http.Client{Timeout: time.Second}, nil)
	if err := c.Ping(context.Background()); !provider.IsUnavailable(err) {
		t.Fatalf("Ping on closed server = %v, want unavailable", err)
	}
}

func TestOllamaClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"ministral-3:8b"},{"name":"llama3:latest"}]}`))
	}))
	defer srv.Close()

	tests := []struct {
		model   string
		wantErr bool
	}{
		{"ministral-3:8b", false},
		{"llama3", false},
		{"qwen3:4b", true},
		{"", false},
	}
	for _, tt := range tests {
		c := NewOllamaClient(srv.URL, tt.model, Options{}, nil, nil)
		err := c.Ping(context.Background())
		if (err != nil) != tt.wantErr {
			t.Errorf("Ping(%q) = %v, wantErr %v", tt.model, err, tt.wantErr)
		}
		if err != nil && provider.IsUnavailable(err) {
			t.Errorf("missing model should not mark provider unavailable")
		}
	}
}

func TestOllamaClient_WarmPinsModel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "ministral-3:8b", Options{NumCtx: 8192}, nil, nil)
	if err := c.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got["model"] != "ministral-3:8b" || got["keep_alive"] != float64(-1) {
		t.Errorf("request = %v", got)
	}
	opts, _ := got["options"].(map[string]any)
	if opts["num_ctx"] != float64(8192) {
		t.Errorf("options = %v", opts)
	}
}

func TestOllamaClient_WarmMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "missing", Options{}, nil, nil)
	if err := c.Warm(context.Background()); err == nil {
		t.Fatal("expected error for missing model")
	}
}
