package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/httpkit"
	"github.com/nugget/caal/internal/provider"
)

// DefaultOllamaURL is used when no host is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	model      string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client bound to model. A nil
// httpClient uses the shared transport.
func NewOllamaClient(baseURL, model string, opts Options, httpClient *http.Client, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if httpClient == nil {
		// Large models with tools need time.
		httpClient = httpkit.NewClient(httpkit.WithTimeout(2*time.Minute), httpkit.WithRetry(1, 500*time.Millisecond))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name implements Client.
func (c *OllamaClient) Name() string { return "ollama" }

// Model implements Client.
func (c *OllamaClient) Model() string { return c.model }

// BaseURL returns the Ollama host the client talks to.
func (c *OllamaClient) BaseURL() string { return c.baseURL }

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Think    *bool            `json:"think,omitempty"`
	Options  ollamaOptions    `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// Chat sends a non-streaming chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
		Options: ollamaOptions{
			Temperature: c.opts.Temperature,
			NumCtx:      c.opts.NumCtx,
		},
	}
	// Only send think when enabled; older Ollama builds reject the field.
	if c.opts.Think {
		think := true
		req.Think = &think
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "ollama request", "model", c.model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.FromTransport(provider.KindLLM, c.Name(), "chat", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, provider.FromStatus(provider.KindLLM, c.Name(), "chat", resp.StatusCode, body)
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	chatResp := wire.toChatResponse()

	c.logger.Debug("ollama chat complete",
		"model", c.model,
		"input_tokens", chatResp.InputTokens,
		"output_tokens", chatResp.OutputTokens,
		"duration", chatResp.TotalDuration,
	)
	return chatResp, nil
}

// Ping checks that Ollama is reachable and the configured model has
// been pulled.
func (c *OllamaClient) Ping(ctx context.Context) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	if c.model == "" || slices.Contains(models, c.model) {
		return nil
	}
	// Ollama lists "llama3" as "llama3:latest".
	if !strings.Contains(c.model, ":") && slices.Contains(models, c.model+":latest") {
		return nil
	}
	return fmt.Errorf("ollama model %q not pulled", c.model)
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.FromTransport(provider.KindLLM, c.Name(), "ping", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, provider.FromStatus(provider.KindLLM, c.Name(), "ping", resp.StatusCode, body)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// Warm loads the model into memory and pins it there, so the first
// turn of a session does not pay the load time. The context window
// must match the one Chat uses or Ollama reloads the model.
func (c *OllamaClient) Warm(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"model":      c.model,
		"prompt":     "",
		"keep_alive": -1,
		"options":    ollamaOptions{Temperature: c.opts.Temperature, NumCtx: c.opts.NumCtx},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return provider.FromTransport(provider.KindLLM, c.Name(), "warm", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return provider.FromStatus(provider.KindLLM, c.Name(), "warm", resp.StatusCode, body)
	}
	c.logger.Info("ollama model warmed", "model", c.model, "num_ctx", c.opts.NumCtx)
	return nil
}
