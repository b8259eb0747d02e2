package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/httpkit"
	"github.com/nugget/caal/internal/provider"
)

// DefaultGroqURL is Groq's OpenAI-compatible API root.
const DefaultGroqURL = "https://api.groq.com/openai/v1"

// GroqClient talks to Groq's OpenAI-compatible chat completions API.
type GroqClient struct {
	baseURL    string
	model      string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGroqClient creates a Groq client. The API key is only checked by
// the server; an invalid key surfaces on the first call.
func NewGroqClient(baseURL, apiKey, model string, opts Options, httpClient *http.Client, logger *slog.Logger) *GroqClient {
	if baseURL == "" {
		baseURL = DefaultGroqURL
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithBearerToken(apiKey),
		)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroqClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name implements Client.
func (c *GroqClient) Name() string { return "groq" }

// Model implements Client.
func (c *GroqClient) Model() string { return c.model }

// BaseURL returns the API root the client calls.
func (c *GroqClient) BaseURL() string { return c.baseURL }

type openAIRequest struct {
	Model       string           `json:"model"`
	Messages    []openAIMessage  `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Temperature float64          `json:"temperature"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// openAIToolCall carries arguments as a JSON string, unlike Ollama.
type openAIToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTime        float64 `json:"total_time"`
	} `json:"usage"`
}

func toOpenAIMessages(msgs []Message) ([]openAIMessage, error) {
	out := make([]openAIMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				return nil, fmt.Errorf("marshal tool call %s arguments: %w", tc.Function.Name, err)
			}
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = string(args)
			out[i].ToolCalls = append(out[i].ToolCalls, otc)
		}
	}
	return out, nil
}

func (r *openAIResponse) toChatResponse() (*ChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := r.Choices[0].Message
	resp := &ChatResponse{
		Model:         r.Model,
		Message:       Message{Role: choice.Role, Content: choice.Content},
		Done:          true,
		InputTokens:   r.Usage.PromptTokens,
		OutputTokens:  r.Usage.CompletionTokens,
		TotalDuration: time.Duration(r.Usage.TotalTime * float64(time.Second)),
	}
	if r.Created > 0 {
		resp.CreatedAt = time.Unix(r.Created, 0)
	}
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("decode tool call %s arguments: %w", tc.Function.Name, err)
			}
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return resp, nil
}

// Chat sends a chat completion request to Groq.
func (c *GroqClient) Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	msgs, err := toOpenAIMessages(messages)
	if err != nil {
		return nil, err
	}
	jsonData, err := json.Marshal(openAIRequest{
		Model:       c.model,
		Messages:    msgs,
		Tools:       tools,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "groq request", "model", c.model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
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

	var wire openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return wire.toChatResponse()
}

// Ping checks that the API is reachable and the key is accepted.
func (c *GroqClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the model ids the key can use.
func (c *GroqClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
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
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
