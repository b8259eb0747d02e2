package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/caal/internal/llm"
	"github.com/nugget/caal/internal/tools"
)

// IntegrationName is the name the web tool is attributed to.
const IntegrationName = "web"

// ToolName is the capability the web integration exposes.
const ToolName = "web_search"

// Spoken answers for the failure paths.
const (
	msgNoResults   = "I couldn't find any results for that search."
	msgTimeout     = "The search took too long. Please try a simpler query."
	msgFailed      = "I had trouble searching the web. Please try again."
	msgNoSummary   = "I found some results but couldn't summarize them."
	msgNoSnippet   = "No description available."
	summaryTimeout = 20 * time.Second
)

const summarizePrompt = `Summarize the following search results in 1-3 sentences for voice output.
Be concise and conversational. Do not include URLs, markdown, or bullet points.
Focus on directly answering what the user would want to know.

Search query: %s

Results:
%s

Summary:`

// Web is the built-in web search integration. Results are condensed
// by the session's reasoning model when one is attached.
type Web struct {
	manager    *Manager
	maxResults int
	timeout    time.Duration
	logger     *slog.Logger

	mu         sync.RWMutex
	summarizer llm.Client
}

// NewWeb returns the web integration over manager.
func NewWeb(manager *Manager, timeout time.Duration, logger *slog.Logger) *Web {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Web{
		manager:    manager,
		maxResults: 5,
		timeout:    timeout,
		logger:     logger.With("component", "web_search"),
	}
}

// SetSummarizer attaches the model used to condense results. Nil
// detaches it.
func (w *Web) SetSummarizer(c llm.Client) {
	w.mu.Lock()
	w.summarizer = c
	w.mu.Unlock()
}

// Name returns the integration name.
func (w *Web) Name() string { return IntegrationName }

// ListCapabilities returns the web_search capability.
func (w *Web) ListCapabilities(ctx context.Context) ([]tools.Capability, error) {
	if !w.manager.Configured() {
		return nil, ErrNotConfigured
	}
	return []tools.Capability{{
		Name:        ToolName,
		Description: "Search the web for current events, news, prices, store hours, or any time-sensitive information not available from other tools.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to search for on the web.",
				},
			},
			"required": []string{"query"},
		},
	}}, nil
}

// Invoke runs a search. Search failures are answered with a spoken
// apology rather than an error so the conversation continues.
func (w *Web) Invoke(ctx context.Context, capability string, args map[string]any) (tools.Result, error) {
	if capability != ToolName {
		return tools.Result{}, &tools.ErrToolUnavailable{ToolName: capability}
	}
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return tools.Result{}, errors.New("query is required")
	}
	w.logger.Info("web search", "query", query)

	searchCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	results, err := w.manager.Search(searchCtx, query, Options{Count: w.maxResults})
	switch {
	case err != nil && errors.Is(searchCtx.Err(), context.DeadlineExceeded):
		w.logger.Warn("web search timed out", "query", query, "timeout", w.timeout)
		return tools.Result{Message: msgTimeout}, nil
	case err != nil:
		w.logger.Error("web search failed", "query", query, "error", err)
		return tools.Result{Message: msgFailed}, nil
	case len(results) == 0:
		return tools.Result{Message: msgNoResults}, nil
	}

	return tools.Result{
		Message: w.summarize(ctx, query, results),
		Data:    results,
	}, nil
}

func (w *Web) summarize(ctx context.Context, query string, results []Result) string {
	w.mu.RLock()
	model := w.summarizer
	w.mu.RUnlock()

	fallback := results[0].Snippet
	if fallback == "" {
		fallback = msgNoSnippet
	}
	if model == nil {
		w.logger.Warn("no model attached for summarization, returning first result")
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()
	resp, err := model.Chat(ctx, []llm.Message{{Role: "user", Content: SummarizePrompt(query, results)}}, nil)
	if err != nil {
		w.logger.Error("search summarization failed", "model", model.Model(), "error", err)
		return fallback
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return msgNoSummary
	}
	return summary
}

// SummarizePrompt builds the summarization prompt. Titles and
// snippets are truncated to keep it short.
func SummarizePrompt(query string, results []Result) string {
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = fmt.Sprintf("%d. %s: %s", i+1, truncate(r.Title, 100), truncate(r.Snippet, 200))
	}
	return fmt.Sprintf(summarizePrompt, query, strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Ping checks the primary search provider.
func (w *Web) Ping(ctx context.Context) error {
	return w.manager.Ping(ctx)
}
