package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/caal/internal/httpkit"
)

// sessionHeader carries the server-assigned session id.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBytes caps a single response body.
const maxResponseBytes = 10 << 20

// ErrSessionExpired is returned when the server no longer knows the
// session id. The client re-initializes and retries once.
var ErrSessionExpired = errors.New("mcp session expired")

// StatusError is a non-success HTTP status from the server.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("MCP server %s returned %d", e.URL, e.Status)
	}
	return fmt.Sprintf("MCP server %s returned %d: %s", e.URL, e.Status, e.Body)
}

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Token, when set, is sent as a bearer token.
	Token string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// Timeout bounds each request. Zero uses the httpkit default.
	Timeout time.Duration

	// Client overrides the HTTP client. Tests use this.
	Client *http.Client

	Logger *slog.Logger
}

// HTTPTransport speaks MCP streamable HTTP: every message is a POST,
// and the reply arrives either as a JSON body or as a short
// server-sent event stream.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		opts := []httpkit.ClientOption{
			httpkit.WithLogger(logger),
			httpkit.WithBearerToken(cfg.Token),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(1, 500*time.Millisecond),
		}
		if cfg.Timeout > 0 {
			opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
		}
		client = httpkit.NewClient(opts...)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// URL returns the server endpoint.
func (t *HTTPTransport) URL() string { return t.url }

// Send posts a request and returns the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if err := t.checkStatus(httpResp, http.StatusOK); err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	body := io.LimitReader(httpResp.Body, maxResponseBytes)
	if mediaType == "text/event-stream" {
		return readEventStream(body, req.ID)
	}

	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Method, err)
	}
	if !resp.answers(req.ID) {
		return nil, fmt.Errorf("%s: response does not answer request %d", req.Method, req.ID)
	}
	return &resp, nil
}

// Notify posts a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)
	return t.checkStatus(httpResp, http.StatusOK, http.StatusAccepted)
}

// Close ends the server session when one was assigned.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "url", t.url, "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
	return nil
}

// ResetSession forgets the session id.
func (t *HTTPTransport) ResetSession() {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

func (t *HTTPTransport) checkStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}

	t.mu.RLock()
	hadSession := t.sessionID != "" && resp.Request.Header.Get(sessionHeader) != ""
	t.mu.RUnlock()
	if resp.StatusCode == http.StatusNotFound && hadSession {
		t.ResetSession()
		return ErrSessionExpired
	}

	return &StatusError{
		URL:    t.url,
		Status: resp.StatusCode,
		Body:   httpkit.ReadErrorBody(resp.Body, 1<<20),
	}
}

// readEventStream reads SSE events until the one answering id.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)

	var data []string
	flush := func() (*Response, bool) {
		if len(data) == 0 {
			return nil, false
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return nil, false
		}
		return &resp, resp.answers(id)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response to request %d", id)
}
