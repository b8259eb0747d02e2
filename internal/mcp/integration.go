package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/caal/internal/tools"
)

// Integration exposes one MCP server as a tool integration.
type Integration struct {
	client    *Client
	transport *HTTPTransport
}

// NewIntegration connects lazily to the streamable HTTP server in cfg.
// name is the integration name tools are attributed to.
func NewIntegration(name string, cfg HTTPConfig) *Integration {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger
	transport := NewHTTPTransport(cfg)
	return &Integration{
		client:    NewClient(name, transport, logger),
		transport: transport,
	}
}

// Name returns the integration name.
func (i *Integration) Name() string { return i.client.Name() }

// URL returns the server endpoint.
func (i *Integration) URL() string { return i.transport.URL() }

// ListCapabilities asks the server for its current tool list.
func (i *Integration) ListCapabilities(ctx context.Context) ([]tools.Capability, error) {
	defs, err := i.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	caps := make([]tools.Capability, len(defs))
	for n, d := range defs {
		caps[n] = tools.Capability{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return caps, nil
}

// Invoke calls a tool. An isError result becomes an error carrying the
// server's text so the model can relay it.
func (i *Integration) Invoke(ctx context.Context, capability string, args map[string]any) (tools.Result, error) {
	res, err := i.client.CallTool(ctx, capability, args)
	if err != nil {
		return tools.Result{}, err
	}
	text := res.Text()
	if res.IsError {
		return tools.Result{}, fmt.Errorf("%s reported an error: %s", capability, text)
	}
	return tools.ParseResult(text), nil
}

// Ping checks the server, initializing the session first if needed.
func (i *Integration) Ping(ctx context.Context) error {
	return i.client.Ping(ctx)
}

// Close ends the MCP session.
func (i *Integration) Close() error {
	return i.client.Close()
}

// HomeAssistantURL returns the MCP server endpoint of a Home Assistant
// instance given its base URL.
func HomeAssistantURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/api/mcp") {
		return base
	}
	return base + "/api/mcp"
}
