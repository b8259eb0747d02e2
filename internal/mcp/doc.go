// Package mcp is a client for MCP (Model Context Protocol) servers
// reached over streamable HTTP. Home Assistant, n8n and any extra
// servers from the config file are each wrapped in an [Integration]
// so the tool catalog can discover and call their tools.
//
// MCP is JSON-RPC 2.0. Replies arrive either as a plain JSON body or
// as a server-sent event stream; both are handled. Only the client
// side is implemented.
package mcp
