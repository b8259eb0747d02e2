package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockTransport is a test double for the Transport interface. Each
// method answers from a queue; the last entry repeats.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string][]*Response
	errs      map[string][]error
	sent      []Request
	notifs    []Notification
	closed    bool
}

func newMockTransport() *mockTransport {
	m := &mockTransport{
		responses: make(map[string][]*Response),
		errs:      make(map[string][]error),
	}
	m.addResponse("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})
	return m
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	})
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	})
}

// failNext makes the next Send of method return err.
func (m *mockTransport) failNext(method string, err error) {
	m.errs[method] = append(m.errs[method], err)
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	if errs := m.errs[req.Method]; len(errs) > 0 {
		m.errs[req.Method] = errs[1:]
		return nil, errs[0]
	}
	queue := m.responses[req.Method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.responses[req.Method] = queue[1:]
	}
	out := *resp
	id := req.ID
	out.ID = &id
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func (m *mockTransport) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, r := range m.sent {
		out[i] = r.Method
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClient_InitializesLazily(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})

	client := NewClient("test", mt, nil)
	for range 2 {
		if err := client.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}

	if got := mt.methods(); !equal(got, []string{"initialize", "ping", "ping"}) {
		t.Errorf("methods = %v", got)
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifications = %+v", mt.notifs)
	}
	if name, ver := client.ServerInfo(); name != "test-server" || ver != "1.0.0" {
		t.Errorf("ServerInfo = %s %s", name, ver)
	}

	params := mt.sent[0].Params.(map[string]any)
	if info := params["clientInfo"].(map[string]any); info["name"] != "caal" {
		t.Errorf("clientInfo = %v", info)
	}
}

func TestClient_ListToolsFollowsCursorAndNeverCaches(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools:      []ToolDefinition{{Name: "HassTurnOn"}},
		NextCursor: "page2",
	})
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{{Name: "HassTurnOff"}},
	})

	client := NewClient("test", mt, nil)
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "HassTurnOn" || tools[1].Name != "HassTurnOff" {
		t.Fatalf("tools = %+v", tools)
	}
	second := mt.sent[2].Params.(map[string]any)
	if second["cursor"] != "page2" {
		t.Errorf("second page params = %v", second)
	}

	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := mt.methods(); !equal(got, []string{"initialize", "tools/list", "tools/list", "tools/list"}) {
		t.Errorf("methods = %v", got)
	}
}

func TestClient_ReinitializesAfterSessionExpiry(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})

	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	mt.failNext("ping", ErrSessionExpired)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got := mt.methods(); !equal(got, []string{"initialize", "ping", "initialize", "ping"}) {
		t.Errorf("methods = %v", got)
	}
}

func TestClient_CallTool(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{
		Content: []ContentBlock{
			{Type: "text", Text: "Result line 1"},
			{Type: "image"},
			{Type: "text", Text: "Result line 2"},
		},
	})

	client := NewClient("test", mt, nil)
	res, err := client.CallTool(context.Background(), "mixed_tool", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if want := "Result line 1\n[image]\nResult line 2"; res.Text() != want {
		t.Errorf("Text = %q, want %q", res.Text(), want)
	}
	args := mt.sent[1].Params.(map[string]any)["arguments"].(map[string]any)
	if args == nil {
		t.Error("nil arguments not replaced by an empty object")
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", -32601, "Method not found")

	client := NewClient("test", mt, nil)
	_, err := client.CallTool(context.Background(), "nonexistent", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("err = %v, want RPCError -32601", err)
	}
}

func TestClient_InitializeFailurePropagates(t *testing.T) {
	mt := newMockTransport()
	down := errors.New("connection refused")
	mt.failNext("initialize", down)

	client := NewClient("test", mt, nil)
	if _, err := client.ListTools(context.Background()); !errors.Is(err, down) {
		t.Errorf("err = %v, want wrapping %v", err, down)
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("my-server", mt, nil)
	if client.Name() != "my-server" {
		t.Errorf("Name = %q", client.Name())
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport was not closed")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{"single text block", []ContentBlock{{Type: "text", Text: "hello"}}, "hello"},
		{"multiple text blocks", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"resource placeholder", []ContentBlock{{Type: "resource"}}, "[resource]"},
		{"unknown type", []ContentBlock{{Type: "audio"}}, "[audio]"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
