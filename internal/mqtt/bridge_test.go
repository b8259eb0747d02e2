package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/gateway"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakeActions struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeActions) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeActions) Announce(_ context.Context, message, room string) (*gateway.Result, error) {
	f.record("announce:" + message + "@" + room)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Result{OK: true, Room: room}, nil
}

func (f *fakeActions) Wake(_ context.Context, room string) (*gateway.Result, error) {
	f.record("wake@" + room)
	return &gateway.Result{OK: true, Room: room, Greeting: "Hi."}, nil
}

func (f *fakeActions) ReloadTools(_ context.Context, toolName, message string) (*gateway.ReloadResult, error) {
	f.record("reload:" + toolName + ":" + message)
	return &gateway.ReloadResult{OK: true, ToolCount: 3}, nil
}

type fakeStats struct{}

func (fakeStats) ActiveSessions() int { return 1 }
func (fakeStats) ToolCount() int      { return 7 }

func newTestBridge(t *testing.T, actions Actions, bus *events.Bus) (*Bridge, func() []published) {
	t.Helper()
	cfg := config.Default().MQTT
	cfg.RateLimit = 3
	b := New(cfg, "0190a0b1-aaaa-7bbb-8ccc-123456789abc", actions, fakeStats{}, bus,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	var mu sync.Mutex
	var out []published
	b.publish = func(_ context.Context, topic string, payload []byte, retain bool) error {
		mu.Lock()
		out = append(out, published{topic, string(payload), retain})
		mu.Unlock()
		return nil
	}
	return b, func() []published {
		mu.Lock()
		defer mu.Unlock()
		return append([]published(nil), out...)
	}
}

func TestBridge_Triggers(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		payload   string
		wantCall  string
		wantTopic string
	}{
		{"announce json", "caal/announce", `{"message":"Dinner","room_name":"kitchen"}`, "announce:Dinner@kitchen", "caal/announce/result"},
		{"announce plain", "caal/announce", "Laundry is done", "announce:Laundry is done@", "caal/announce/result"},
		{"wake", "caal/wake", `{"room_name":"office"}`, "wake@office", "caal/wake/result"},
		{"wake empty", "caal/wake", "", "wake@", "caal/wake/result"},
		{"reload json", "caal/reload_tools", `{"tool_name":"n8n","message":"New flow"}`, "reload:n8n:New flow", "caal/reload_tools/result"},
		{"reload plain", "caal/reload_tools", "weather", "reload:weather:", "caal/reload_tools/result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := &fakeActions{}
			b, sent := newTestBridge(t, actions, nil)
			b.handle(context.Background(), tt.topic, []byte(tt.payload))

			if len(actions.calls) != 1 || actions.calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want %q", actions.calls, tt.wantCall)
			}
			out := sent()
			if len(out) != 1 || out[0].topic != tt.wantTopic || out[0].retain {
				t.Fatalf("published = %+v", out)
			}
			var res map[string]any
			if err := json.Unmarshal([]byte(out[0].payload), &res); err != nil || res["ok"] != true {
				t.Errorf("result = %s (%v)", out[0].payload, err)
			}
		})
	}
}

func TestBridge_TriggerError(t *testing.T) {
	b, sent := newTestBridge(t, &fakeActions{err: errors.New("boom")}, nil)
	b.handle(context.Background(), "caal/announce", []byte("hi"))
	out := sent()
	if len(out) != 1 || !strings.Contains(out[0].payload, `"error":"boom"`) || !strings.Contains(out[0].payload, `"ok":false`) {
		t.Errorf("published = %+v", out)
	}
}

func TestBridge_IgnoresUnknownTopics(t *testing.T) {
	actions := &fakeActions{}
	b, sent := newTestBridge(t, actions, nil)
	b.handle(context.Background(), "other/announce", []byte("x"))
	b.handle(context.Background(), "caal/dance", []byte("x"))
	if len(actions.calls) != 0 || len(sent()) != 0 {
		t.Errorf("calls = %v, published = %v", actions.calls, sent())
	}
}

func TestBridge_RateLimit(t *testing.T) {
	actions := &fakeActions{}
	b, _ := newTestBridge(t, actions, nil)
	for range 5 {
		b.handle(context.Background(), "caal/wake", nil)
	}
	if len(actions.calls) != 3 {
		t.Errorf("%d triggers ran, want 3", len(actions.calls))
	}
}

func TestBridge_ForwardsEvents(t *testing.T) {
	bus := events.New()
	b, sent := newTestBridge(t, &fakeActions{}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.forwardEvents(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Emit(events.SourceTools, events.KindDiscoveryComplete, map[string]any{"tools": 4})

	for len(sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	out := sent()
	if len(out) != 1 || out[0].topic != "caal/events/tools" {
		t.Fatalf("published = %+v", out)
	}
	var e events.Event
	if err := json.Unmarshal([]byte(out[0].payload), &e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != events.KindDiscoveryComplete || e.Data["tools"] != float64(4) {
		t.Errorf("event = %+v", e)
	}
}

func TestBridge_DiscoveryAndStates(t *testing.T) {
	b, sent := newTestBridge(t, &fakeActions{}, nil)
	b.publishDiscovery(context.Background())
	b.publishStates(context.Background())

	topics := make(map[string]published)
	for _, p := range sent() {
		topics[p.topic] = p
	}
	disc, ok := topics["homeassistant/sensor/caal/tool_count/config"]
	if !ok || !disc.retain {
		t.Fatalf("discovery missing: %v", topics)
	}
	var sc SensorConfig
	if err := json.Unmarshal([]byte(disc.payload), &sc); err != nil {
		t.Fatal(err)
	}
	if sc.StateTopic != "caal/tool_count/state" || sc.AvailabilityTopic != "caal/availability" {
		t.Errorf("sensor config = %+v", sc)
	}
	if sc.UniqueID != "0190a0b1-aaaa-7bbb-8ccc-123456789abc_tool_count" {
		t.Errorf("unique_id = %q", sc.UniqueID)
	}
	if got := topics["caal/tool_count/state"].payload; got != "7" {
		t.Errorf("tool_count state = %q", got)
	}
	if got := topics["caal/active_sessions/state"].payload; got != "1" {
		t.Errorf("active_sessions state = %q", got)
	}
	if b.clientID() != "caal-0190a0b1" {
		t.Errorf("clientID = %q", b.clientID())
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q is not a UUID", first)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil || second != first {
		t.Errorf("second = %q, %v; want %q", second, err, first)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "instance_id"))
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file = %q", data)
	}
}

func TestMessageRateLimiter_Disabled(t *testing.T) {
	rl := newMessageRateLimiter(0, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for range 100 {
		if !rl.allow() {
			t.Fatal("disabled limiter dropped a message")
		}
	}
}
