package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/caal/internal/content"
	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/tools"
	"github.com/nugget/caal/internal/turn"
)

// fakeHost records commands in arrival order.
type fakeHost struct {
	mu       sync.Mutex
	log      []string
	spoken   []string
	policies []turn.Policy
	speakErr error
	delay    time.Duration

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeHost) record(entry string) {
	f.mu.Lock()
	f.log = append(f.log, entry)
	f.mu.Unlock()
}

func (f *fakeHost) Speak(ctx context.Context, _ string, text string) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.speakErr != nil {
		return f.speakErr
	}
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.log = append(f.log, "speak:"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeHost) SetTurnPolicy(_ context.Context, _ string, p turn.Policy) error {
	f.mu.Lock()
	f.policies = append(f.policies, p)
	f.log = append(f.log, "turn_policy")
	f.mu.Unlock()
	return nil
}

func (f *fakeHost) ToolsChanged(_ context.Context, _ string, defs []tools.Definition) error {
	f.record(fmt.Sprintf("tools:%d", len(defs)))
	return nil
}

func (f *fakeHost) Restart(_ context.Context, _ string, reason string) error {
	f.record("restart:" + reason)
	return nil
}

func (f *fakeHost) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func newHandle(host Host, greetings ...string) *Handle {
	return NewHandle(Options{
		Room:    "living-room",
		Config:  &settings.RuntimeConfig{Language: "en", ToolCacheSize: 3},
		Content: &content.Localized{Language: "en", Greetings: greetings},
		Host:    host,
	})
}

func TestHandle_SayAcksAfterQueued(t *testing.T) {
	host := &fakeHost{}
	h := newHandle(host)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Say(ctx, "hello", OriginAnnounce); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Say before Start = %v, want deadline exceeded", err)
	}

	h.Start()
	if err := h.Say(context.Background(), "**Dinner** is ready.", OriginAnnounce); err != nil {
		t.Fatal(err)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if !slices.Contains(host.spoken, "Dinner is ready.") {
		t.Errorf("spoken = %q", host.spoken)
	}
}

func TestHandle_SpeechIsSerialized(t *testing.T) {
	host := &fakeHost{delay: 5 * time.Millisecond}
	h := newHandle(host)
	h.Start()
	defer h.Close()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Say(context.Background(), fmt.Sprintf("message %d", i), OriginAnnounce); err != nil {
				t.Errorf("Say %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if got := host.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent Speak calls = %d, want 1", got)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.spoken) != 8 {
		t.Errorf("spoke %d messages, want 8", len(host.spoken))
	}
}

func TestHandle_CommandsKeepOrder(t *testing.T) {
	host := &fakeHost{}
	h := newHandle(host)
	defer h.Close()

	turn.Apply(&settings.RuntimeConfig{AllowInterruptions: true, MinEndpointingDelay: 3}, h)
	h.Start()
	if err := h.Say(context.Background(), "one", OriginWake); err != nil {
		t.Fatal(err)
	}
	if err := h.PushTools(context.Background(), make([]tools.Definition, 2)); err != nil {
		t.Fatal(err)
	}
	if err := h.Restart(context.Background(), "settings changed"); err != nil {
		t.Fatal(err)
	}

	want := []string{"turn_policy", "speak:one", "tools:2", "restart:settings changed"}
	if got := host.entries(); !slices.Equal(got, want) {
		t.Errorf("host log = %q, want %q", got, want)
	}
	if p := h.TurnPolicy(); p.MinEndpointingDelay != 1.0 {
		t.Errorf("policy = %+v", p)
	}
}

func TestHandle_SayErrors(t *testing.T) {
	host := &fakeHost{speakErr: errors.New("room gone")}
	h := newHandle(host)
	h.Start()

	if err := h.Say(context.Background(), "hi", OriginAnnounce); err == nil || !errors.Is(err, host.speakErr) {
		t.Errorf("host error = %v", err)
	}
	if err := h.Say(context.Background(), "```\ncode\n```", OriginAnnounce); err == nil {
		t.Error("empty speech accepted")
	}

	h.Close()
	if err := h.Say(context.Background(), "late", OriginAnnounce); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close = %v, want ErrClosed", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestHandle_CloseWithoutStart(t *testing.T) {
	h := newHandle(&fakeHost{})
	h.SetTurnPolicy(turn.Policy{})
	h.Close()
	h.Close()
}

func TestHandle_NextGreeting(t *testing.T) {
	h := newHandle(&fakeHost{}, "Hi!", "Hello.", "Yes?")
	var got []string
	for range 5 {
		got = append(got, h.NextGreeting())
	}
	want := []string{"Hi!", "Hello.", "Yes?", "Hi!", "Hello."}
	if !slices.Equal(got, want) {
		t.Errorf("greetings = %q, want %q", got, want)
	}

	if g := newHandle(&fakeHost{}).NextGreeting(); g != DefaultGreeting {
		t.Errorf("empty greetings = %q", g)
	}
}

func TestHandle_SpeechQueuedEvent(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	h := NewHandle(Options{Room: "office", Host: &fakeHost{}, Bus: bus})
	h.Start()
	defer h.Close()
	if err := h.Say(context.Background(), "Timer done.", OriginAnnounce); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-ch:
		if e.Kind != events.KindSpeechQueued || e.Data["origin"] != OriginAnnounce || e.Data["room"] != "office" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no speech_queued event")
	}
}
