// Package events provides a publish/subscribe bus for things operators
// want to see happen: TTS substitutions, discovery outcomes, speech
// queued to a session. The MQTT bridge forwards every event; tests
// subscribe directly. Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourcePipeline = "pipeline"
	SourceTools    = "tools"
	SourceSession  = "session"
	SourceGateway  = "gateway"
	SourceSettings = "settings"
)

// Kind constants describe the type of event within a source.
const (
	// KindTTSSubstituted signals the configured TTS provider could not
	// speak the session language and another was used.
	// Data: room, language, requested, used, voice.
	KindTTSSubstituted = "tts_substituted"

	// KindDiscoveryComplete signals a full or partial reload finished.
	// Data: scope, tools, failures, collisions, evicted.
	KindDiscoveryComplete = "discovery_complete"
	// KindIntegrationFailed signals one integration failed discovery.
	// Data: integration, error.
	KindIntegrationFailed = "integration_failed"
	// KindNameCollision signals a duplicate tool name was dropped.
	// Data: tool, kept, dropped.
	KindNameCollision = "name_collision"
	// KindToolInvoked signals a tool call completed.
	// Data: tool, integration, ok, duration_ms.
	KindToolInvoked = "tool_invoked"

	// KindSessionStarted and KindSessionEnded track the registry.
	// Data: room, language, llm, tts.
	KindSessionStarted = "session_started"
	KindSessionEnded   = "session_ended"
	// KindSpeechQueued signals the host acknowledged queued speech.
	// Data: room, origin, chars.
	KindSpeechQueued = "speech_queued"

	// KindSettingsChanged signals persisted settings were updated.
	// Data: keys, restart.
	KindSettingsChanged = "settings_changed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
