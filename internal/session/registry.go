package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/caal/internal/events"
)

// Registry holds the live sessions by room. The reference deployment
// runs one session at a time; Current returns the most recently
// registered one.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Handle
	order []string

	logger *slog.Logger
	bus    *events.Bus
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]*Handle),
		logger: logger.With("component", "sessions"),
		bus:    bus,
	}
}

// Register adds h, replacing any handle already registered for the
// same room. The replaced handle is stopped without waiting for a host
// command it may have in flight.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	old := r.rooms[h.Room]
	r.rooms[h.Room] = h
	r.order = append(remove(r.order, h.Room), h.Room)
	r.mu.Unlock()

	if old != nil && old != h {
		r.logger.Info("session replaced", "room", h.Room, "old_id", old.ID, "new_id", h.ID)
		old.Stop()
	}
	r.logger.Info("session registered", "room", h.Room, "id", h.ID)

	data := map[string]any{"room": h.Room, "id": h.ID}
	if h.Config != nil {
		data["language"] = h.Config.Language
	}
	if h.Pipeline != nil {
		data["llm"] = h.Pipeline.LLM.Name()
		data["tts"] = h.Pipeline.TTS.Provider()
	}
	r.bus.Emit(events.SourceSession, events.KindSessionStarted, data)
}

// Unregister removes and closes the session for room. It reports
// whether one was registered.
func (r *Registry) Unregister(room string) bool {
	r.mu.Lock()
	h, ok := r.rooms[room]
	if ok {
		delete(r.rooms, room)
		r.order = remove(r.order, room)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.ended(h)
	return true
}

// UnregisterHandle removes h only while it is still the session for
// its room, so a stale connection cannot end a newer session that
// took the room over. h is closed either way. It reports whether h
// was registered.
func (r *Registry) UnregisterHandle(h *Handle) bool {
	r.mu.Lock()
	current, ok := r.rooms[h.Room]
	ok = ok && current == h
	if ok {
		delete(r.rooms, h.Room)
		r.order = remove(r.order, h.Room)
	}
	r.mu.Unlock()
	if !ok {
		h.Close()
		r.logger.Debug("stale session closed", "room", h.Room, "id", h.ID)
		return false
	}
	r.ended(h)
	return true
}

func (r *Registry) ended(h *Handle) {
	h.Close()
	r.logger.Info("session unregistered", "room", h.Room, "id", h.ID,
		"duration", time.Since(h.StartedAt).Round(time.Second).String())
	r.bus.Emit(events.SourceSession, events.KindSessionEnded, map[string]any{"room": h.Room, "id": h.ID})
}

// Current returns the most recently registered session.
func (r *Registry) Current() (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, ErrNoActiveSession
	}
	return r.rooms[r.order[len(r.order)-1]], nil
}

// Lookup returns the session for room. An empty room means Current.
func (r *Registry) Lookup(room string) (*Handle, error) {
	if room == "" {
		return r.Current()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.rooms[room]
	if !ok {
		return nil, ErrNoActiveSession
	}
	return h, nil
}

// All returns the live sessions ordered by room.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.rooms))
	for _, h := range r.rooms {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Rooms returns the names of the live rooms, sorted.
func (r *Registry) Rooms() []string {
	all := r.All()
	rooms := make([]string, len(all))
	for i, h := range all {
		rooms[i] = h.Room
	}
	return rooms
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
