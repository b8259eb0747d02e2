// Package session tracks the live voice sessions the host runtime is
// running and serializes everything the core says into them.
//
// The conversation loop itself lives in the host. A Handle is the
// core's view of one session: the configuration it was started with,
// and a single command queue through which speech, turn parameters and
// tool-list updates are forwarded to the host in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/caal/internal/content"
	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speechtext"
	"github.com/nugget/caal/internal/tools"
	"github.com/nugget/caal/internal/turn"
)

// ErrNoActiveSession is returned when an action needs a live session
// and none is registered. It is an idle condition, not a fault.
var ErrNoActiveSession = errors.New("no active session")

// ErrClosed is returned for commands sent to a handle after Close.
var ErrClosed = errors.New("session closed")

// DefaultGreeting is spoken on wake when the session has no greetings.
const DefaultGreeting = "Hey, what's up?"

// Host is the connection to the runtime that owns the audio loop.
// Each call returns once the host has acknowledged the command; Speak
// returns when the text is queued for playback, not when it was heard.
type Host interface {
	Speak(ctx context.Context, room, text string) error
	SetTurnPolicy(ctx context.Context, room string, p turn.Policy) error
	ToolsChanged(ctx context.Context, room string, defs []tools.Definition) error
	Restart(ctx context.Context, room, reason string) error
}

// Origins label what produced queued speech.
const (
	OriginAnnounce = "announce"
	OriginWake     = "wake"
	OriginReload   = "reload"
)

// Options are the parts of a Handle fixed at session start.
type Options struct {
	Room     string
	Config   *settings.RuntimeConfig
	Content  *content.Localized
	Pipeline *pipeline.Handles
	// Instructions is the rendered system prompt.
	Instructions string
	Host         Host
	Logger       *slog.Logger
	Bus          *events.Bus
	// QueueSize bounds commands waiting for the host. Default 32.
	QueueSize int
}

type command struct {
	ctx    context.Context
	name   string
	origin string
	run    func(ctx context.Context) error
	// ack is nil for fire-and-forget commands.
	ack chan error
}

// Handle is one live session.
type Handle struct {
	Room      string
	ID        string
	StartedAt time.Time

	Config       *settings.RuntimeConfig
	Content      *content.Localized
	Pipeline     *pipeline.Handles
	Instructions string
	// Data keeps recent tool result data for follow-up turns.
	Data *tools.DataCache

	host   Host
	logger *slog.Logger
	bus    *events.Bus

	queue     chan command
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	mu       sync.Mutex
	greeting int
	policy   turn.Policy
}

// NewHandle returns a handle for a session that is starting. Commands
// are buffered until Start.
func NewHandle(opts Options) *Handle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	cacheSize := 0
	if opts.Config != nil {
		cacheSize = opts.Config.ToolCacheSize
	}
	id := uuid.NewString()
	return &Handle{
		Room:         opts.Room,
		ID:           id,
		StartedAt:    time.Now(),
		Config:       opts.Config,
		Content:      opts.Content,
		Pipeline:     opts.Pipeline,
		Instructions: opts.Instructions,
		Data:         tools.NewDataCache(cacheSize),
		host:         opts.Host,
		logger:       opts.Logger.With("component", "session", "room", opts.Room, "session_id", id[:8]),
		bus:          opts.Bus,
		queue:        make(chan command, opts.QueueSize),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins forwarding queued commands to the host. Calling it more
// than once has no effect.
func (h *Handle) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Stop signals the queue to stop and returns at once. A command
// already with the host finishes on its own; pending and later
// commands fail with ErrClosed.
func (h *Handle) Stop() {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.Start()
	})
}

// Close is Stop, then waits for the queue to finish.
func (h *Handle) Close() {
	h.Stop()
	<-h.done
}

// Done is closed once the queue has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) run() {
	defer close(h.done)
	for {
		select {
		case <-h.closed:
			h.drain()
			return
		case cmd := <-h.queue:
			h.exec(cmd)
		}
	}
}

func (h *Handle) exec(cmd command) {
	err := cmd.ctx.Err()
	if err == nil {
		err = cmd.run(cmd.ctx)
	}
	if err != nil {
		h.logger.Warn("host command failed", "command", cmd.name, "origin", cmd.origin, "error", err)
	}
	if cmd.ack != nil {
		cmd.ack <- err
	}
}

func (h *Handle) drain() {
	for {
		select {
		case cmd := <-h.queue:
			if cmd.ack != nil {
				cmd.ack <- ErrClosed
			}
		default:
			return
		}
	}
}

// enqueue hands cmd to the queue goroutine. With wait set it blocks
// until the host acknowledged the command.
func (h *Handle) enqueue(ctx context.Context, cmd command, wait bool) error {
	cmd.ctx = ctx
	if wait {
		cmd.ack = make(chan error, 1)
	}
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	select {
	case h.queue <- cmd:
	case <-h.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if !wait {
		return nil
	}
	select {
	case err := <-cmd.ack:
		return err
	case <-h.done:
		select {
		case err := <-cmd.ack:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Say queues text for playback and returns once the host acknowledged
// it. Markdown is reduced to plain speakable text first.
func (h *Handle) Say(ctx context.Context, text, origin string) error {
	spoken := speechtext.Plain(text)
	if spoken == "" {
		return errors.New("nothing to say")
	}
	err := h.enqueue(ctx, command{
		name:   "speak",
		origin: origin,
		run: func(ctx context.Context) error {
			return h.host.Speak(ctx, h.Room, spoken)
		},
	}, true)
	if err != nil {
		return fmt.Errorf("speak in %s: %w", h.Room, err)
	}
	h.bus.Emit(events.SourceSession, events.KindSpeechQueued, map[string]any{
		"room":   h.Room,
		"origin": origin,
		"chars":  len(spoken),
	})
	return nil
}

// NextGreeting returns the next wake greeting, cycling through the
// session's greetings in order.
func (h *Handle) NextGreeting() string {
	var greetings []string
	if h.Content != nil {
		greetings = h.Content.Greetings
	}
	if len(greetings) == 0 {
		return DefaultGreeting
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	g := greetings[h.greeting%len(greetings)]
	h.greeting++
	return g
}

// SetTurnPolicy records p and forwards it to the host without waiting.
// It implements turn.Setter.
func (h *Handle) SetTurnPolicy(p turn.Policy) {
	h.mu.Lock()
	h.policy = p
	h.mu.Unlock()
	err := h.enqueue(context.Background(), command{
		name: "turn_policy",
		run: func(ctx context.Context) error {
			return h.host.SetTurnPolicy(ctx, h.Room, p)
		},
	}, false)
	if err != nil {
		h.logger.Warn("turn policy not forwarded", "error", err)
	}
}

// TurnPolicy returns the last policy set.
func (h *Handle) TurnPolicy() turn.Policy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.policy
}

// PushTools sends the current tool list to the host.
func (h *Handle) PushTools(ctx context.Context, defs []tools.Definition) error {
	return h.enqueue(ctx, command{
		name: "tools_changed",
		run: func(ctx context.Context) error {
			return h.host.ToolsChanged(ctx, h.Room, defs)
		},
	}, true)
}

// Restart asks the host to restart the session so new settings apply.
func (h *Handle) Restart(ctx context.Context, reason string) error {
	return h.enqueue(ctx, command{
		name: "restart",
		run: func(ctx context.Context) error {
			return h.host.Restart(ctx, h.Room, reason)
		},
	}, true)
}

// Info summarizes the handle for health and status output.
type Info struct {
	Room      string            `json:"room"`
	ID        string            `json:"id"`
	StartedAt time.Time         `json:"started_at"`
	Language  string            `json:"language,omitempty"`
	Pipeline  map[string]string `json:"pipeline,omitempty"`
}

// Info returns a summary of the handle.
func (h *Handle) Info() Info {
	info := Info{Room: h.Room, ID: h.ID, StartedAt: h.StartedAt}
	if h.Config != nil {
		info.Language = h.Config.Language
	}
	if h.Pipeline != nil {
		info.Pipeline = h.Pipeline.Summary()
	}
	return info
}
