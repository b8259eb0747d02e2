// Package bridge connects the host runtime, the process that runs the
// real-time audio loop, to the core over a WebSocket on /runtime.
//
// The host asks for a session configuration when a room starts, calls
// tools through the core, and reports when the room ends. The core
// pushes speech, turn parameters, tool-list changes and restarts back;
// the host acknowledges each one. A connection implements session.Host
// for every room started on it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/session"
	"github.com/nugget/caal/internal/tools"
	"github.com/nugget/caal/internal/turn"
)

// DefaultAckTimeout bounds how long a command waits for the host.
const DefaultAckTimeout = 10 * time.Second

// ErrDisconnected is returned for commands on a closed connection.
var ErrDisconnected = errors.New("host runtime disconnected")

// Runtime starts and ends sessions and runs their tool calls.
// agent.Bootstrapper implements it.
type Runtime interface {
	StartSession(ctx context.Context, room string, host session.Host) (*session.Handle, error)
	EndSession(h *session.Handle)
	Tools() []tools.Definition
	InvokeTool(ctx context.Context, h *session.Handle, name string, args map[string]any) (tools.Result, error)
}

// Server accepts host runtime connections.
type Server struct {
	runtime    Runtime
	sessions   *session.Registry
	ackTimeout time.Duration
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewServer returns the /runtime handler.
func NewServer(rt Runtime, sessions *session.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runtime:    rt,
		sessions:   sessions,
		ackTimeout: DefaultAckTimeout,
		logger:     logger.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetAckTimeout changes how long commands wait for the host.
func (s *Server) SetAckTimeout(d time.Duration) {
	if d > 0 {
		s.ackTimeout = d
	}
}

// ServeHTTP upgrades the request and serves the connection until the
// host disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(4 * 1024 * 1024)

	c := &conn{
		server:  s,
		ws:      ws,
		id:      uuid.NewString()[:8],
		pending: make(map[string]chan Message),
		rooms:   make(map[string]*session.Handle),
		closed:  make(chan struct{}),
	}
	c.logger = s.logger.With("conn", c.id, "remote", r.RemoteAddr)
	c.logger.Info("host runtime connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.readLoop(ctx)
	c.shutdown()
}

// conn is one host runtime connection.
type conn struct {
	server *Server
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message

	roomsMu sync.Mutex
	rooms   map[string]*session.Handle

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) write(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.ackTimeout))
	return c.ws.WriteJSON(m)
}

// sendAndWait writes a command and waits for the host's ack.
func (c *conn) sendAndWait(ctx context.Context, m Message) (Message, error) {
	m.ID = uuid.NewString()
	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[m.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, m.ID)
		c.pendingMu.Unlock()
	}()

	select {
	case <-c.closed:
		return Message{}, ErrDisconnected
	default:
	}
	if err := c.write(m); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", m.Type, err)
	}

	timer := time.NewTimer(c.server.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if ack.Error != "" {
			return ack, fmt.Errorf("host rejected %s: %s", m.Type, ack.Error)
		}
		return ack, nil
	case <-c.closed:
		return Message{}, ErrDisconnected
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, fmt.Errorf("timeout waiting for %s ack", m.Type)
	}
}

func (c *conn) payload(m Message, v any) Message {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode payload failed", "type", m.Type, "error", err)
		return m
	}
	m.Payload = data
	return m
}

// Speak implements session.Host. It returns once the host reports the
// text queued for playback.
func (c *conn) Speak(ctx context.Context, room, text string) error {
	ack, err := c.sendAndWait(ctx, Message{Type: TypeSpeak, Room: room, Text: text})
	if err != nil {
		return err
	}
	if ack.Status != "" && ack.Status != StatusQueued {
		return fmt.Errorf("speech not queued: status %q", ack.Status)
	}
	return nil
}

// SetTurnPolicy implements session.Host.
func (c *conn) SetTurnPolicy(ctx context.Context, room string, p turn.Policy) error {
	_, err := c.sendAndWait(ctx, c.payload(Message{Type: TypeTurnPolicy, Room: room}, p))
	return err
}

// ToolsChanged implements session.Host.
func (c *conn) ToolsChanged(ctx context.Context, room string, defs []tools.Definition) error {
	_, err := c.sendAndWait(ctx, c.payload(Message{Type: TypeToolsChanged, Room: room}, tools.Functions(defs)))
	return err
}

// Restart implements session.Host.
func (c *conn) Restart(ctx context.Context, room, reason string) error {
	_, err := c.sendAndWait(ctx, Message{Type: TypeRestart, Room: room, Reason: reason})
	return err
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("host runtime disconnected")
			} else {
				c.logger.Warn("host runtime connection lost", "error", err)
			}
			return
		}
		c.logger.Log(ctx, config.LevelTrace, "frame received", "type", msg.Type, "id", msg.ID, "room", msg.Room)

		switch msg.Type {
		case TypeAck:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
				}
			}
			c.pendingMu.Unlock()

		case TypeSessionStart:
			go c.startSession(ctx, msg)

		case TypeSessionEnd:
			// Closing the session waits for its queue, which may be
			// waiting for an ack only this loop can read.
			go c.endSession(msg.Room)

		case TypeToolCall:
			go c.toolCall(ctx, msg)

		default:
			c.logger.Debug("unhandled runtime message", "type", msg.Type)
			c.reply(Message{Type: TypeError, ID: msg.ID, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (c *conn) reply(m Message) {
	if err := c.write(m); err != nil {
		c.logger.Debug("reply not delivered", "type", m.Type, "error", err)
	}
}

func (c *conn) startSession(ctx context.Context, msg Message) {
	if msg.Room == "" {
		c.reply(Message{Type: TypeError, ID: msg.ID, Error: "room is required"})
		return
	}
	h, err := c.server.runtime.StartSession(ctx, msg.Room, c)
	if err != nil {
		c.logger.Error("session start failed", "room", msg.Room, "error", err)
		c.reply(Message{Type: TypeError, ID: msg.ID, Room: msg.Room, Error: err.Error()})
		return
	}

	c.roomsMu.Lock()
	c.rooms[msg.Room] = h
	c.roomsMu.Unlock()
	select {
	case <-c.closed:
		c.roomsMu.Lock()
		if c.rooms[msg.Room] == h {
			delete(c.rooms, msg.Room)
		}
		c.roomsMu.Unlock()
		c.server.runtime.EndSession(h)
		return
	default:
	}

	cfg := NewSessionConfig(h, c.server.runtime.Tools())
	c.reply(c.payload(Message{Type: TypeSessionConfig, ID: msg.ID, Room: msg.Room}, cfg))
	h.Start()
}

func (c *conn) endSession(room string) {
	c.roomsMu.Lock()
	h, ok := c.rooms[room]
	delete(c.rooms, room)
	c.roomsMu.Unlock()
	if !ok {
		c.logger.Debug("session_end for unknown room", "room", room)
		return
	}
	c.server.runtime.EndSession(h)
}

func (c *conn) toolCall(ctx context.Context, msg Message) {
	c.roomsMu.Lock()
	h := c.rooms[msg.Room]
	c.roomsMu.Unlock()
	if h == nil && msg.Room == "" {
		h, _ = c.server.sessions.Current()
	}
	if h == nil {
		c.reply(Message{Type: TypeError, ID: msg.ID, Room: msg.Room, Error: session.ErrNoActiveSession.Error()})
		return
	}

	res, err := c.server.runtime.InvokeTool(ctx, h, msg.Name, msg.Arguments)
	if err != nil {
		c.logger.Warn("tool call failed", "tool", msg.Name, "room", h.Room, "error", err)
		c.reply(Message{Type: TypeError, ID: msg.ID, Room: h.Room, Name: msg.Name, Error: err.Error()})
		return
	}
	out := ToolResult{Message: res.Message, Data: res.Data, Context: h.Data.Context()}
	c.reply(c.payload(Message{Type: TypeToolResult, ID: msg.ID, Room: h.Room, Name: msg.Name}, out))
}

// shutdown ends every room started on the connection.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
	_ = c.ws.Close()

	c.roomsMu.Lock()
	handles := make([]*session.Handle, 0, len(c.rooms))
	for _, h := range c.rooms {
		handles = append(handles, h)
	}
	c.rooms = make(map[string]*session.Handle)
	c.roomsMu.Unlock()

	for _, h := range handles {
		c.server.runtime.EndSession(h)
	}
}
