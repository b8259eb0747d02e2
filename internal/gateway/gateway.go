// Package gateway exposes out-of-band control of the live voice
// session: speak an announcement, play a wake greeting, reload the
// tool set, and report the health of every backend.
//
// Gateway holds the actions; Server maps them onto HTTP. Both run
// concurrently with the session's own conversation loop, which is why
// every write to the session goes through its speech queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/session"
	"github.com/nugget/caal/internal/tools"
)

// DefaultProbeTimeout bounds each health probe.
const DefaultProbeTimeout = 2 * time.Second

// ErrEmptyMessage is returned when an announcement has no text.
var ErrEmptyMessage = errors.New("message is required")

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// PipelineFunc builds provider handles for health probing when no
// session is active. It must not have side effects.
type PipelineFunc func(ctx context.Context) (*pipeline.Handles, error)

// Options configures a Gateway.
type Options struct {
	Sessions     *session.Registry
	Catalog      *tools.Catalog
	Pipeline     PipelineFunc
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Gateway performs control actions against the live session.
type Gateway struct {
	sessions     *session.Registry
	catalog      *tools.Catalog
	pipeline     PipelineFunc
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New returns a gateway.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Gateway{
		sessions:     opts.Sessions,
		catalog:      opts.Catalog,
		pipeline:     opts.Pipeline,
		probeTimeout: opts.ProbeTimeout,
		logger:       opts.Logger.With("component", "gateway"),
	}
}

// Result is the outcome of announce and wake. OK is false with a
// Reason when nothing is listening.
type Result struct {
	OK       bool   `json:"ok"`
	Room     string `json:"room_name,omitempty"`
	Greeting string `json:"greeting,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func idle() *Result {
	return &Result{OK: false, Reason: session.ErrNoActiveSession.Error()}
}

// Announce speaks message in room, or in the current session when room
// is empty. It returns after the host has queued the speech. No active
// session yields a Result with OK false and no error.
func (g *Gateway) Announce(ctx context.Context, message, room string) (*Result, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	h, err := g.sessions.Lookup(room)
	if errors.Is(err, session.ErrNoActiveSession) {
		g.logger.Info("announce with no active session", "room", room)
		return idle(), nil
	}
	if err := h.Say(ctx, message, session.OriginAnnounce); err != nil {
		return nil, err
	}
	g.logger.Info("announcement queued", "room", h.Room, "chars", len(message))
	return &Result{OK: true, Room: h.Room}, nil
}

// Wake speaks the session's next greeting.
func (g *Gateway) Wake(ctx context.Context, room string) (*Result, error) {
	h, err := g.sessions.Lookup(room)
	if errors.Is(err, session.ErrNoActiveSession) {
		g.logger.Info("wake with no active session", "room", room)
		return idle(), nil
	}
	greeting := h.NextGreeting()
	if err := h.Say(ctx, greeting, session.OriginWake); err != nil {
		return nil, err
	}
	g.logger.Info("wake greeting queued", "room", h.Room, "greeting", greeting)
	return &Result{OK: true, Room: h.Room, Greeting: greeting}, nil
}

// ReloadResult is the outcome of a tool reload.
type ReloadResult struct {
	OK        bool     `json:"ok"`
	Reloaded  []string `json:"reloaded"`
	ToolCount int      `json:"tool_count"`
	Warnings  []string `json:"warnings"`
	// Announced is the text spoken in the session, if any.
	Announced string `json:"announced,omitempty"`
}

// ReloadTools rediscovers tools. toolName may name an integration or a
// cached tool, which reloads only its owner; anything else, including
// a tool not yet cached, reloads every integration. When a session is
// live it receives the new tool list and hears message, or a notice
// naming the new tool.
func (g *Gateway) ReloadTools(ctx context.Context, toolName, message string) (*ReloadResult, error) {
	target := g.catalog.Resolve(toolName)
	report := g.catalog.Reload(ctx, target)

	res := &ReloadResult{
		OK:        true,
		Reloaded:  report.Reloaded,
		ToolCount: report.Tools,
		Warnings:  report.Warnings(),
	}
	if res.Reloaded == nil {
		res.Reloaded = []string{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if err := report.Err(); err != nil {
		g.logger.Warn("tool reload incomplete", "target", toolName, "error", err)
	}

	h, err := g.sessions.Current()
	if err != nil {
		return res, nil
	}
	if err := h.PushTools(ctx, g.catalog.Tools()); err != nil {
		g.logger.Warn("tool list not delivered to session", "room", h.Room, "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("session %s did not receive the new tool list: %v", h.Room, err))
	}

	notice := message
	if notice == "" && toolName != "" {
		notice = fmt.Sprintf("A new tool called '%s' is now available.", toolName)
	}
	if notice == "" {
		return res, nil
	}
	if err := h.Say(ctx, notice, session.OriginReload); err != nil {
		g.logger.Warn("reload notice not spoken", "room", h.Room, "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("reload notice not spoken: %v", err))
		return res, nil
	}
	res.Announced = notice
	return res, nil
}

// Probe is the outcome of one health check.
type Probe struct {
	OK        bool   `json:"ok"`
	Provider  string `json:"provider,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthReport is the gateway's view of every backend.
type HealthReport struct {
	Status       string           `json:"status"`
	Providers    map[string]Probe `json:"providers"`
	Integrations map[string]Probe `json:"integrations"`
	Sessions     []string         `json:"sessions"`
	Tools        int              `json:"tool_count"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health probes the STT, TTS and LLM backends of the current session
// (or of the current settings when idle) and every integration,
// concurrently and each within the probe timeout. It changes nothing.
func (g *Gateway) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:       StatusHealthy,
		Providers:    make(map[string]Probe),
		Integrations: make(map[string]Probe),
		Sessions:     g.sessions.Rooms(),
		Tools:        g.catalog.Snapshot().Len(),
	}

	handles, err := g.handles(ctx)
	var mu sync.Mutex
	record := func(m map[string]Probe, key string, p Probe) {
		mu.Lock()
		m[key] = p
		if !p.OK {
			report.Status = StatusDegraded
		}
		mu.Unlock()
	}
	if err != nil {
		record(report.Providers, "pipeline", Probe{Error: err.Error()})
	}

	var eg errgroup.Group
	probe := func(m map[string]Probe, key, provider string, p pinger) {
		eg.Go(func() error {
			record(m, key, g.probe(ctx, provider, p))
			return nil
		})
	}
	if handles != nil {
		probe(report.Providers, "stt", handles.STT.Provider(), handles.STT)
		probe(report.Providers, "llm", handles.LLM.Name(), handles.LLM)
		probe(report.Providers, "tts", handles.TTS.Provider(), handles.TTS)
	}
	for _, ig := range g.catalog.Integrations() {
		probe(report.Integrations, ig.Name(), "", ig)
	}
	_ = eg.Wait()

	if report.Status == StatusDegraded {
		g.logger.Debug("health degraded", "providers", failing(report.Providers), "integrations", failing(report.Integrations))
	}
	return report
}

func (g *Gateway) handles(ctx context.Context) (*pipeline.Handles, error) {
	if h, err := g.sessions.Current(); err == nil && h.Pipeline != nil {
		return h.Pipeline, nil
	}
	if g.pipeline == nil {
		return nil, nil
	}
	return g.pipeline(ctx)
}

func (g *Gateway) probe(ctx context.Context, provider string, p pinger) Probe {
	ctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()
	start := time.Now()
	err := p.Ping(ctx)
	res := Probe{OK: err == nil, Provider: provider, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func failing(m map[string]Probe) []string {
	var out []string
	for k, p := range m {
		if !p.OK {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
