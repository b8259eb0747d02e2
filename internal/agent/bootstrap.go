// Package agent wires a voice session together at start: it resolves
// the runtime settings, localizes the prompt and greetings, assembles
// the speech and reasoning pipeline, keeps the tool catalog in step
// with the enabled integrations, applies the turn policy and registers
// the session. The conversation loop itself runs in the host runtime.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/connwatch"
	"github.com/nugget/caal/internal/content"
	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/mcp"
	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/search"
	"github.com/nugget/caal/internal/session"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speech"
	"github.com/nugget/caal/internal/tools"
	"github.com/nugget/caal/internal/turn"
)

// Built-in integration names.
const (
	IntegrationHomeAssistant = "home_assistant"
	IntegrationN8N           = "n8n"
)

// Options configures a Bootstrapper.
type Options struct {
	Config    *config.Config
	Settings  *settings.Manager
	Content   *content.Resolver
	Assembler *pipeline.Assembler
	// Quiet assembles pipelines for health probes. It must have no
	// event bus, so probing never reports substitutions. Nil uses
	// Assembler.
	Quiet    *pipeline.Assembler
	Sessions *session.Registry
	// Web is the built-in web search integration. Nil disables it.
	Web   *search.Web
	Rules *tools.RuleBook
	// Installer downloads Speaches models the session needs. Nil
	// leaves installation to the operator.
	Installer *speech.ModelInstaller
	// Extra integrations are registered after the built-in ones and the
	// configured MCP servers. Tests use it.
	Extra   []tools.Integration
	Backoff connwatch.BackoffConfig
	Logger  *slog.Logger
	Bus     *events.Bus
	// Now is the clock used for prompt date context.
	Now func() time.Time
}

// Bootstrapper starts sessions. It implements bridge.Runtime.
type Bootstrapper struct {
	cfg       *config.Config
	settings  *settings.Manager
	content   *content.Resolver
	assembler *pipeline.Assembler
	quiet     *pipeline.Assembler
	sessions  *session.Registry
	web       *search.Web
	installer *speech.ModelInstaller
	extra     []tools.Integration
	catalog   *tools.Catalog
	watch     *connwatch.Manager
	logger    *slog.Logger
	bus       *events.Bus
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	warming atomic.Bool

	mu          sync.Mutex
	fingerprint string
	closers     []io.Closer
}

// New returns a Bootstrapper and the tool catalog it manages. Call
// Init before serving sessions.
func New(opts Options) *Bootstrapper {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Quiet == nil {
		opts.Quiet = opts.Assembler
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bootstrapper{
		cfg:       opts.Config,
		settings:  opts.Settings,
		content:   opts.Content,
		assembler: opts.Assembler,
		quiet:     opts.Quiet,
		sessions:  opts.Sessions,
		web:       opts.Web,
		installer: opts.Installer,
		extra:     opts.Extra,
		watch:     connwatch.NewManager(opts.Backoff, opts.Logger),
		logger:    opts.Logger.With("component", "agent"),
		bus:       opts.Bus,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	b.catalog = tools.NewCatalog(tools.Options{
		Rules:       opts.Rules,
		Timeout:     opts.Config.Discovery.Timeout,
		Parallelism: opts.Config.Discovery.Parallelism,
		Logger:      opts.Logger,
		Bus:         opts.Bus,
		OnFailure:   b.integrationFailed,
	})
	return b
}

// Catalog returns the tool catalog.
func (b *Bootstrapper) Catalog() *tools.Catalog { return b.catalog }

// Watching reports integrations waiting to recover.
func (b *Bootstrapper) Watching() []connwatch.Status { return b.watch.Watching() }

// Init registers the integrations enabled by the current settings and
// runs the first discovery. A failing integration is not an error.
func (b *Bootstrapper) Init(ctx context.Context) error {
	res, err := b.settings.Resolve(ctx)
	if err != nil {
		var cfgErr *settings.ConfigError
		if !errors.As(err, &cfgErr) {
			return err
		}
		// A missing credential only blocks session start.
		b.logger.Warn("runtime settings incomplete", "error", err)
		return b.syncIntegrations(ctx, integrationSettings(nil), 0)
	}
	return b.syncIntegrations(ctx, integrationSettings(res.Config), res.Config.ToolCacheSize)
}

// Close stops integration watchers and closes MCP sessions.
func (b *Bootstrapper) Close() error {
	b.cancel()
	b.watch.Stop()
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()
	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// StartSession builds and registers the session for room. The handle
// is returned unstarted; the caller starts it once the host has its
// configuration.
func (b *Bootstrapper) StartSession(ctx context.Context, room string, host session.Host) (*session.Handle, error) {
	start := time.Now()
	res, err := b.settings.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve settings: %w", err)
	}
	cfg := res.Config

	loc, err := b.content.Resolve(cfg.Language, cfg.Prompt == settings.PromptCustom)
	if err != nil {
		return nil, fmt.Errorf("resolve content for %s: %w", cfg.Language, err)
	}
	loc = loc.WithGreetings(cfg.WakeGreetings)
	if loc.Fallback {
		b.logger.Info("localized content fell back",
			"language", cfg.Language,
			"prompt", loc.PromptSource,
			"greetings", loc.GreetingsSource,
			"phrasing", loc.PhrasingSource,
		)
	}

	handles, err := b.assembler.Assemble(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemble pipeline: %w", err)
	}
	if b.web != nil {
		b.web.SetSummarizer(handles.LLM)
	}
	if handles.TTS.Provider() == settings.ProviderPiper {
		go b.ensureModel(handles.TTS.Voice())
	}

	if err := b.syncIntegrations(ctx, integrationSettings(cfg), cfg.ToolCacheSize); err != nil {
		return nil, err
	}

	now := b.now().In(b.cfg.Location())
	h := session.NewHandle(session.Options{
		Room:         room,
		Config:       cfg,
		Content:      loc,
		Pipeline:     handles,
		Instructions: loc.RenderPrompt(now, b.cfg.TimezoneName(), cfg.AgentName),
		Host:         host,
		Logger:       b.logger,
		Bus:          b.bus,
	})
	policy := turn.Apply(cfg, h)
	b.sessions.Register(h)

	b.logger.Info("session configured",
		"room", room,
		"language", cfg.Language,
		"llm", handles.LLM.Name(),
		"tts", handles.TTS.Provider(),
		"tts_voice", handles.TTS.Voice(),
		"min_endpointing_delay", policy.MinEndpointingDelay,
		"tools", len(b.catalog.Tools()),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return h, nil
}

// EndSession unregisters h. A newer session in the same room is left
// alone.
func (b *Bootstrapper) EndSession(h *session.Handle) {
	b.sessions.UnregisterHandle(h)
}

// Tools returns the current tool list.
func (b *Bootstrapper) Tools() []tools.Definition {
	return b.catalog.Tools()
}

// InvokeTool runs a tool for h and keeps its data for follow-ups.
func (b *Bootstrapper) InvokeTool(ctx context.Context, h *session.Handle, name string, args map[string]any) (tools.Result, error) {
	res, err := b.catalog.Invoke(ctx, name, args)
	if err != nil {
		return tools.Result{}, err
	}
	h.Data.Add(name, res.Data)
	return res, nil
}

// Pipeline assembles handles from the current settings without
// registering anything. The health endpoint probes them when no
// session is live.
func (b *Bootstrapper) Pipeline(ctx context.Context) (*pipeline.Handles, error) {
	res, err := b.settings.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return b.quiet.Assemble(res.Config)
}

// SettingsChanged applies saved settings: integrations are re-synced
// and the live session, if any, is asked to restart so its pipeline is
// rebuilt.
func (b *Bootstrapper) SettingsChanged(ctx context.Context, change *settings.Change) {
	if res, err := b.settings.Resolve(ctx); err == nil {
		if err := b.syncIntegrations(ctx, integrationSettings(res.Config), res.Config.ToolCacheSize); err != nil {
			b.logger.Warn("integration sync failed", "error", err)
		}
	}
	if !change.Restarts() {
		return
	}
	h, err := b.sessions.Current()
	if err != nil {
		return
	}
	reason := "settings changed: " + strings.Join(change.Changed, ", ")
	if err := h.Restart(ctx, reason); err != nil {
		b.logger.Warn("session restart failed", "room", h.Room, "error", err)
		return
	}
	b.logger.Info("session restart requested", "room", h.Room, "keys", change.Changed)
}

// ActiveSessions returns the number of live sessions.
func (b *Bootstrapper) ActiveSessions() int { return len(b.sessions.Rooms()) }

// ToolCount returns the number of cached tools.
func (b *Bootstrapper) ToolCount() int { return b.catalog.Snapshot().Len() }

// integrationSet is the part of the runtime settings that decides which
// integrations exist.
type integrationSet struct {
	homeAssistant settings.Integration
	n8n           settings.Integration
	webSearch     bool
}

func integrationSettings(cfg *settings.RuntimeConfig) integrationSet {
	if cfg == nil {
		return integrationSet{}
	}
	return integrationSet{
		homeAssistant: cfg.HomeAssistant,
		n8n:           cfg.N8N,
		webSearch:     cfg.WebSearch,
	}
}

// fingerprint identifies an integration set without keeping tokens in
// memory longer than needed.
func (s integrationSet) fingerprint() string {
	h := sha256.New()
	for _, ig := range []settings.Integration{s.homeAssistant, s.n8n} {
		fmt.Fprintf(h, "%t|%s|%s\n", ig.Enabled, ig.URL, ig.Token)
	}
	fmt.Fprintf(h, "%t", s.webSearch)
	return hex.EncodeToString(h.Sum(nil))
}

// syncIntegrations rebuilds the catalog's integrations when the
// settings that define them changed, then rediscovers. An unchanged
// set only applies the cache size.
func (b *Bootstrapper) syncIntegrations(ctx context.Context, set integrationSet, cacheSize int) error {
	b.catalog.SetCacheSize(cacheSize)

	fp := set.fingerprint()
	b.mu.Lock()
	if fp == b.fingerprint {
		b.mu.Unlock()
		return nil
	}
	b.fingerprint = fp
	old := b.closers
	integrations, closers := b.buildIntegrations(set)
	b.closers = closers
	b.mu.Unlock()

	closeAll(old, b.logger)
	for _, st := range b.watch.Watching() {
		b.watch.Forget(st.Name)
	}
	b.catalog.SetIntegrations(integrations)

	names := make([]string, len(integrations))
	for i, ig := range integrations {
		names[i] = ig.Name()
	}
	b.logger.Info("integrations configured", "integrations", names)

	report := b.catalog.Discover(ctx)
	if err := report.Err(); err != nil {
		b.logger.Warn("tool discovery incomplete", "error", err)
	}
	return nil
}

func (b *Bootstrapper) buildIntegrations(set integrationSet) ([]tools.Integration, []io.Closer) {
	var (
		integrations []tools.Integration
		closers      []io.Closer
	)
	add := func(ig *mcp.Integration) {
		integrations = append(integrations, ig)
		closers = append(closers, ig)
	}

	if ha := set.homeAssistant; ha.Enabled && ha.URL != "" {
		add(mcp.NewIntegration(IntegrationHomeAssistant, mcp.HTTPConfig{
			URL:     mcp.HomeAssistantURL(ha.URL),
			Token:   ha.Token,
			Timeout: b.cfg.Discovery.Timeout,
			Logger:  b.logger,
		}))
	}
	if n := set.n8n; n.Enabled && n.URL != "" {
		add(mcp.NewIntegration(IntegrationN8N, mcp.HTTPConfig{
			URL:     n.URL,
			Token:   n.Token,
			Timeout: b.cfg.Discovery.Timeout,
			Logger:  b.logger,
		}))
	}
	for _, s := range b.cfg.MCP.Servers {
		add(mcp.NewIntegration(s.Name, mcp.HTTPConfig{
			URL:     s.URL,
			Token:   s.Token,
			Headers: s.Headers,
			Timeout: s.Timeout,
			Logger:  b.logger,
		}))
	}
	if set.webSearch && b.web != nil {
		integrations = append(integrations, b.web)
	}
	integrations = append(integrations, b.extra...)
	return integrations, closers
}

// integrationFailed watches a failed integration and reloads it once
// it answers again.
func (b *Bootstrapper) integrationFailed(name string, cause error) {
	ig, ok := b.catalog.Integration(name)
	if !ok {
		return
	}
	b.watch.Watch(b.ctx, connwatch.WatcherConfig{
		Name:  name,
		Probe: ig.Ping,
		Cause: cause,
		OnReady: func() {
			b.recover(name)
		},
	})
}

func (b *Bootstrapper) recover(name string) {
	ctx, cancel := context.WithTimeout(b.ctx, 2*b.cfg.Discovery.Timeout)
	defer cancel()

	report := b.catalog.Reload(ctx, name)
	if err := report.Err(); err != nil {
		// The failure hook has already started a new watcher.
		return
	}
	h, err := b.sessions.Current()
	if err != nil {
		return
	}
	if err := h.PushTools(ctx, b.catalog.Tools()); err != nil {
		b.logger.Warn("tool list not pushed after recovery", "integration", name, "error", err)
	}
}

// Integrations returns the names of the registered integrations in
// registration order.
func (b *Bootstrapper) Integrations() []string {
	igs := b.catalog.Integrations()
	names := make([]string, len(igs))
	for i, ig := range igs {
		names[i] = ig.Name()
	}
	return names
}

// closeAll closes replaced integrations. Failures only cost a stale
// server-side MCP session, so they are logged and not returned.
func closeAll(closers []io.Closer, logger *slog.Logger) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Debug("integration close failed", "error", err)
		}
	}
}
