package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/caal/internal/events"
)

// Default discovery bounds.
const (
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultParallelism      = 4
)

// Options configures a Catalog.
type Options struct {
	Rules       *RuleBook
	CacheSize   int
	Timeout     time.Duration
	Parallelism int
	Logger      *slog.Logger
	Bus         *events.Bus
	// OnFailure is called for each integration whose discovery failed.
	OnFailure func(integration string, err error)
}

// Report is the outcome of a discovery or reload.
type Report struct {
	Generation uint64          `json:"generation"`
	Reloaded   []string        `json:"reloaded"`
	Tools      int             `json:"tool_count"`
	Failures   []Failure       `json:"failures,omitempty"`
	Collisions []NameCollision `json:"collisions,omitempty"`
	Evicted    []string        `json:"evicted,omitempty"`
	// Superseded lists integrations whose results were discarded
	// because a newer reload had already been applied.
	Superseded []string `json:"superseded,omitempty"`
}

// Err returns a *DiscoveryPartialFailure when any integration failed.
func (r *Report) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	return &DiscoveryPartialFailure{Failures: r.Failures}
}

// Warnings renders failures, collisions and evictions for the host.
func (r *Report) Warnings() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, f := range r.Failures {
		out = append(out, fmt.Sprintf("integration %s unavailable: %v", f.Integration, f.Err))
	}
	for i := range r.Collisions {
		out = append(out, r.Collisions[i].Error())
	}
	for _, name := range r.Evicted {
		out = append(out, fmt.Sprintf("integration %s evicted from tool cache", name))
	}
	return out
}

// Catalog discovers tools from integrations and serves them from a
// Cache.
type Catalog struct {
	rules       *RuleBook
	cache       *Cache
	timeout     time.Duration
	parallelism int
	logger      *slog.Logger
	bus         *events.Bus
	onFailure   func(string, error)

	mu           sync.Mutex
	integrations []Integration
	issued       map[string]uint64
	applied      map[string]uint64
}

// NewCatalog returns a catalog over integrations in registration
// order. Nothing is discovered until Discover is called.
func NewCatalog(opts Options, integrations ...Integration) *Catalog {
	if opts.Rules == nil {
		opts.Rules = DefaultRuleBook()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDiscoveryTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Catalog{
		rules:        opts.Rules,
		cache:        NewCache(opts.CacheSize),
		timeout:      opts.Timeout,
		parallelism:  opts.Parallelism,
		logger:       opts.Logger.With("component", "tools"),
		bus:          opts.Bus,
		onFailure:    opts.OnFailure,
		integrations: integrations,
		issued:       make(map[string]uint64),
		applied:      make(map[string]uint64),
	}
}

// SetIntegrations replaces the registered integrations. Cached tools
// of integrations no longer registered disappear on the next reload.
func (c *Catalog) SetIntegrations(integrations []Integration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integrations = append([]Integration(nil), integrations...)
}

// Integrations returns the registered integrations.
func (c *Catalog) Integrations() []Integration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Integration(nil), c.integrations...)
}

// Integration returns the registered integration called name.
func (c *Catalog) Integration(name string) (Integration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ig := range c.integrations {
		if ig.Name() == name {
			return ig, true
		}
	}
	return nil, false
}

// SetCacheSize changes the number of resident integrations.
func (c *Catalog) SetCacheSize(n int) {
	if evicted := c.cache.SetSize(n); len(evicted) > 0 {
		c.logger.Info("tool cache shrunk", "size", n, "evicted", evicted)
	}
}

// Snapshot returns the current cache generation.
func (c *Catalog) Snapshot() *Snapshot { return c.cache.Snapshot() }

// Tools returns the active tool definitions.
func (c *Catalog) Tools() []Definition { return c.cache.Snapshot().Definitions() }

// Resolve maps a name to the integration a partial reload should
// target: the integration itself, or the owner of a cached tool.
// It returns "" when the name is unknown.
func (c *Catalog) Resolve(name string) string {
	if name == "" {
		return ""
	}
	if _, ok := c.Integration(name); ok {
		return name
	}
	if d, ok := c.cache.Snapshot().Lookup(name); ok {
		return d.Integration
	}
	return ""
}

// Discover runs discovery against every registered integration and
// replaces the whole cache.
func (c *Catalog) Discover(ctx context.Context) *Report {
	c.mu.Lock()
	targets := append([]Integration(nil), c.integrations...)
	keep := make(map[string]int, len(targets))
	for i, ig := range targets {
		keep[ig.Name()] = i
	}
	c.mu.Unlock()
	return c.run(ctx, targets, keep)
}

// Reload rediscovers one integration. An empty or unknown name
// reloads everything.
func (c *Catalog) Reload(ctx context.Context, integration string) *Report {
	ig, ok := c.Integration(integration)
	if !ok {
		if integration != "" {
			c.logger.Info("reload target unknown, reloading all", "target", integration)
		}
		return c.Discover(ctx)
	}
	return c.run(ctx, []Integration{ig}, nil)
}

type discovered struct {
	ig   Integration
	seq  uint64
	defs []Definition
	err  error
}

func (c *Catalog) run(ctx context.Context, targets []Integration, keep map[string]int) *Report {
	start := time.Now()

	c.mu.Lock()
	results := make([]discovered, len(targets))
	for i, ig := range targets {
		c.issued[ig.Name()]++
		results[i] = discovered{ig: ig, seq: c.issued[ig.Name()]}
	}
	c.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i := range results {
		r := &results[i]
		g.Go(func() error {
			r.defs, r.err = c.discoverOne(ctx, r.ig)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{}
	var updates []cacheUpdate

	c.mu.Lock()
	ranks := c.ranksLocked()
	for _, r := range results {
		name := r.ig.Name()
		if c.applied[name] > r.seq {
			report.Superseded = append(report.Superseded, name)
			continue
		}
		c.applied[name] = r.seq
		rank, registered := ranks[name]
		if r.err != nil || !registered {
			updates = append(updates, cacheUpdate{integration: name, remove: true})
			if r.err != nil {
				report.Failures = append(report.Failures, Failure{Integration: name, Err: r.err})
			}
			continue
		}
		updates = append(updates, cacheUpdate{integration: name, rank: rank, defs: r.defs})
		report.Reloaded = append(report.Reloaded, name)
	}
	if keep != nil {
		keep = ranks
	}
	res := c.cache.swap(updates, keep)
	c.mu.Unlock()

	report.Generation = res.snap.Generation
	report.Tools = res.snap.Len()
	report.Collisions = res.snap.Collisions()
	report.Evicted = res.evicted

	c.publish(report, time.Since(start))
	return report
}

func (c *Catalog) ranksLocked() map[string]int {
	ranks := make(map[string]int, len(c.integrations))
	for i, ig := range c.integrations {
		ranks[ig.Name()] = i
	}
	return ranks
}

func (c *Catalog) discoverOne(ctx context.Context, ig Integration) ([]Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	caps, err := ig.ListCapabilities(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("discovery timed out after %s: %w", c.timeout, err)
		}
		return nil, err
	}
	return c.rules.Simplify(ig.Name(), caps), nil
}

func (c *Catalog) publish(r *Report, elapsed time.Duration) {
	for _, f := range r.Failures {
		c.logger.Warn("integration discovery failed",
			"integration", f.Integration,
			"error", f.Err,
		)
		c.bus.Emit(events.SourceTools, events.KindIntegrationFailed, map[string]any{
			"integration": f.Integration,
			"error":       f.Err.Error(),
		})
		if c.onFailure != nil {
			c.onFailure(f.Integration, f.Err)
		}
	}
	for _, col := range r.Collisions {
		c.logger.Warn("tool name collision, later definition dropped",
			"tool", col.Tool,
			"kept", col.Kept,
			"dropped", col.Dropped,
		)
		c.bus.Emit(events.SourceTools, events.KindNameCollision, map[string]any{
			"tool":    col.Tool,
			"kept":    col.Kept,
			"dropped": col.Dropped,
		})
	}
	for _, name := range r.Superseded {
		c.logger.Debug("discarding superseded discovery result", "integration", name)
	}
	if len(r.Evicted) > 0 {
		c.logger.Info("tool cache full, evicted least recently used", "evicted", r.Evicted)
	}

	c.logger.Info("tool discovery complete",
		"generation", r.Generation,
		"reloaded", r.Reloaded,
		"tools", r.Tools,
		"failures", len(r.Failures),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	c.bus.Emit(events.SourceTools, events.KindDiscoveryComplete, map[string]any{
		"generation": r.Generation,
		"reloaded":   r.Reloaded,
		"tool_count": r.Tools,
		"failures":   len(r.Failures),
	})
}

// Invoke calls a tool from the current generation.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	def, ok := c.cache.Snapshot().Lookup(name)
	if !ok {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}
	ig, ok := c.Integration(def.Integration)
	if !ok {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}
	c.cache.Touch(def.Integration)
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	var (
		res Result
		err error
	)
	if def.dispatch != nil {
		res, err = def.dispatch.invoke(ctx, ig, args)
	} else {
		res, err = ig.Invoke(ctx, def.raw, args)
	}

	c.logger.Debug("tool invoked",
		"tool", name,
		"integration", def.Integration,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"error", err,
	)
	c.bus.Emit(events.SourceTools, events.KindToolInvoked, map[string]any{
		"tool":        name,
		"integration": def.Integration,
		"ok":          err == nil,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}
