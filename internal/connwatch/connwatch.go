// Package connwatch watches integrations that failed discovery and
// reports when they come back.
//
// httpkit retries sub-second dial errors within one request. connwatch
// covers the longer outages: an n8n container restarting, Home
// Assistant rebooting. A Watcher probes one integration with
// exponential backoff (2s, 4s, 8s, ... capped at MaxDelay) and then
// keeps polling every PollInterval. On the first successful probe it
// calls OnReady and exits; the owner then reloads the integration.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the probe schedule.
type BackoffConfig struct {
	// InitialDelay is the delay before the second probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each probe (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of backoff probes before switching to
	// PollInterval (default: 10).
	MaxRetries int

	// PollInterval spaces probes once backoff is exhausted (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to 60s over ten attempts,
// then one probe a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures one watcher.
type WatcherConfig struct {
	// Name identifies the integration (e.g., "n8n").
	Name string

	// Probe checks reachability. Must be safe for concurrent use.
	Probe ProbeFunc

	// OnReady runs once, on the first successful probe.
	OnReady func()

	// Cause is the failure that started the watch, kept for Status.
	Cause error
}

// Status is one watched integration, as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"attempts"`
	LastCheck time.Time `json:"last_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one integration until it answers.
type Watcher struct {
	config  WatcherConfig
	backoff BackoffConfig
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	since     time.Time
	attempts  int
	lastErr   error
	lastCheck time.Time
}

// Status returns the watcher's progress.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.config.Name,
		Since:     w.since,
		Attempts:  w.attempts,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Done is closed when the watcher exits.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run returns after OnReady or when ctx is cancelled. exit runs
// before OnReady, so OnReady may start a new watch for the same name.
func (w *Watcher) run(ctx context.Context, exit func()) {
	defer close(w.done)
	var once sync.Once
	leave := func() { once.Do(exit) }
	defer leave()

	delay := w.backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)
		if err == nil {
			w.logger.Info("integration recovered",
				"integration", w.config.Name,
				"attempts", attempt,
				"down_for", time.Since(w.since).Round(time.Second),
			)
			leave()
			if w.config.OnReady != nil {
				w.config.OnReady()
			}
			return
		}

		wait := delay
		if attempt >= w.backoff.MaxRetries {
			wait = w.backoff.PollInterval
		} else {
			delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
		}
		w.logger.Debug("integration still unreachable",
			"integration", w.config.Name,
			"attempt", attempt,
			"next_probe", wait.String(),
			"error", err,
		)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.attempts++
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager runs at most one watcher per integration.
type Manager struct {
	backoff BackoffConfig
	logger  *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. Zero backoff fields take defaults.
func NewManager(backoff BackoffConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backoff:  backoff.withDefaults(),
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts watching cfg.Name unless a watcher for it is already
// running, in which case the existing one is returned.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[cfg.Name]; ok {
		return w
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config:  cfg,
		backoff: m.backoff,
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
		since:   time.Now(),
		lastErr: cfg.Cause,
	}
	m.watchers[cfg.Name] = w
	m.logger.Info("watching unavailable integration", "integration", cfg.Name, "error", cfg.Cause)

	go w.run(watchCtx, func() {
		m.mu.Lock()
		if m.watchers[cfg.Name] == w {
			delete(m.watchers, cfg.Name)
		}
		m.mu.Unlock()
	})
	return w
}

// Forget stops watching name, if it is watched.
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	w, ok := m.watchers[name]
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Watching returns the watched integrations in name order.
func (m *Manager) Watching() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
