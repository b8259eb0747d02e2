package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   3,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit")
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}

	filled := BackoffConfig{MaxRetries: 3}.withDefaults()
	if filled.MaxRetries != 3 || filled.InitialDelay != 2*time.Second || filled.Multiplier != 2.0 {
		t.Errorf("withDefaults = %+v", filled)
	}
}

func TestWatcher_RecoversAfterFailures(t *testing.T) {
	t.Parallel()
	var probes, ready atomic.Int32

	m := NewManager(testBackoff(), quietLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "n8n",
		Probe: func(context.Context) error {
			// Fail through backoff and into polling, then recover.
			if probes.Add(1) < 6 {
				return errors.New("connection refused")
			}
			return nil
		},
		OnReady: func() { ready.Add(1) },
		Cause:   errors.New("connection refused"),
	})
	waitDone(t, w)

	if ready.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", ready.Load())
	}
	if got := w.Status(); got.Attempts != 6 || got.LastError != "" {
		t.Errorf("status = %+v", got)
	}
	if len(m.Watching()) != 0 {
		t.Errorf("recovered watcher still listed: %v", m.Watching())
	}
}

func TestManager_WatchDeduplicates(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := func(context.Context) error { return errors.New("down") }
	m := NewManager(testBackoff(), quietLogger())
	a := m.Watch(ctx, WatcherConfig{Name: "home_assistant", Probe: probe})
	b := m.Watch(ctx, WatcherConfig{Name: "home_assistant", Probe: probe})
	m.Watch(ctx, WatcherConfig{Name: "n8n", Probe: probe})
	if a != b {
		t.Error("second Watch started a new watcher")
	}

	st := m.Watching()
	if len(st) != 2 || st[0].Name != "home_assistant" || st[1].Name != "n8n" {
		t.Fatalf("Watching = %+v", st)
	}

	m.Forget("home_assistant")
	waitDone(t, a)
	if st := m.Watching(); len(st) != 1 || st[0].Name != "n8n" {
		t.Errorf("after Forget: %+v", st)
	}

	m.Stop()
	if len(m.Watching()) != 0 {
		t.Errorf("after Stop: %+v", m.Watching())
	}
}

func TestWatcher_CancelSkipsOnReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	var ready atomic.Int32

	m := NewManager(testBackoff(), quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "slow",
		Probe:   func(context.Context) error { return errors.New("down") },
		OnReady: func() { ready.Add(1) },
	})
	time.Sleep(10 * time.Millisecond)
	cancel()
	waitDone(t, w)

	if ready.Load() != 0 {
		t.Error("OnReady called after cancel")
	}
	if w.Status().Attempts == 0 {
		t.Error("no probes recorded")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	m := NewManager(b, quietLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "hung",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	time.Sleep(30 * time.Millisecond)
	if got := w.Status(); got.LastError == "" {
		t.Errorf("status = %+v, want a deadline error", got)
	}
	w.Stop()
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	m := NewManager(BackoffConfig{}, quietLogger())
	for _, cfg := range []WatcherConfig{
		{Probe: func(context.Context) error { return nil }},
		{Name: "x"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Watch(%+v) did not panic", cfg)
				}
			}()
			m.Watch(context.Background(), cfg)
		}()
	}
}
