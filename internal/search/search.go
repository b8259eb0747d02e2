// Package search provides web search for the built-in "web" tool
// integration.
//
// Each search backend implements [Provider] and is registered with a
// [Manager], which routes queries to the primary backend. [Web] turns
// the manager into a tool integration that answers in one to three
// spoken sentences.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Pinger is implemented by providers that can be health checked
// without running a query.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrNotConfigured is returned when no provider is registered.
var ErrNotConfigured = errors.New("no search provider configured")

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Primary returns the primary provider name.
func (m *Manager) Primary() string { return m.primary }

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, err := m.provider()
	if err != nil {
		return nil, err
	}
	return p.Search(ctx, query, opts)
}

// Ping checks the primary provider.
func (m *Manager) Ping(ctx context.Context) error {
	p, err := m.provider()
	if err != nil {
		return err
	}
	if pinger, ok := p.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (m *Manager) provider() (Provider, error) {
	if len(m.providers) == 0 {
		return nil, ErrNotConfigured
	}
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	return p, nil
}

// Providers returns the names of all registered providers.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}
