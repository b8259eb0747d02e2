package tools

import (
	"context"
	"sync"
)

type invocation struct {
	capability string
	args       map[string]any
}

// fakeIntegration is an in-memory Integration. list, when set,
// overrides caps/err and receives the 1-based call number.
type fakeIntegration struct {
	name string
	caps []Capability
	err  error
	list func(ctx context.Context, call int) ([]Capability, error)

	result Result

	mu      sync.Mutex
	listed  int
	invoked []invocation
}

func (f *fakeIntegration) Name() string { return f.name }

func (f *fakeIntegration) ListCapabilities(ctx context.Context) ([]Capability, error) {
	f.mu.Lock()
	f.listed++
	call := f.listed
	f.mu.Unlock()
	if f.list != nil {
		return f.list(ctx, call)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.caps, nil
}

func (f *fakeIntegration) Invoke(_ context.Context, capability string, args map[string]any) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, invocation{capability: capability, args: args})
	return f.result, nil
}

func (f *fakeIntegration) Ping(context.Context) error { return f.err }

func (f *fakeIntegration) lastInvocation() invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.invoked) == 0 {
		return invocation{}
	}
	return f.invoked[len(f.invoked)-1]
}

func caps(names ...string) []Capability {
	out := make([]Capability, len(names))
	for i, n := range names {
		out[i] = Capability{
			Name:        n,
			Description: n + " capability",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}
	}
	return out
}

// homeAssistantPrimitives are the intents Home Assistant's MCP server
// exposes for device control and state.
var homeAssistantPrimitives = []string{
	"HassTurnOn", "HassTurnOff", "HassToggle", "HassLightSet",
	"HassClimateSetTemperature", "HassSetPosition", "HassMediaPause",
	"HassMediaUnpause", "HassMediaNext", "HassMediaPrevious",
	"HassSetVolume", "HassVacuumStart", "HassVacuumReturnToBase",
	"HassFanSetSpeed", "GetLiveContext",
}
