// Package turn maps the session's turn-taking settings onto the host
// runtime's turn-detection parameters.
package turn

import "github.com/nugget/caal/internal/settings"

// Endpointing delay bounds, in seconds.
const (
	MinDelay     = 0.1
	MaxDelay     = 1.0
	DefaultDelay = 0.5
)

// Policy is the turn-detection configuration handed to the host.
type Policy struct {
	// AllowInterruptions lets the user talk over the agent.
	AllowInterruptions bool `json:"allow_interruptions"`
	// MinEndpointingDelay is how long the user must be silent before
	// the turn is considered complete, in seconds.
	MinEndpointingDelay float64 `json:"min_endpointing_delay"`
}

// Setter receives turn parameters. session.Handle implements it.
type Setter interface {
	SetTurnPolicy(Policy)
}

// FromConfig derives the policy from cfg, clamping the delay. A nil
// cfg yields the defaults.
func FromConfig(cfg *settings.RuntimeConfig) Policy {
	if cfg == nil {
		return Policy{AllowInterruptions: true, MinEndpointingDelay: DefaultDelay}
	}
	return Policy{
		AllowInterruptions:  cfg.AllowInterruptions,
		MinEndpointingDelay: Clamp(cfg.MinEndpointingDelay),
	}
}

// Apply writes the policy derived from cfg to h and returns it. A nil
// h only computes the policy.
func Apply(cfg *settings.RuntimeConfig, h Setter) Policy {
	p := FromConfig(cfg)
	if h != nil {
		h.SetTurnPolicy(p)
	}
	return p
}

// Clamp bounds an endpointing delay to [MinDelay, MaxDelay]. NaN maps
// to the default.
func Clamp(d float64) float64 {
	switch {
	case d != d:
		return DefaultDelay
	case d < MinDelay:
		return MinDelay
	case d > MaxDelay:
		return MaxDelay
	}
	return d
}
