package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrToolUnavailable is returned when a call targets a tool that is not
// in the current cache generation: never discovered, evicted, or
// dropped as a collision.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// NameCollision records a tool dropped because an earlier integration
// already exposes the same name.
type NameCollision struct {
	Tool    string `json:"tool"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
}

func (c *NameCollision) Error() string {
	return fmt.Sprintf("tool %q from %s collides with %s; dropped", c.Tool, c.Dropped, c.Kept)
}

// Failure is one integration that could not be discovered.
type Failure struct {
	Integration string
	Err         error
}

// MarshalJSON includes the error text.
func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(map[string]string{"integration": f.Integration, "error": msg})
}

// DiscoveryPartialFailure reports integrations that contributed no
// tools because discovery failed. The rest of the catalog is valid.
type DiscoveryPartialFailure struct {
	Failures []Failure
}

func (e *DiscoveryPartialFailure) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Integration
	}
	return fmt.Sprintf("discovery failed for %d integration(s): %s", len(names), strings.Join(names, ", "))
}

// Unwrap exposes each integration's error to errors.Is.
func (e *DiscoveryPartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
