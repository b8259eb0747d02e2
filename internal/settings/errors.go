package settings

import "fmt"

// ConfigError reports a missing required credential for the selected
// provider. It is fatal to session start and carries enough context
// for an operator to fix the setting.
type ConfigError struct {
	Key      string // setting that must be filled in
	Provider string // provider that requires it
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Key, e.Message)
}
