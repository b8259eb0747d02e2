package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// RedactedValue replaces secret settings in API responses. Saving it
// back leaves the stored secret unchanged.
const RedactedValue = "********"

// Manager reads and writes persisted settings through a [Store] and
// resolves them into a [RuntimeConfig].
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a settings manager over store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Load returns the persisted settings merged onto the defaults. Only
// known keys are returned.
func (m *Manager) Load(ctx context.Context) (map[string]any, error) {
	stored, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	merged := Defaults()
	for k, v := range normalizeKeys(stored) {
		if _, ok := fieldIndex[k]; ok {
			merged[k] = v
		}
	}
	return merged, nil
}

// Resolve loads the persisted settings and resolves them. Warnings are
// logged as well as returned.
func (m *Manager) Resolve(ctx context.Context) (*Resolution, error) {
	stored, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := ResolveWithReport(stored)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		m.logger.Warn("settings value adjusted", "key", w.Key, "detail", w.Message)
	}
	return res, nil
}

// Change describes the outcome of a [Manager.Save].
type Change struct {
	// Changed lists the keys whose stored value differs from before.
	Changed []string
	// Ignored lists unknown keys that were not persisted.
	Ignored []string
}

// Save merges updates into the stored settings. Unknown keys are
// ignored, legacy aliases are stored under their current names, and a
// redacted secret placeholder leaves the stored secret alone.
func (m *Manager) Save(ctx context.Context, updates map[string]any) (*Change, error) {
	current, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}

	change := &Change{}
	toSave := make(map[string]any)
	for k, v := range updates {
		key := canonicalKey(k)
		f, ok := fieldIndex[key]
		if !ok || key == "stt_provider" {
			change.Ignored = append(change.Ignored, k)
			continue
		}
		if f.secret && v == RedactedValue {
			continue
		}
		if sameValue(current[key], v) {
			continue
		}
		toSave[key] = v
		change.Changed = append(change.Changed, key)
	}
	sort.Strings(change.Changed)
	sort.Strings(change.Ignored)

	if len(toSave) == 0 {
		return change, nil
	}
	if err := m.store.Save(ctx, toSave); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	m.logger.Info("settings saved", "changed", change.Changed)
	return change, nil
}

// Redact returns a copy of values with secret settings masked.
func Redact(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if f, ok := fieldIndex[k]; ok && f.secret {
			if s, _ := v.(string); s != "" {
				v = RedactedValue
			}
		}
		out[k] = v
	}
	return out
}

// Restarts reports whether a change needs the live session restarted
// to take effect. Every persisted setting feeds the session's pipeline,
// prompt or tool set, so any change does.
func (c *Change) Restarts() bool {
	return c != nil && len(c.Changed) > 0
}

func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
