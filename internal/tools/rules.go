package tools

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules/*.yaml
var builtinRules embed.FS

// ActionRule maps one wrapper action onto a raw capability.
type ActionRule struct {
	Action     string `yaml:"action"`
	Capability string `yaml:"capability"`
	// ValueArg names the raw argument that receives the wrapper's
	// numeric value.
	ValueArg string `yaml:"value_arg,omitempty"`
	// FilterByTarget narrows the raw result to entries mentioning the
	// target instead of passing the target to the capability.
	FilterByTarget bool           `yaml:"filter_by_target,omitempty"`
	Fixed          map[string]any `yaml:"fixed,omitempty"`
}

// WrapperRule describes one wrapper tool.
type WrapperRule struct {
	Name              string       `yaml:"name"`
	Description       string       `yaml:"description"`
	TargetArg         string       `yaml:"target_arg,omitempty"`
	TargetDescription string       `yaml:"target_description,omitempty"`
	ValueDescription  string       `yaml:"value_description,omitempty"`
	Actions           []ActionRule `yaml:"actions"`
}

// RuleSet is the simplification rules of one integration.
type RuleSet struct {
	Integration string        `yaml:"integration"`
	Wrappers    []WrapperRule `yaml:"wrappers"`
}

// RuleBook indexes rule sets by integration name.
type RuleBook struct {
	sets map[string]*RuleSet
}

// DefaultRuleBook returns the rules compiled into the binary.
func DefaultRuleBook() *RuleBook {
	rb, err := LoadRuleBook(builtinRules, "rules")
	if err != nil {
		panic(fmt.Sprintf("built-in tool rules: %v", err))
	}
	return rb
}

// LoadRuleBook reads every *.yaml file in dir of fsys.
func LoadRuleBook(fsys fs.FS, dir string) (*RuleBook, error) {
	matches, err := fs.Glob(fsys, path.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	rb := &RuleBook{sets: make(map[string]*RuleSet)}
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var set RuleSet
		if err := yaml.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := set.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := rb.sets[set.Integration]; dup {
			return nil, fmt.Errorf("%s: duplicate rules for integration %q", name, set.Integration)
		}
		rb.sets[set.Integration] = &set
	}
	return rb, nil
}

func (s *RuleSet) validate() error {
	if s.Integration == "" {
		return fmt.Errorf("integration is required")
	}
	seen := make(map[string]bool)
	for _, w := range s.Wrappers {
		if w.Name == "" {
			return fmt.Errorf("wrapper without name")
		}
		if len(w.Actions) == 0 {
			return fmt.Errorf("wrapper %s has no actions", w.Name)
		}
		for _, a := range w.Actions {
			if a.Action == "" || a.Capability == "" {
				return fmt.Errorf("wrapper %s: action and capability are required", w.Name)
			}
			if seen[a.Capability] {
				return fmt.Errorf("capability %s mapped twice", a.Capability)
			}
			seen[a.Capability] = true
		}
	}
	return nil
}

// Integrations lists integrations that have rules.
func (rb *RuleBook) Integrations() []string {
	if rb == nil {
		return nil
	}
	return sortedKeys(rb.sets)
}

// Simplify turns an integration's raw capabilities into tool
// definitions. Wrappers are emitted when at least one of their
// capabilities is present; every other capability passes through
// under its sanitized name.
func (rb *RuleBook) Simplify(integration string, caps []Capability) []Definition {
	byName := make(map[string]Capability, len(caps))
	for _, c := range caps {
		byName[c.Name] = c
	}
	consumed := make(map[string]bool)

	var defs []Definition
	if rb != nil {
		if set := rb.sets[integration]; set != nil {
			for _, w := range set.Wrappers {
				d, ok := buildWrapper(integration, w, byName)
				if !ok {
					continue
				}
				for _, a := range d.dispatch.actions {
					consumed[a.Capability] = true
				}
				defs = append(defs, d)
			}
		}
	}

	for _, c := range caps {
		if consumed[c.Name] {
			continue
		}
		defs = append(defs, Definition{
			Name:        Sanitize(c.Name),
			Description: c.Description,
			Parameters:  c.InputSchema,
			Integration: integration,
			raw:         c.Name,
		})
	}
	return defs
}

func buildWrapper(integration string, w WrapperRule, available map[string]Capability) (Definition, bool) {
	dispatch := &wrapperDispatch{targetArg: w.TargetArg}
	var names []string
	hasValue := false
	for _, a := range w.Actions {
		if _, ok := available[a.Capability]; !ok {
			continue
		}
		dispatch.actions = append(dispatch.actions, a)
		names = append(names, a.Action)
		if a.ValueArg != "" {
			hasValue = true
		}
	}
	if len(dispatch.actions) == 0 {
		return Definition{}, false
	}

	props := map[string]any{}
	var required []string
	if len(names) > 1 {
		props["action"] = map[string]any{
			"type":        "string",
			"enum":        names,
			"description": "What to do.",
		}
		required = append(required, "action")
	}
	targetDesc := w.TargetDescription
	if targetDesc == "" {
		targetDesc = "Name of the thing to act on."
	}
	props["target"] = map[string]any{"type": "string", "description": targetDesc}
	if w.TargetArg != "" {
		required = append(required, "target")
	}
	if hasValue {
		valueDesc := w.ValueDescription
		if valueDesc == "" {
			valueDesc = "Numeric value for actions that set a level."
		}
		props["value"] = map[string]any{"type": "number", "description": valueDesc}
	}

	params := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		params["required"] = required
	}
	return Definition{
		Name:        w.Name,
		Description: strings.TrimSpace(w.Description),
		Parameters:  params,
		Integration: integration,
		dispatch:    dispatch,
	}, true
}

// wrapperDispatch routes a wrapper call to a raw capability.
type wrapperDispatch struct {
	actions   []ActionRule
	targetArg string
}

func (w *wrapperDispatch) find(action string) (ActionRule, error) {
	if action == "" && len(w.actions) == 1 {
		return w.actions[0], nil
	}
	valid := make([]string, len(w.actions))
	for i, a := range w.actions {
		if a.Action == action {
			return a, nil
		}
		valid[i] = a.Action
	}
	if action == "" {
		return ActionRule{}, fmt.Errorf("action is required, one of: %s", strings.Join(valid, ", "))
	}
	return ActionRule{}, fmt.Errorf("unknown action %q, expected one of: %s", action, strings.Join(valid, ", "))
}

// invoke translates wrapper args and calls the integration.
func (w *wrapperDispatch) invoke(ctx context.Context, ig Integration, args map[string]any) (Result, error) {
	action, _ := args["action"].(string)
	rule, err := w.find(strings.TrimSpace(action))
	if err != nil {
		return Result{}, err
	}
	target, _ := args["target"].(string)
	target = strings.TrimSpace(target)

	raw := make(map[string]any, len(rule.Fixed)+2)
	for k, v := range rule.Fixed {
		raw[k] = v
	}
	if w.targetArg != "" && !rule.FilterByTarget {
		if target == "" {
			return Result{}, fmt.Errorf("target is required for %s", rule.Action)
		}
		raw[w.targetArg] = target
	}
	if rule.ValueArg != "" {
		v, ok := numeric(args["value"])
		if !ok {
			return Result{}, fmt.Errorf("a numeric value is required for %s", rule.Action)
		}
		raw[rule.ValueArg] = v
	}

	res, err := ig.Invoke(ctx, rule.Capability, raw)
	if err != nil {
		return Result{}, err
	}
	if rule.FilterByTarget && target != "" {
		res.Message = filterByTarget(res.Message, target)
	}
	return res, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		return f, err == nil
	}
	return 0, false
}

// filterByTarget keeps the list entries of a live-context listing that
// mention target. Entries start with "- " at the shallowest indent.
func filterByTarget(text, target string) string {
	lines := strings.Split(text, "\n")
	needle := strings.ToLower(target)

	var header []string
	var blocks [][]string
	indent := -1
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		depth := len(line) - len(trimmed)
		if strings.HasPrefix(trimmed, "- ") && (indent < 0 || depth <= indent) {
			indent = depth
			blocks = append(blocks, []string{line})
			continue
		}
		if len(blocks) == 0 {
			header = append(header, line)
			continue
		}
		blocks[len(blocks)-1] = append(blocks[len(blocks)-1], line)
	}
	if len(blocks) == 0 {
		return text
	}

	var kept []string
	for _, b := range blocks {
		joined := strings.Join(b, "\n")
		if strings.Contains(strings.ToLower(joined), needle) {
			kept = append(kept, joined)
		}
	}
	if len(kept) == 0 {
		return fmt.Sprintf("No device or area matching %q was found.", target)
	}
	return strings.TrimSpace(strings.Join(header, "\n") + "\n" + strings.Join(kept, "\n"))
}
