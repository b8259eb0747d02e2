package tools

import (
	"context"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSimplify_HomeAssistantCollapsesToTwoWrappers(t *testing.T) {
	if len(homeAssistantPrimitives) != 15 {
		t.Fatalf("fixture has %d primitives", len(homeAssistantPrimitives))
	}
	defs := DefaultRuleBook().Simplify("home_assistant", caps(homeAssistantPrimitives...))

	if len(defs) != 2 {
		names := make([]string, len(defs))
		for i, d := range defs {
			names[i] = d.Name
		}
		t.Fatalf("got %d definitions %v, want 2", len(defs), names)
	}
	if defs[0].Name != "hass_control" || defs[1].Name != "hass_get_state" {
		t.Errorf("names = %s, %s", defs[0].Name, defs[1].Name)
	}
	for _, d := range defs {
		if !d.Wrapped() || d.Integration != "home_assistant" {
			t.Errorf("%s: wrapped=%v integration=%q", d.Name, d.Wrapped(), d.Integration)
		}
	}

	props := defs[0].Parameters["properties"].(map[string]any)
	enum := props["action"].(map[string]any)["enum"].([]string)
	if len(enum) != 14 || enum[0] != "turn_on" {
		t.Errorf("hass_control actions = %v", enum)
	}
	if _, ok := props["value"]; !ok {
		t.Error("hass_control has no value parameter")
	}
	if req := defs[0].Parameters["required"].([]string); !slices.Equal(req, []string{"action", "target"}) {
		t.Errorf("required = %v", req)
	}

	stateProps := defs[1].Parameters["properties"].(map[string]any)
	if _, ok := stateProps["action"]; ok {
		t.Error("single-action wrapper exposes an action parameter")
	}
	if _, ok := defs[1].Parameters["required"]; ok {
		t.Error("hass_get_state target should be optional")
	}
}

func TestSimplify_PassThroughAndPartialWrappers(t *testing.T) {
	in := caps("HassTurnOn", "HassTurnOff", "HassCancelAllTimers", "HassBroadcast")
	defs := DefaultRuleBook().Simplify("home_assistant", in)

	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	want := []string{"hass_control", "hass_cancel_all_timers", "hass_broadcast"}
	if !slices.Equal(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	props := defs[0].Parameters["properties"].(map[string]any)
	if _, ok := props["value"]; ok {
		t.Error("value parameter present without any set_* action")
	}
	if defs[1].raw != "HassCancelAllTimers" {
		t.Errorf("raw = %q", defs[1].raw)
	}
}

func TestSimplify_NoRulesForIntegration(t *testing.T) {
	defs := DefaultRuleBook().Simplify("n8n", caps("Get-Weather", "send_email"))
	if len(defs) != 2 || defs[0].Name != "get_weather" || defs[1].Name != "send_email" {
		t.Errorf("defs = %+v", defs)
	}
	if defs[0].Wrapped() {
		t.Error("pass-through marked as wrapped")
	}
}

func TestWrapperDispatch(t *testing.T) {
	defs := DefaultRuleBook().Simplify("home_assistant", caps(homeAssistantPrimitives...))
	control := defs[0]
	ha := &fakeIntegration{name: "home_assistant", result: Result{Message: "done"}}

	tests := []struct {
		name    string
		args    map[string]any
		wantCap string
		want    map[string]any
		wantErr string
	}{
		{
			name:    "turn on",
			args:    map[string]any{"action": "turn_on", "target": " kitchen light "},
			wantCap: "HassTurnOn",
			want:    map[string]any{"name": "kitchen light"},
		},
		{
			name:    "brightness from percent string",
			args:    map[string]any{"action": "set_brightness", "target": "desk lamp", "value": "40%"},
			wantCap: "HassLightSet",
			want:    map[string]any{"name": "desk lamp", "brightness": 40.0},
		},
		{
			name:    "volume",
			args:    map[string]any{"action": "set_volume", "target": "speaker", "value": 25.0},
			wantCap: "HassSetVolume",
			want:    map[string]any{"name": "speaker", "volume_level": 25.0},
		},
		{name: "missing action", args: map[string]any{"target": "x"}, wantErr: "action is required"},
		{name: "unknown action", args: map[string]any{"action": "explode", "target": "x"}, wantErr: `unknown action "explode"`},
		{name: "missing target", args: map[string]any{"action": "turn_off"}, wantErr: "target is required"},
		{name: "missing value", args: map[string]any{"action": "set_temperature", "target": "hall"}, wantErr: "numeric value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := control.dispatch.invoke(context.Background(), ha, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.Message != "done" {
				t.Errorf("message = %q", res.Message)
			}
			got := ha.lastInvocation()
			if got.capability != tt.wantCap {
				t.Errorf("capability = %q, want %q", got.capability, tt.wantCap)
			}
			if len(got.args) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got.args, tt.want)
			}
			for k, v := range tt.want {
				if got.args[k] != v {
					t.Errorf("args[%s] = %v, want %v", k, got.args[k], v)
				}
			}
		})
	}
}

const liveContext = `Live Context: An overview of the areas and the devices in this smart home:
- names: Kitchen Light
  domain: light
  state: 'on'
  areas: Kitchen
- names: Porch Light
  domain: light
  state: 'off'
- names: Thermostat
  domain: climate
  attributes:
    - current_temperature: 21`

func TestWrapperDispatch_GetStateFiltersByTarget(t *testing.T) {
	defs := DefaultRuleBook().Simplify("home_assistant", caps(homeAssistantPrimitives...))
	state := defs[1]
	ha := &fakeIntegration{name: "home_assistant", result: Result{Message: liveContext}}

	res, err := state.dispatch.invoke(context.Background(), ha, map[string]any{"target": "kitchen"})
	if err != nil {
		t.Fatal(err)
	}
	if got := ha.lastInvocation(); got.capability != "GetLiveContext" || len(got.args) != 0 {
		t.Errorf("invocation = %+v", got)
	}
	if !strings.Contains(res.Message, "Kitchen Light") || strings.Contains(res.Message, "Porch") {
		t.Errorf("filtered message = %q", res.Message)
	}
	if !strings.HasPrefix(res.Message, "Live Context:") {
		t.Errorf("header dropped: %q", res.Message)
	}

	res, _ = state.dispatch.invoke(context.Background(), ha, map[string]any{"target": "thermostat"})
	if !strings.Contains(res.Message, "current_temperature") {
		t.Errorf("nested list items lost: %q", res.Message)
	}

	res, _ = state.dispatch.invoke(context.Background(), ha, map[string]any{"target": "garage"})
	if !strings.Contains(res.Message, `"garage"`) {
		t.Errorf("no-match message = %q", res.Message)
	}

	res, _ = state.dispatch.invoke(context.Background(), ha, map[string]any{})
	if res.Message != liveContext {
		t.Error("empty target should return the full context")
	}
}

func TestLoadRuleBook_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no integration", "wrappers: []"},
		{"no actions", "integration: x\nwrappers:\n  - name: w\n"},
		{"capability twice", "integration: x\nwrappers:\n  - name: a\n    actions:\n      - {action: on, capability: C}\n  - name: b\n    actions:\n      - {action: off, capability: C}\n"},
		{"bad yaml", "integration: [x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"r/x.yaml": {Data: []byte(tt.body)}}
			if _, err := LoadRuleBook(fsys, "r"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultRuleBook(t *testing.T) {
	if got := DefaultRuleBook().Integrations(); !slices.Equal(got, []string{"home_assistant"}) {
		t.Errorf("Integrations = %v", got)
	}
}
