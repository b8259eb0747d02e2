package tools

import (
	"reflect"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HassTurnOn", "hass_turn_on"},
		{"GetLiveContext", "get_live_context"},
		{"get-weather", "get_weather"},
		{"Get Weather Now!", "get_weather_now"},
		{"already_snake", "already_snake"},
		{"__x__", "x"},
		{"v2Search", "v2_search"},
		{"HTTPGet", "httpget"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Result
	}{
		{
			name: "plain text",
			in:   "The kitchen light is on.",
			want: Result{Message: "The kitchen light is on."},
		},
		{
			name: "message and data",
			in:   `{"message":"3 tasks","data":[{"id":1}]}`,
			want: Result{Message: "3 tasks", Data: []any{map[string]any{"id": 1.0}}},
		},
		{
			name: "results key",
			in:   `{"message":"found","results":{"n":2}}`,
			want: Result{Message: "found", Data: map[string]any{"n": 2.0}},
		},
		{
			name: "message with extra fields",
			in:   `{"message":"ok","count":4}`,
			want: Result{Message: "ok", Data: map[string]any{"count": 4.0}},
		},
		{
			name: "object without message",
			in:   ` {"temp":21} `,
			want: Result{Message: `{"temp":21}`},
		},
		{
			name: "broken json",
			in:   `{"message":`,
			want: Result{Message: `{"message":`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseResult(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseResult = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFunctions(t *testing.T) {
	defs := []Definition{
		{Name: "weather", Description: "Get weather"},
	}
	fns := Functions(defs)
	if len(fns) != 1 || fns[0]["type"] != "function" {
		t.Fatalf("fns = %v", fns)
	}
	fn := fns[0]["function"].(map[string]any)
	if fn["name"] != "weather" {
		t.Errorf("name = %v", fn["name"])
	}
	params := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Errorf("nil parameters not defaulted: %v", params)
	}
}

func TestDataCache(t *testing.T) {
	c := NewDataCache(2)
	if c.Context() != "" {
		t.Error("empty cache rendered context")
	}
	c.Add("a", map[string]any{"id": 1})
	c.Add("skip", nil)
	c.Add("b", []int{1, 2})
	c.Add("c", "x")

	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
	got := c.Context()
	want := "Recent tool response data for reference:\n\nb: [1,2]\n\nc: \"x\""
	if got != want {
		t.Errorf("Context = %q, want %q", got, want)
	}
	if strings.Contains(got, "a:") {
		t.Error("oldest entry not evicted")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Error("Clear left entries")
	}

	off := NewDataCache(0)
	off.Add("a", 1)
	if off.Len() != 0 {
		t.Error("zero-size cache stored data")
	}
}
