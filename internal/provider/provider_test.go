package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestFromTransport(t *testing.T) {
	dialErr := &url.Error{Op: "Post", URL: "http://speaches:8000", Err: errors.New("connection refused")}

	err := FromTransport(KindSTT, "speaches", "transcribe", dialErr)
	var u *UnavailableError
	if !errors.As(err, &u) {
		t.Fatalf("FromTransport = %v, want *UnavailableError", err)
	}
	if u.Kind != KindSTT || u.Provider != "speaches" || u.Op != "transcribe" {
		t.Errorf("UnavailableError = %+v", u)
	}
	if !errors.Is(err, dialErr) {
		t.Error("UnavailableError does not unwrap to the transport error")
	}

	if err := FromTransport(KindLLM, "ollama", "chat", context.Canceled); err != context.Canceled {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if err := FromTransport(KindLLM, "ollama", "chat", nil); err != nil {
		t.Errorf("nil should stay nil, got %v", err)
	}
	plain := errors.New("encode request")
	if err := FromTransport(KindLLM, "ollama", "chat", plain); IsUnavailable(err) {
		t.Error("non-transport error classified as unavailable")
	}
	if !IsUnavailable(FromTransport(KindTTS, "kokoro", "speak", fmt.Errorf("wrap: %w", context.DeadlineExceeded))) {
		t.Error("deadline should mark the provider unavailable")
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status      int
		unavailable bool
		auth        bool
		hint        string
	}{
		{http.StatusUnauthorized, true, true, "unauthorized - check your token"},
		{http.StatusForbidden, true, true, "forbidden"},
		{http.StatusTooManyRequests, true, false, "slow down"},
		{http.StatusBadGateway, true, false, "slow down"},
		{http.StatusBadRequest, false, false, "slow down"},
	}

	for _, tt := range tests {
		err := FromStatus(KindLLM, "groq", "chat", tt.status, "slow down")
		if got := IsUnavailable(err); got != tt.unavailable {
			t.Errorf("status %d: IsUnavailable = %v, want %v", tt.status, got, tt.unavailable)
		}
		if !strings.Contains(err.Error(), tt.hint) {
			t.Errorf("status %d: error %q missing %q", tt.status, err, tt.hint)
		}
		var u *UnavailableError
		if errors.As(err, &u) && u.Auth() != tt.auth {
			t.Errorf("status %d: Auth() = %v, want %v", tt.status, u.Auth(), tt.auth)
		}
	}
}
