// Package provider holds the error type shared by every speech and
// reasoning backend handle. A handle never fails at construction; the
// first operational call that cannot reach its backend returns an
// *UnavailableError, which callers turn into a spoken "try again".
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Kind identifies which pipeline stage a provider serves.
type Kind string

const (
	KindSTT Kind = "stt"
	KindTTS Kind = "tts"
	KindLLM Kind = "llm"
)

// UnavailableError reports a network or authentication failure
// reaching a provider backend.
type UnavailableError struct {
	Kind     Kind
	Provider string // e.g. "speaches", "groq"
	Op       string // e.g. "transcribe", "chat", "ping"
	Status   int    // HTTP status, 0 for transport failures
	Err      error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("%s provider %s unavailable (%s)", e.Kind, e.Provider, e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Auth reports whether the failure was a rejected credential.
func (e *UnavailableError) Auth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsUnavailable reports whether err (or anything it wraps) is an
// *UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

// FromTransport classifies an error returned by http.Client.Do. Caller
// cancellation passes through unchanged; everything else at the
// transport level means the backend could not be reached.
func FromTransport(kind Kind, name, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &UnavailableError{Kind: kind, Provider: name, Op: op, Err: err}
	}
	return err
}

// FromStatus classifies a non-2xx HTTP response. Authentication
// failures and server-side errors mark the provider unavailable;
// other client errors are returned as plain errors since retrying
// will not help and the request itself is wrong.
func FromStatus(kind Kind, name, op string, status int, body string) error {
	detail := errors.New(AuthHint(status, body))
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusTooManyRequests, status >= 500:
		return &UnavailableError{Kind: kind, Provider: name, Op: op, Status: status, Err: detail}
	default:
		return fmt.Errorf("%s %s %s: HTTP %d: %w", kind, name, op, status, detail)
	}
}

// AuthHint turns a status into an operator-facing hint.
func AuthHint(status int, body string) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized - check your token"
	case http.StatusForbidden:
		return "forbidden - token lacks permission"
	}
	if body == "" {
		return http.StatusText(status)
	}
	return body
}
