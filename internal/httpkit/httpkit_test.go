package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoHeader(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(name)))
	})
}

func get(t *testing.T, c *http.Client, url string, hdr map[string]string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(2 * time.Second)); c.Timeout != 2*time.Second {
		t.Errorf("custom timeout = %v, want 2s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("zero timeout = %v, want 0 for streaming", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(echoHeader("User-Agent"))
	defer srv.Close()

	if got := get(t, NewClient(), srv.URL, nil); !strings.HasPrefix(got, "caal/") {
		t.Errorf("default User-Agent = %q, want caal/ prefix", got)
	}
	if got := get(t, NewClient(WithUserAgent("probe/1")), srv.URL, nil); got != "probe/1" {
		t.Errorf("custom User-Agent = %q", got)
	}
	if got := get(t, NewClient(), srv.URL, map[string]string{"User-Agent": "mine"}); got != "mine" {
		t.Errorf("existing User-Agent overwritten: %q", got)
	}
}

func TestNewClient_BearerToken(t *testing.T) {
	srv := httptest.NewServer(echoHeader("Authorization"))
	defer srv.Close()

	if got := get(t, NewClient(WithBearerToken("gsk_123")), srv.URL, nil); got != "Bearer gsk_123" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
	if got := get(t, NewClient(WithBearerToken("")), srv.URL, nil); got != "" {
		t.Errorf("empty token should not set Authorization, got %q", got)
	}
	if got := get(t, NewClient(WithBearerToken("x")), srv.URL, map[string]string{"Authorization": "Basic abc"}); got != "Basic abc" {
		t.Errorf("explicit Authorization overwritten: %q", got)
	}
}

func TestNewClient_Headers(t *testing.T) {
	srv := httptest.NewServer(echoHeader("X-N8N-API-KEY"))
	defer srv.Close()

	c := NewClient(WithHeaders(map[string]string{"X-N8N-API-KEY": "k"}))
	if got := get(t, c, srv.URL, nil); got != "k" {
		t.Errorf("static header = %q, want k", got)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("unauthorized")), 64); got != "unauthorized" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 4); got != "abcd" {
		t.Errorf("truncated ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 4); got != "" {
		t.Errorf("nil ReadErrorBody = %q", got)
	}
}

// failingRoundTripper fails with EHOSTUNREACH for the first N calls.
type failingRoundTripper struct {
	failures int
	calls    int
	err      error
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		err := f.err
		if err == nil {
			err = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.EHOSTUNREACH}
		}
		return nil, err
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds after retry", failures: 1, wantCalls: 2},
		{name: "no retry on success", failures: 0, wantCalls: 1},
		{name: "exhausts retries", failures: 10, wantCalls: 3, wantErr: true},
		{name: "non-transient error", failures: 10, err: errors.New("tls: bad certificate"), wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures, err: tt.err}
			rt := &retryTransport{base: ft, count: 2, delay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)

	start := time.Now()
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry delay ignored cancellation")
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://example.com", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	rt.RoundTrip(req)
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1 when body cannot be rewound", ft.calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{syscall.ECONNREFUSED, true},
		{&net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, true},
		{syscall.ECONNRESET, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
