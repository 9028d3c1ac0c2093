// Package httpkit provides shared HTTP client construction and utilities
// for the two outbound peers of termkeep: the local storage service and
// the chat bot API.
//
// Clients built here never retry. Retry budgets live in the callers that
// own them (the provisioner's token loop, the chat bridge's poll backoff).
package httpkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/termkeep/internal/buildinfo"
)

const (
	dialTimeout    = 10 * time.Second
	tlsTimeout     = 10 * time.Second
	idleTimeout    = 90 * time.Second
	maxIdlePerHost = 4

	// DefaultTimeout bounds a whole request unless [WithTimeout] says
	// otherwise.
	DefaultTimeout = 10 * time.Second

	// MaxJSONBody caps how much of a JSON response is decoded.
	MaxJSONBody = 4 << 20
)

// Option configures a client built by [NewClient].
type Option func(*http.Client)

// WithTimeout sets the overall request timeout. Zero disables it;
// long-poll callers bound each request with a context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *http.Client) { c.Timeout = d }
}

// NewTransport returns a transport with bounded dial and TLS handshake
// times and a small idle pool; both peers of termkeep are a single host.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: tlsTimeout,
		IdleConnTimeout:     idleTimeout,
		MaxIdleConnsPerHost: maxIdlePerHost,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds an *http.Client that sends the termkeep User-Agent.
func NewClient(opts ...Option) *http.Client {
	c := &http.Client{
		Timeout:   DefaultTimeout,
		Transport: &userAgentTransport{base: NewTransport(), ua: buildinfo.UserAgent()},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// NewJSONRequest builds a request with body encoded as JSON. A nil body
// sends no payload.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// DecodeJSON decodes at most MaxJSONBody bytes of rc into v, then
// drains and closes rc.
func DecodeJSON(rc io.ReadCloser, v any) error {
	defer DrainAndClose(rc, 4096)
	if err := json.NewDecoder(io.LimitReader(rc, MaxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DrainAndClose reads up to limit bytes from rc and closes it.
// Use to ensure HTTP connections are returned to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder to allow connection reuse.
// Returns an empty string if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
