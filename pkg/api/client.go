// Package api implements the authenticated HTTP client for the Babmoim
// backend.
//
// Every request attaches the current bearer token. A 401 on any call except
// the refresh call itself triggers exactly one token refresh through the
// registered refresh hook, then replays the original request once. When the
// refresh itself fails, the registered unauthorized handler fires so the
// session manager can begin logout.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is returned when a request stays unauthorized after the
// reactive refresh path is exhausted.
var ErrUnauthorized = errors.New("api: unauthorized")

// matchTimeout covers the blocking match request: the backend may hold the
// call open for minutes while waiting for a peer group.
const matchTimeout = 5 * time.Minute

const defaultTimeout = 15 * time.Second

// StatusError is a non-2xx response other than the handled 401 path.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: server returned %d: %s", e.Status, e.Body)
}

// Client talks to the Babmoim backend.
type Client struct {
	base string
	http *http.Client
	long *http.Client // for the blocking match call

	tokenSource    func() string
	refreshFn      func(ctx context.Context) error
	onUnauthorized func()
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client (used by tests).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: defaultTimeout},
		long: &http.Client{Timeout: matchTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenSource registers the provider of the current bearer token.
// The session manager owns the token; the client only reads it per request.
func (c *Client) SetTokenSource(fn func() string) {
	c.tokenSource = fn
}

// SetRefreshFunc registers the hook invoked on a 401. The session manager
// installs its coalesced single-flight refresh here, so the reactive path and
// the proactive timer never race two refresh calls.
func (c *Client) SetRefreshFunc(fn func(ctx context.Context) error) {
	c.refreshFn = fn
}

// SetUnauthorizedHandler registers the callback fired when a reactive refresh
// also fails.
func (c *Client) SetUnauthorizedHandler(fn func()) {
	c.onUnauthorized = fn
}

type doOptions struct {
	// noRefresh exempts the request from the 401→refresh interception.
	// Set on the refresh call itself to prevent infinite recursion.
	noRefresh bool
	// long selects the multi-minute client for blocking calls.
	long bool
}

func (c *Client) token() string {
	if c.tokenSource == nil {
		return ""
	}
	return c.tokenSource()
}

// do issues one request, handling token attachment and the reactive refresh.
func (c *Client) do(ctx context.Context, method, path string, in, out any, opts doOptions) error {
	status, err := c.once(ctx, method, path, in, out, opts)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}
	if opts.noRefresh || c.refreshFn == nil {
		return ErrUnauthorized
	}

	if err := c.refreshFn(ctx); err != nil {
		slog.Warn("reactive token refresh failed", "err", err)
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return ErrUnauthorized
	}

	// Replay the original call exactly once with the renewed token.
	status, err = c.once(ctx, method, path, in, out, opts)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// once issues a single HTTP round trip. A 401 is reported via the status
// return instead of an error so do can run the refresh path; any other
// non-2xx becomes a StatusError.
func (c *Client) once(ctx context.Context, method, path string, in, out any, opts doOptions) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("api: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("api: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := c.http
	if opts.long {
		httpClient = c.long
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return http.StatusUnauthorized, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("api: decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
