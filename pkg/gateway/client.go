// Package gateway provides a thin client for the self-hosted Telegram
// Bot API server. The ingress proxies to it and the bot worker talks to
// it directly; this client exists for connectivity checks and for
// handing out the upstream URL in one canonical form.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// FilePrefix is the path prefix under which the gateway exposes its
// local file store (/file/bot<token>/...). The ingress serves that
// subtree straight from the shared volume instead of proxying it.
const FilePrefix = "/file/"

// Client wraps the gateway's base URL with a short-timeout HTTP client
// suitable for probes and diagnostics. It is not a Bot API binding; the
// worker carries its own.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient parses and validates the gateway base URL
func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway: base URL %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gateway: base URL %q has no host", baseURL)
	}

	return &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}, nil
}

// BaseURL returns the parsed upstream URL for the reverse proxy
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Ping verifies the gateway is accepting HTTP connections. Any response
// counts; the gateway answers 404 on the bare root, which still proves
// the listener and HTTP stack are up.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String(), nil)
	if err != nil {
		return fmt.Errorf("gateway: build ping request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("gateway: ping returned %d", resp.StatusCode)
	}
	return nil
}
