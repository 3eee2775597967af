// Package httpjson issues JSON GET requests against provider APIs.
package httpjson

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/bytedance/sonic"
)

// StatusError is returned for a non-2xx response other than 404.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Code, e.Body)
}

// Client wraps an *http.Client with a base URL and an optional API key header.
type Client struct {
	base   *url.URL
	http   *http.Client
	apiKey string
}

// New creates a Client. timeout <= 0 defaults to 30s.
func New(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("httpjson: base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}, apiKey: apiKey}, nil
}

// Get fetches base+path with query and decodes the body into out. A 404 maps
// to coinqw.ErrEntityNotFound.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", u.Path, coinqw.ErrEntityNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		if len(body) > 256 {
			body = body[:256]
		}
		return &StatusError{URL: u.Path, Code: resp.StatusCode, Body: string(body)}
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", u.Path, err)
	}
	return nil
}
