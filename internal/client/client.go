// internal/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"recovery/internal/api"
	"recovery/internal/concurrency"
	rerrors "recovery/internal/errors"
	"recovery/internal/store"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Client talks to the HTTP API served by `recovery watch --listen`.
type Client struct {
	baseURL    string
	httpClient *http.Client
	attempts   uint
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAttempts sets how many times idempotent requests are tried.
func WithAttempts(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
		attempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.get(ctx, "/health", &out)
}

func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	err := c.get(ctx, "/api/stats", &stats)
	return stats, err
}

// Conflicts lists unresolved conflicts, optionally only those for path.
func (c *Client) Conflicts(ctx context.Context, path string) ([]concurrency.ConflictInfo, error) {
	endpoint := "/api/conflicts"
	if path != "" {
		endpoint += "?path=" + url.QueryEscape(path)
	}
	var conflicts []concurrency.ConflictInfo
	err := c.get(ctx, endpoint, &conflicts)
	return conflicts, err
}

func (c *Client) Conflict(ctx context.Context, id string) (concurrency.ConflictInfo, error) {
	var info concurrency.ConflictInfo
	err := c.get(ctx, "/api/conflicts/"+url.PathEscape(id), &info)
	return info, err
}

// Diff returns the unified diff of a conflict. It is empty when both sides
// are identical.
func (c *Client) Diff(ctx context.Context, id string) (string, error) {
	var body []byte
	err := c.retry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, "/api/conflicts/"+url.PathEscape(id)+"/diff", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err
	})
	return string(body), err
}

// Resolve applies strategy to a conflict. It is never retried.
func (c *Client) Resolve(ctx context.Context, id string, strategy concurrency.Resolution) (api.ResolveResponse, error) {
	var out api.ResolveResponse
	data, err := json.Marshal(api.ResolveRequest{Strategy: strategy.String()})
	if err != nil {
		return out, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/conflicts/"+url.PathEscape(id)+"/resolve", data)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, v any) error {
	return c.retry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	})
}

// retry repeats fn on transport errors and 5xx responses.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code >= 500
			}
			return !rerrors.Is(err, rerrors.ErrorTypeNotFound)
		}),
	)
}

// do sends one request and turns non-2xx responses into errors. A 404
// becomes a typed not found error.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(msg))
	if resp.StatusCode == http.StatusNotFound {
		return nil, rerrors.NotFound("http_"+strings.ToLower(method), endpoint, text)
	}
	return nil, &StatusError{Code: resp.StatusCode, Message: text}
}
