// Package transport issues authenticated requests against the remote API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/retry"
)

const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderRequestID = "X-Request-ID"
	userAgent       = "splore-go/0.1"
	maxBody         = 8 << 20
)

// Client sends JSON requests to the remote API. Every request goes through
// the Retrier under the client's Policy unless the call opts out.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retrier    *retry.Retrier
	policy     retry.Policy
	stats      *Stats
	log        *slog.Logger
}

type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Retrier    *retry.Retrier
	Policy     retry.Policy
	Stats      *Stats
	Log        *slog.Logger
}

func New(baseURL, apiKey string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	policy := opts.Policy
	if policy.MaxRetries <= 0 {
		policy = retry.DefaultPolicy()
	}
	stats := opts.Stats
	if stats == nil {
		stats = NewStats(time.Hour)
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	r := opts.Retrier
	if r == nil {
		r = &retry.Retrier{Log: log}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: hc,
		retrier:    r,
		policy:     policy,
		stats:      stats,
		log:        log,
	}
}

// Call describes one request. Body is encoded as JSON when non-nil.
type Call struct {
	Query  url.Values
	Body   any
	Header http.Header
	// Once disables retries for the call.
	Once bool
}

// Response is a successful reply. Value holds the decoded JSON document, or
// the raw text when the body is not JSON.
type Response struct {
	StatusCode int
	Raw        []byte
	Value      any
}

// Decode unmarshals the raw body into out.
func (r *Response) Decode(out any) error {
	if len(r.Raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Stats() *Stats { return c.stats }

// Request sends method to endpoint, relative to the base URL, retrying
// failures under the client's policy. A non-2xx status or a network failure
// yields *apierr.TransportError.
func (c *Client) Request(ctx context.Context, method, endpoint string, call Call) (*Response, error) {
	p := c.policy
	if call.Once {
		p = p.Once()
	}
	name := method + " " + endpoint
	return retry.Do(ctx, c.retrier, name, p, func(ctx context.Context) (*Response, error) {
		return c.send(ctx, method, endpoint, call)
	})
}

func (c *Client) send(ctx context.Context, method, endpoint string, call Call) (*Response, error) {
	target := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		b, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", endpoint, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderAPIKey, c.apiKey)
	reqID := uuid.NewString()
	req.Header.Set(HeaderRequestID, reqID)

	log := logging.FromContext(ctx, c.log)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.stats.RecordError(elapsed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &apierr.TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		c.stats.RecordError(elapsed)
		return nil, &apierr.TransportError{Method: method, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	log.Debug("api request",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"request_id", reqID,
		"duration_ms", elapsed.Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.stats.RecordError(elapsed)
		return nil, &apierr.TransportError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	c.stats.Record(elapsed)

	out := &Response{StatusCode: resp.StatusCode, Raw: raw}
	if len(raw) > 0 {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			out.Value = v
		} else {
			out.Value = string(raw)
		}
	}
	return out, nil
}

// Get is a convenience for Request with a query string only.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*Response, error) {
	return c.Request(ctx, http.MethodGet, endpoint, Call{Query: query})
}

// Into sends the call and decodes the body into a T.
func Into[T any](ctx context.Context, c *Client, method, endpoint string, call Call) (T, error) {
	var out T
	resp, err := c.Request(ctx, method, endpoint, call)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// ValidateAPIKey checks the key against the authentication endpoint.
func (c *Client) ValidateAPIKey(ctx context.Context) error {
	if _, err := c.Request(ctx, http.MethodGet, "api/rest/v2/authenticate", Call{}); err != nil {
		return fmt.Errorf("api key validation failed: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// APIKeyTransport adds the API key header to every request it carries.
type APIKeyTransport struct {
	Key  string
	Base http.RoundTripper
}

func (t *APIKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	r := req.Clone(req.Context())
	r.Header.Set(HeaderAPIKey, t.Key)
	return base.RoundTrip(r)
}
