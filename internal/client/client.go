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
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/retry"
	"relay/internal/transport/httpapi"
	"relay/internal/validator"
)

type Config struct {
	BaseURL string `env:"RELAY_URL" envDefault:"http://localhost:8080"`
	// Timeout bounds one request. It must exceed the longest long-poll wait.
	Timeout time.Duration `env:"RELAY_CLIENT_TIMEOUT" envDefault:"40s"`
	Retry   retry.Policy  `envPrefix:"CLIENT_"`
}

// APIError is a non-2xx response from the relay API. It matches relay.ErrNotFound
// and relay.ErrOutOfRange with errors.Is for 404 and 410 responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay api returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return relay.ErrNotFound
	case http.StatusGone:
		return relay.ErrOutOfRange
	default:
		return nil
	}
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

// Client talks to a relay server over its HTTP API.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if err := validator.Validate("client", logger, cfg.BaseURL); err != nil {
		return nil, err
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), r)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// retryable runs op under the client's retry policy. Client errors other than
// timeouts are returned right away.
func retryable[T any](ctx context.Context, c *Client, what string, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return v, retry.Permanent(err)
		}
		if ctx.Err() != nil {
			return v, retry.Permanent(err)
		}
		return v, err
	}, func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying",
			zap.String("operation", what),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func (c *Client) Subscribe(ctx context.Context, kind relay.TransportKind, resumeFrom *uint64) (relay.Subscriber, error) {
	return retryable(ctx, c, "subscribe", func(ctx context.Context) (relay.Subscriber, error) {
		var sub relay.Subscriber
		err := c.do(ctx, http.MethodPost, "/v1/subscriptions", nil,
			httpapi.SubscribeRequest{Transport: kind.String(), ResumeFrom: resumeFrom}, &sub)
		return sub, err
	})
}

func (c *Client) Get(ctx context.Context, id string) (relay.Subscriber, error) {
	var sub relay.Subscriber
	err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), nil, nil, &sub)
	return sub, err
}

// Pull fetches the next batch. A positive MaxWait long-polls on the server.
func (c *Client) Pull(ctx context.Context, id string, opts relay.PullOptions) (relay.Batch, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.MaxWait > 0 {
		query.Set("wait", opts.MaxWait.String())
	}

	var out httpapi.PullResponse
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id)+"/events", query, nil, &out); err != nil {
		return relay.Batch{}, err
	}

	return relay.Batch{Events: out.Events, NextCursor: out.NextCursor, TimedOut: out.TimedOut}, nil
}

func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(id), nil, nil, nil)
}

// Publish appends an event. Publishing is not idempotent, so it is never retried.
func (c *Client) Publish(ctx context.Context, eventType string, payload any) (relay.Event, error) {
	raw, err := relay.EncodePayload(payload)
	if err != nil {
		return relay.Event{}, err
	}

	var e relay.Event
	err = c.do(ctx, http.MethodPost, "/v1/events", nil, httpapi.AppendRequest{Type: eventType, Payload: raw}, &e)
	return e, err
}
