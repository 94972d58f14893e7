package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/transport/httpapi"
)

// session runs one push connection and returns when it ends.
type session func(ctx context.Context, resume *uint64, pos *position, handle Handler) error

// StreamSSE consumes the server-sent events stream, reconnecting with
// Last-Event-ID semantics until ctx is done or handle fails.
func (c *Client) StreamSSE(ctx context.Context, resumeFrom *uint64, handle Handler) error {
	return c.stream(ctx, relay.TransportSSE, resumeFrom, handle, c.sseSession)
}

// StreamWebSocket consumes the websocket stream, reconnecting from the last
// delivered event until ctx is done or handle fails.
func (c *Client) StreamWebSocket(ctx context.Context, resumeFrom *uint64, handle Handler) error {
	return c.stream(ctx, relay.TransportWebSocket, resumeFrom, handle, c.wsSession)
}

func (c *Client) stream(ctx context.Context, kind relay.TransportKind, resumeFrom *uint64, handle Handler, run session) error {
	pos := position{}
	if resumeFrom != nil {
		pos.cursor, pos.known = *resumeFrom, true
	}
	logger := c.logger.With(zap.String("transport", kind.String()))

	attempt := 0
	for {
		pos.progressed = false
		err := run(ctx, pos.resume(), &pos, handle)

		if ctx.Err() != nil {
			return nil
		}
		var herr *handlerError
		if errors.As(err, &herr) {
			return herr.err
		}
		if errors.Is(err, relay.ErrOutOfRange) {
			logger.Warn("resume point trimmed, reconnecting from tail", zap.Uint64("cursor", pos.cursor))
			pos.known = false
			attempt = 0
			continue
		}

		if pos.progressed {
			attempt = 0
		}
		attempt++
		if limit := c.cfg.Retry.MaxAttempts; limit > 0 && attempt >= limit {
			return fmt.Errorf("failed to keep %s stream open after %d attempts: %w", kind, attempt, err)
		}

		wait := c.cfg.Retry.Delay(attempt)
		logger.Warn("stream ended, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Uint64("cursor", pos.cursor),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func streamQuery(resume *uint64) url.Values {
	query := url.Values{}
	if resume != nil {
		query.Set("resumeFrom", strconv.FormatUint(*resume, 10))
	}
	return query
}

func (c *Client) sseSession(ctx context.Context, resume *uint64, pos *position, handle Handler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v1/stream/sse", streamQuery(resume)), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the per-request timeout.
	hc := &http.Client{Transport: c.http.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	r := bufio.NewReader(resp.Body)
	for {
		f, err := readSSEFrame(r)
		if err != nil {
			return fmt.Errorf("event stream broken: %w", err)
		}

		switch f.event {
		case "connection":
			var sub relay.Subscriber
			if err := json.Unmarshal([]byte(f.data), &sub); err == nil {
				pos.cursor, pos.known = sub.Cursor, true
			}
		case "heartbeat":
		case "disconnect":
			return fmt.Errorf("server closed event stream: %s", f.data)
		default:
			seq, err := strconv.ParseUint(f.id, 10, 64)
			if err != nil {
				return fmt.Errorf("event without sequence: %q", f.id)
			}
			e := relay.Event{Sequence: seq, Type: f.event, Payload: json.RawMessage(f.data)}
			if err := pos.deliver(ctx, handle, e); err != nil {
				return err
			}
		}
	}
}

type sseFrame struct {
	id, event, data string
}

func readSSEFrame(r *bufio.Reader) (sseFrame, error) {
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if f.event == "" && f.data == "" {
				continue
			}
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		key, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch key {
		case "id":
			f.id = value
		case "event":
			f.event = value
		case "data":
			if f.data != "" {
				f.data += "\n"
			}
			f.data += value
		}
	}
}

func (c *Client) wsURL(path string, query url.Values) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) wsSession(ctx context.Context, resume *uint64, pos *position, handle Handler) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL("/v1/stream/ws", streamQuery(resume)), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return decodeAPIError(resp)
		}
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var f httpapi.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("websocket broken: %w", err)
		}

		switch f.Kind {
		case httpapi.FrameConnection:
			if f.Subscriber != nil {
				pos.cursor, pos.known = f.Subscriber.Cursor, true
			}
		case httpapi.FrameDisconnect:
			return fmt.Errorf("server closed websocket: %s", f.Reason)
		case httpapi.FrameEvent:
			if f.Event == nil {
				continue
			}
			if err := pos.deliver(ctx, handle, *f.Event); err != nil {
				return err
			}
		}
	}
}

func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, &envelope); err != nil {
		envelope.Error = strings.TrimSpace(string(body))
	}
	return &APIError{Status: resp.StatusCode, Message: envelope.Error}
}
