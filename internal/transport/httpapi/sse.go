package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
)

// SSE event names besides the event types carried by the stream.
const (
	sseConnection = "connection"
	sseHeartbeat  = "heartbeat"
	sseDisconnect = "disconnect"
)

// sseSink writes events to one text/event-stream response. Writes are
// serialized, and none happen once Close returns.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	rc      *http.ResponseController
	timeout time.Duration
	closed  bool
	done    chan struct{}
	once    sync.Once
}

func newSSESink(w http.ResponseWriter, timeout time.Duration) *sseSink {
	return &sseSink{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func (s *sseSink) Send(ctx context.Context, e relay.Event) error {
	// A data line cannot span lines, so multi-line JSON is compacted first.
	var data bytes.Buffer
	if err := json.Compact(&data, e.Payload); err != nil {
		return fmt.Errorf("failed to compact payload: %w", err)
	}

	return s.write(ctx, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, data.Bytes())
		return err
	})
}

func (s *sseSink) Heartbeat(ctx context.Context) error {
	return s.frame(ctx, sseHeartbeat, map[string]any{"timestamp": time.Now().UTC()})
}

func (s *sseSink) frame(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", name, err)
	}
	return s.write(ctx, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		return err
	})
}

func (s *sseSink) write(ctx context.Context, fn func(io.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	return s.writeLocked(ctx, fn)
}

func (s *sseSink) writeLocked(ctx context.Context, fn func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.rc.SetWriteDeadline(writeDeadline(ctx, s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}

	if err := fn(s.w); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close stops further writes and wakes the handler. The hub calls it when the
// subscriber drains.
func (s *sseSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.once.Do(func() { close(s.done) })
	return nil
}

// disconnect writes the final frame, even after the hub closed the sink, and
// closes it. Only the handler calls it, once the hub is done with the sink.
func (s *sseSink) disconnect(reason string) {
	data, _ := json.Marshal(map[string]string{"reason": reason})

	s.mu.Lock()
	_ = s.writeLocked(context.Background(), func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseDisconnect, data)
		return err
	})
	s.closed = true
	s.mu.Unlock()

	s.once.Do(func() { close(s.done) })
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	resumeFrom, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	sub, err := s.hub.Subscribe(ctx, relay.TransportSSE, resumeFrom)
	if err != nil {
		writeHubError(w, err)
		return
	}
	logger := s.logger.With(zap.String("subscriber", sub.ID))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w, s.cfg.WriteTimeout)
	defer func() { _ = sink.rc.SetWriteDeadline(time.Time{}) }()
	if err := sink.frame(ctx, sseConnection, sub); err != nil {
		logger.Debug("failed to open event stream", zap.Error(err))
		_ = s.hub.Unsubscribe(context.WithoutCancel(ctx), sub.ID)
		return
	}

	if err := s.hub.AttachPush(ctx, sub.ID, sink); err != nil {
		logger.Warn("failed to attach event stream", zap.Error(err))
		_ = s.hub.Unsubscribe(context.WithoutCancel(ctx), sub.ID)
		sink.disconnect("attach_failed")
		return
	}

	logger.Debug("event stream opened")

	select {
	case <-ctx.Done():
		_ = s.hub.Unsubscribe(context.WithoutCancel(ctx), sub.ID)
		_ = sink.Close()
		logger.Debug("event stream closed by client")
	case <-sink.done:
		sink.disconnect("server_closed")
		logger.Debug("event stream closed by server")
	}
}
