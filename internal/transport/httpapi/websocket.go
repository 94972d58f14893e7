package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/relay"
)

// Frame is the JSON text message sent on a websocket stream.
type Frame struct {
	// Kind is one of the Frame* constants.
	Kind       string            `json:"kind"`
	Event      *relay.Event      `json:"event,omitempty"`
	Subscriber *relay.Subscriber `json:"subscriber,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

const (
	FrameConnection = "connection"
	FrameEvent      = "event"
	FrameDisconnect = "disconnect"
	// FrameError reports a client message the hub refused. The stream stays open.
	FrameError = "error"
)

// inboundType labels client messages that are not an explicit envelope.
const inboundType = "message"

// inboundNotification maps a client text message onto a notification. An object
// with a string type and a payload is taken as the envelope; anything else is
// published whole as the payload of a "message".
func inboundNotification(data []byte) relay.Notification {
	var env AppendRequest
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" && len(env.Payload) > 0 {
		return relay.Notification{Type: env.Type, Payload: env.Payload}
	}

	if json.Valid(data) {
		return relay.Notification{Type: inboundType, Payload: json.RawMessage(data)}
	}
	return relay.Notification{Type: inboundType, Payload: string(data)}
}

// wsSink writes frames to one websocket connection. Gorilla connections allow
// a single concurrent writer, so every write holds mu.
type wsSink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
	closed  bool
	done    chan struct{}
	once    sync.Once
}

func newWSSink(conn *websocket.Conn, timeout time.Duration) *wsSink {
	return &wsSink{
		conn:    conn,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func (s *wsSink) Send(ctx context.Context, e relay.Event) error {
	return s.write(ctx, Frame{Kind: FrameEvent, Event: &e})
}

func (s *wsSink) write(ctx context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return websocket.ErrCloseSent
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(writeDeadline(ctx, s.timeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

// Heartbeat sends a ping control frame.
func (s *wsSink) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, writeDeadline(ctx, s.timeout))
}

// Close stops further writes and wakes the handler. The hub calls it when the
// subscriber drains.
func (s *wsSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.once.Do(func() { close(s.done) })
	return nil
}

// disconnect sends the disconnect frame and a close message, then closes the sink.
func (s *wsSink) disconnect(reason string, code int) {
	s.mu.Lock()
	deadline := writeDeadline(context.Background(), s.timeout)
	if err := s.conn.SetWriteDeadline(deadline); err == nil {
		_ = s.conn.WriteJSON(Frame{Kind: FrameDisconnect, Reason: reason})
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.closed = true
	s.mu.Unlock()

	s.once.Do(func() { close(s.done) })
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	resumeFrom, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	sub, err := s.hub.Subscribe(ctx, relay.TransportWebSocket, resumeFrom)
	if err != nil {
		writeHubError(w, err)
		return
	}
	logger := s.logger.With(zap.String("subscriber", sub.ID))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		_ = s.hub.Unsubscribe(ctx, sub.ID)
		return
	}
	defer conn.Close()

	sink := newWSSink(conn, s.cfg.WriteTimeout)
	if err := sink.write(ctx, Frame{Kind: FrameConnection, Subscriber: &sub}); err != nil {
		logger.Debug("failed to open websocket stream", zap.Error(err))
		_ = s.hub.Unsubscribe(ctx, sub.ID)
		return
	}

	if err := s.hub.AttachPush(ctx, sub.ID, sink); err != nil {
		logger.Warn("failed to attach websocket stream", zap.Error(err))
		_ = s.hub.Unsubscribe(ctx, sub.ID)
		sink.disconnect("attach_failed", websocket.CloseInternalServerErr)
		return
	}

	logger.Debug("websocket stream opened")

	if s.cfg.MaxBodyBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxBodyBytes)
	}

	// The read loop handles control frames, notices the client going away and
	// publishes text messages to every subscriber, this one included.
	readErr := make(chan error, 1)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			s.publishInbound(ctx, logger, sink, data)
		}
	}()

	select {
	case err := <-readErr:
		_ = s.hub.Unsubscribe(ctx, sub.ID)
		_ = sink.Close()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			logger.Debug("websocket read failed", zap.Error(err))
		}
		logger.Debug("websocket stream closed by client")
	case <-sink.done:
		sink.disconnect("server_closed", websocket.CloseGoingAway)
		logger.Debug("websocket stream closed by server")
	}
}

func (s *Server) publishInbound(ctx context.Context, logger *zap.Logger, sink *wsSink, data []byte) {
	n := inboundNotification(data)
	e, err := s.hub.AppendEvent(ctx, n)
	if err != nil {
		logger.Debug("rejected websocket message", zap.String("type", n.Type), zap.Error(err))
		_ = sink.write(ctx, Frame{Kind: FrameError, Reason: err.Error()})
		return
	}

	logger.Debug("websocket message published", zap.Uint64("sequence", e.Sequence))
}
