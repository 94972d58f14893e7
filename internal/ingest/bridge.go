package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/validator"
)

type Config struct {
	// URL of the NATS server. An empty URL disables the bridge.
	URL     string `env:"NATS_URL"`
	Subject string `env:"RELAY_NATS_SUBJECT" envDefault:"relay.events.>"`
	// Queue is the queue group shared by relay instances.
	Queue         string        `env:"NATS_QUEUE" envDefault:"relay"`
	Buffer        int           `env:"NATS_BUFFER" envDefault:"1024"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"1s"`
}

// Appender is the part of relay.Hub the bridge needs.
type Appender interface {
	AppendEvent(ctx context.Context, n relay.Notification) (relay.Event, error)
}

// Observer receives per-message ingest outcomes. *metrics.Registry implements it.
type Observer interface {
	RecordIngest(eventType string, err error)
}

type nopObserver struct{}

func (nopObserver) RecordIngest(string, error) {}

// Bridge appends every message published on a NATS subject to the hub.
// Messages are appended one at a time in the order the subscription sees them.
type Bridge struct {
	cfg      Config
	hub      Appender
	logger   *zap.Logger
	observer Observer
	opts     []nats.Option
}

type Option func(*Bridge)

func WithObserver(o Observer) Option {
	return func(b *Bridge) {
		b.observer = o
	}
}

// WithNATSOptions appends connection options, e.g. credentials.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(b *Bridge) {
		b.opts = append(b.opts, opts...)
	}
}

func New(cfg Config, hub Appender, logger *zap.Logger, opts ...Option) (*Bridge, error) {
	if err := validator.Validate("ingest.Bridge", hub, logger, cfg.URL, cfg.Subject); err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:      cfg,
		hub:      hub,
		logger:   logger.Named("ingest").With(zap.String("subject", cfg.Subject)),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

func (b *Bridge) connect() (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("relayd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error("nats async error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(b.cfg.URL, append(opts, b.opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", b.cfg.URL, err)
	}
	return nc, nil
}

// Run subscribes and appends messages until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	nc, err := b.connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, max(b.cfg.Buffer, 1))
	sub, err := nc.ChanQueueSubscribe(b.cfg.Subject, b.cfg.Queue, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.cfg.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Make sure the server knows the subscription before reporting ready.
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	b.logger.Info("nats bridge started", zap.String("queue", b.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("nats bridge stopped")
			return nil
		case msg := <-msgs:
			b.handle(ctx, msg)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg *nats.Msg) {
	n := Notification(msg.Subject, msg.Data)

	e, err := b.hub.AppendEvent(ctx, n)
	b.observer.RecordIngest(n.Type, err)
	if err != nil {
		b.logger.Error("failed to append broker message",
			zap.String("type", n.Type),
			zap.Error(err),
		)
		b.reply(msg, map[string]any{"success": false, "error": err.Error()})
		return
	}

	b.reply(msg, e)
}

// reply acknowledges request/reply publishers with the stored event.
func (b *Bridge) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Debug("failed to encode reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Debug("failed to reply", zap.Error(err))
	}
}

// Notification maps a broker message onto a hub notification. The last subject
// token is the event type. Data holding valid JSON is kept as-is, anything else
// becomes a JSON string.
func Notification(subject string, data []byte) relay.Notification {
	typ := subject
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		typ = subject[i+1:]
	}

	var payload any
	switch {
	case len(data) == 0:
		payload = nil
	case json.Valid(data):
		payload = json.RawMessage(data)
	default:
		payload = string(data)
	}

	return relay.Notification{Type: typ, Payload: payload}
}
