package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"relay/internal/client"
	"relay/internal/relay"
)

type Config struct {
	Client client.Config

	EventCount            int           `env:"EVENT_COUNT" envDefault:"100"`
	PublishMessagesPerSec int           `env:"PUBLISH_MESSAGES_PER_SEC" envDefault:"0"`
	PublishRounds         int           `env:"PUBLISH_ROUNDS" envDefault:"1"`
	LongPollWait          time.Duration `env:"LONG_POLL_WAIT" envDefault:"10s"`
	Deadline              time.Duration `env:"E2E_DEADLINE" envDefault:"2m"`
	Profile               bool          `env:"E2E_PROFILE" envDefault:"true"`
	// NATSURL publishes through the broker bridge instead of the HTTP API.
	NATSURL     string `env:"E2E_NATS_URL"`
	NATSSubject string `env:"E2E_NATS_SUBJECT" envDefault:"relay.events.order"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	if cfg.Profile {
		stop := profile()
		defer stop()
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	c, err := client.New(cfg.Client, logger)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelDeadline := context.WithTimeout(ctx, cfg.Deadline)
	defer cancelDeadline()

	publish, closePublisher, err := publisher(cfg, c)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer closePublisher()

	// Every consumer starts from the tail observed before the first publish.
	probe, err := c.Subscribe(ctx, relay.TransportPoll, nil)
	if err != nil {
		log.Fatalf("failed to read stream tail: %v", err)
	}
	_ = c.Unsubscribe(ctx, probe.ID)
	start := probe.Cursor
	total := cfg.EventCount * max(cfg.PublishRounds, 1)

	now := time.Now()
	consumers := []*checker{
		newChecker(relay.TransportPoll, start, total),
		newChecker(relay.TransportLongPoll, start, total),
		newChecker(relay.TransportSSE, start, total),
		newChecker(relay.TransportWebSocket, start, total),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range consumers {
		g.Go(func() error {
			return consume(gctx, c, cfg, ch)
		})
	}

	g.Go(func() error {
		// default rate of 0 means no rate limiting
		ticker := time.NewTicker(time.Second * max(time.Duration(cfg.PublishMessagesPerSec), 1))
		defer ticker.Stop()
		rounds := 0

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				for _, e := range events(cfg.EventCount) {
					if err := publish(gctx, e); err != nil {
						logger.Error("failed to publish event", zap.Error(err))
						return fmt.Errorf("failed to publish event: %w", err)
					}
				}
				logger.Info(fmt.Sprintf("published %d events", cfg.EventCount))
				rounds++
				if rounds >= cfg.PublishRounds {
					logger.Info("publish rounds complete, stopping producer")
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("error in goroutine", zap.Error(err))
	}

	failed := false
	for _, ch := range consumers {
		if err := ch.verify(); err != nil {
			failed = true
			logger.Error("delivery check failed", zap.String("transport", ch.kind.String()), zap.Error(err))
			continue
		}
		logger.Info("delivery check passed", zap.String("transport", ch.kind.String()), zap.Int("events", total))
	}

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds\n", time.Since(now).Seconds())
	if failed {
		os.Exit(1)
	}
}

func profile() func() {
	cpuProfile, err := os.Create("cpu.pprof")
	if err != nil {
		log.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		log.Fatal("could not start CPU profile: ", err)
	}

	return func() {
		pprof.StopCPUProfile()
		_ = cpuProfile.Close()

		memProfile, err := os.Create("mem.pprof")
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer memProfile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfile); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}

type publishFunc func(ctx context.Context, n relay.Notification) error

func publisher(cfg Config, c *client.Client) (publishFunc, func(), error) {
	if cfg.NATSURL == "" {
		return func(ctx context.Context, n relay.Notification) error {
			_, err := c.Publish(ctx, n.Type, n.Payload)
			return err
		}, func() {}, nil
	}

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	// Requests wait for the bridge to append, which keeps publish order.
	return func(ctx context.Context, n relay.Notification) error {
		data, err := json.Marshal(n.Payload)
		if err != nil {
			return err
		}
		_, err = nc.RequestWithContext(ctx, cfg.NATSSubject, data)
		return err
	}, nc.Close, nil
}

// checker asserts one consumer saw every event exactly once and in order.
type checker struct {
	kind  relay.TransportKind
	start uint64
	total int

	mu   sync.Mutex
	next uint64
	errs []error
}

func newChecker(kind relay.TransportKind, start uint64, total int) *checker {
	return &checker{kind: kind, start: start, total: total, next: start + 1}
}

func (c *checker) observe(e relay.Event) (done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Sequence != c.next {
		c.errs = append(c.errs, fmt.Errorf("got sequence %d, want %d", e.Sequence, c.next))
	}
	c.next = e.Sequence + 1
	return c.next > c.start+uint64(c.total)
}

func (c *checker) verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if got := c.next - c.start - 1; got != uint64(c.total) {
		c.errs = append(c.errs, fmt.Errorf("received %d of %d events", got, c.total))
	}
	return errors.Join(c.errs...)
}

var errDone = errors.New("all events received")

func consume(ctx context.Context, c *client.Client, cfg Config, ch *checker) error {
	handle := func(_ context.Context, e relay.Event) error {
		if ch.observe(e) {
			return errDone
		}
		return nil
	}

	resume := ch.start
	var err error
	switch ch.kind {
	case relay.TransportPoll:
		err = c.Consume(ctx, ch.kind, &resume, relay.PullOptions{Limit: 100}, handle)
	case relay.TransportLongPoll:
		err = c.Consume(ctx, ch.kind, &resume, relay.PullOptions{Limit: 100, MaxWait: cfg.LongPollWait}, handle)
	case relay.TransportSSE:
		err = c.StreamSSE(ctx, &resume, handle)
	case relay.TransportWebSocket:
		err = c.StreamWebSocket(ctx, &resume, handle)
	}

	if errors.Is(err, errDone) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("%s consumer stopped early: %w", ch.kind, ctx.Err())
	}
	return fmt.Errorf("%s consumer failed: %w", ch.kind, err)
}

func events(count int) []relay.Notification {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	events := make([]relay.Notification, 0, count)

	for i := 0; i < count; i++ {
		orderId := fmt.Sprintf("ORD-%04d", i+1)
		customerId := customers[rand.Intn(len(customers))]
		productId := products[rand.Intn(len(products))]
		amount := 10.0 + rand.Float64()*990.0

		pl := map[string]any{
			"order_id":    orderId,
			"customer_id": customerId,
			"product_id":  productId,
			"amount":      amount,
			"timestamp":   time.Now().Format(time.RFC3339),
		}
		events = append(events, relay.Notification{Type: "order", Payload: pl})
	}

	return events
}
