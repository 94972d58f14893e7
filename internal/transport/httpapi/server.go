package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/validator"
)

type Config struct {
	Port              int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"2m"`
	// WriteTimeout bounds each write on a streaming connection. Streams have no
	// overall write deadline.
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxBodyBytes    int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
	// AllowAnyOrigin disables the same-origin check on websocket upgrades.
	AllowAnyOrigin bool `env:"HTTP_ALLOW_ANY_ORIGIN" envDefault:"false"`
}

// Server exposes a relay.Hub over HTTP: JSON polling and long polling,
// server-sent events and websockets.
type Server struct {
	cfg       Config
	hub       relay.Hub
	generator Generator
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	server    *http.Server
}

// Generator is the switchable demo producer. *generator.Generator implements it.
type Generator interface {
	Start() bool
	Stop() bool
	Running() bool
	Emitted() uint64
}

// Option configures a Server.
type Option func(*Server)

// WithGenerator exposes start and stop endpoints for the demo producer.
func WithGenerator(g Generator) Option {
	return func(s *Server) {
		s.generator = g
	}
}

func NewServer(cfg Config, hub relay.Hub, logger *zap.Logger, opts ...Option) (*Server, error) {
	if err := validator.Validate("httpapi.Server", hub, logger); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AllowAnyOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleAppend)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleSubscribe)
			r.Get("/{id}", s.handleGetSubscription)
			r.Delete("/{id}", s.handleUnsubscribe)
			r.Get("/{id}/events", s.handlePull)
		})

		r.Get("/stream/sse", s.handleSSE)
		r.Get("/stream/ws", s.handleWebSocket)

		if s.generator != nil {
			r.Route("/generator", func(r chi.Router) {
				r.Get("/", s.handleGeneratorStatus)
				r.Post("/start", s.handleGeneratorStart)
				r.Post("/stop", s.handleGeneratorStop)
			})
		}
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("starting http server", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop stops accepting requests and waits for in-flight ones. Streams end when
// the hub drains their subscribers, so close the hub first.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to gracefully shutdown http server", zap.Error(err))
		return err
	}

	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}
