package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/session"
)

// Source is the part of a session the status server reads.
type Source interface {
	State() connection.State
	Prices() []session.Quote
	Stats() session.Stats
}

// Config configures the status server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server exposes session state over HTTP.
type Server interface {
	// Start begins listening. It returns once the listener is bound.
	Start(ctx context.Context) error

	// Stop shuts the server down gracefully.
	Stop(ctx context.Context) error

	// Addr returns the bound address, valid after Start.
	Addr() string

	// Handler returns the underlying router.
	Handler() http.Handler
}

type server struct {
	cfg    Config
	source Source
	logger *slog.Logger
	engine *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a status server reading from source.
func New(cfg Config, source Source, logger *slog.Logger) Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &server{
		cfg:    cfg,
		source: source,
		logger: logger.With("component", "status"),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())
	s.routes()
	return s
}

func (s *server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/ready", s.ready)
	s.engine.GET("/status", s.status)
	s.engine.GET("/prices", s.prices)
}

// Start binds the listener and serves in the background.
func (s *server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("status server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the server.
func (s *server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	<-done
	return nil
}

func (s *server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *server) Handler() http.Handler {
	return s.engine
}

func (s *server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
