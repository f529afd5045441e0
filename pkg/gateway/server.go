// Package gateway exposes conversations over HTTP: the human write path,
// read receipts, presence updates and a websocket stream of bus events.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/messaging"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

type Store interface {
	ActivePersona(ctx context.Context) (store.Persona, error)
	GetOrCreateConversation(ctx context.Context, participantID, personaID string) (store.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	AppendMessage(ctx context.Context, m store.Message) (store.Message, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// Events is the subscribing side of the bus.
type Events interface {
	bus.Broadcaster
	Subscribe(conversationID string) *bus.Subscription
}

type Decider interface {
	DecideNow(ctx context.Context, conversationID string) error
}

type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string, ids []string, bypassFocus bool) ([]string, error)
}

type Deps struct {
	Store    Store
	Bus      Events
	Queue    Decider
	Receipts ReadMarker
	Presence *messaging.Presence
	// Ready reports whether dependencies (the database) are usable.
	Ready func(ctx context.Context) error
}

type Config struct {
	Addr           string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

const (
	maxContentLength = 10000
	maxReadIDs       = 1000
	defaultPageSize  = 100
	maxPageSize      = 200
	maxScroll        = 1_000_000
)

type Server struct {
	deps     Deps
	cfg      Config
	echo     *echo.Echo
	upgrader websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

func New(deps Deps, cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if deps.Presence == nil {
		deps.Presence = messaging.NewPresence()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.DebugCF("gateway", "Request served", map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			})
			return nil
		},
	}))

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		echo:    e,
		closing: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.health)
	e.GET("/ready", s.ready)

	e.POST("/conversations", s.openConversation)
	e.GET("/conversations/:id/messages", s.listMessages)
	e.POST("/conversations/:id/messages", s.postMessage)
	e.POST("/conversations/:id/read", s.markRead)
	e.PUT("/conversations/:id/presence", s.updatePresence)

	e.GET("/ws/conversations/:id", s.stream)
}

// Handler is the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is done, then shuts down gracefully and closes
// open websocket streams.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "Gateway listening", map[string]interface{}{"addr": s.cfg.Addr})
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		s.closeStreams()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.closeStreams()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.streams.Wait()
	return nil
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}
