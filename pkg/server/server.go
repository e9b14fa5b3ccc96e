// Package server is the HTTP front door of the bridge: call-setup markup, status callbacks,
// call origination, the media-stream websocket and operational endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-callbridge/internal/config"
	"github.com/teslashibe/go-callbridge/internal/log"
	"github.com/teslashibe/go-callbridge/internal/metrics"
	"github.com/teslashibe/go-callbridge/pkg/call"
	"github.com/teslashibe/go-callbridge/pkg/finalize"
	"github.com/teslashibe/go-callbridge/pkg/monitor"
	"github.com/teslashibe/go-callbridge/pkg/realtime"
	"github.com/teslashibe/go-callbridge/pkg/telephony"
)

// Version is reported by /health.
var Version = "0.1.0"

// AIConn is an undialed realtime connection.
type AIConn interface {
	call.AIChannel
	Dial(ctx context.Context) error
	Run(onEvent func(realtime.Event), onClose func(error))
}

// Finalizer finishes calls, including ones that never reached the media stream.
type Finalizer interface {
	call.Finalizer
	Unconnected(ctx context.Context, callSID, outboundID, to, status string)
}

// Originator places outbound calls.
type Originator interface {
	CreateCall(ctx context.Context, req telephony.CallRequest) (*telephony.CallResponse, error)
}

// OAuth is the consent flow of the transcript archive.
type OAuth interface {
	AuthURL() string
	Exchange(ctx context.Context, state, code string) error
	Authenticated() bool
}

// Monitor streams call events to dashboards.
type Monitor interface {
	Serve(conn monitor.Conn)
}

// Deps are the server's collaborators. NewAI is required; the rest may be nil.
type Deps struct {
	NewAI     func() (AIConn, error)
	Finalizer Finalizer
	Calls     Originator
	Archive   OAuth
	Events    finalize.EventSink
	Monitor   Monitor
	Clock     call.Clock
	Logger    *slog.Logger
}

// Server owns the fiber app and every live call session.
type Server struct {
	cfg    *config.Config
	deps   Deps
	app    *fiber.App
	logger *slog.Logger

	// ctx is cancelled on shutdown and ends every session with reason shutdown.
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	active   atomic.Int64
}

// New builds the server and registers its routes.
func New(cfg *config.Config, deps Deps) *Server {
	deps.Logger = log.OrDefault(deps.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "server"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "callbridge",
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if log.ParseLevel(cfg.LogLevel) == slog.LevelDebug {
		s.app.Use(logger.New())
	}
	s.app.Use(countRequests)

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.All("/twiml", s.handleMarkup)
	s.app.Post("/status", s.handleStatus)
	s.app.Post("/calls", s.handleOriginate)

	s.app.Get("/oauth/google", s.handleOAuthStart)
	s.app.Get("/oauth/google/callback", s.handleOAuthCallback)
	s.app.Get("/oauth/google/status", s.handleOAuthStatus)

	path := s.cfg.Server.StreamPath
	s.app.Use(path, requireUpgrade)
	s.app.Get(path, websocket.New(s.handleMedia))

	if s.deps.Monitor != nil {
		s.app.Use("/ws/calls", requireUpgrade)
		s.app.Get("/ws/calls", websocket.New(func(c *websocket.Conn) {
			s.deps.Monitor.Serve(c)
		}))
	}
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr, "stream_path", s.cfg.Server.StreamPath)
	return s.app.Listen(addr)
}

// Shutdown ends every live call, waits for the sessions to unwind and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("sessions still running at shutdown", "active", s.active.Load())
	}

	return s.app.ShutdownWithContext(ctx)
}

// ActiveCalls returns the number of open media streams.
func (s *Server) ActiveCalls() int {
	return int(s.active.Load())
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "ok",
		"version":      Version,
		"active_calls": s.ActiveCalls(),
	})
}

func countRequests(c *fiber.Ctx) error {
	err := c.Next()

	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	} else if err != nil {
		status = fiber.StatusInternalServerError
	}
	metrics.RequestCount.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Inc()
	return err
}
