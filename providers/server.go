package providers

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/broker/config"
	"github.com/orchestra-mcp/broker/src/bridge"
	"github.com/orchestra-mcp/broker/src/broker"
	"github.com/orchestra-mcp/broker/src/service"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Server hosts a broker behind one fasthttp listener: the WebSocket
// endpoint at /ws and the fiber HTTP routes on every other path.
type Server struct {
	cfg       *config.BrokerConfig
	redisCfg  *bridge.RedisConfig
	logger    zerolog.Logger
	broker    *broker.Broker
	service   *service.Service
	app       *fiber.App
	http      *fasthttp.Server
	upgrader  websocket.FastHTTPUpgrader
	load      *loadGuard
	startOnce sync.Once

	mu     sync.Mutex
	bridge bridge.Bridge
}

// NewServer builds the broker and its transports. A nil redisCfg runs the
// broker standalone.
func NewServer(cfg *config.BrokerConfig, redisCfg *bridge.RedisConfig, logger zerolog.Logger) (*Server, error) {
	b, err := broker.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		redisCfg: redisCfg,
		logger:   logger.With().Str("component", "server").Logger(),
		broker:   b,
		service:  service.New(b, logger),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		load: newLoadGuard(cfg.MaxCPUPercent, cfg.MaxMemPercent, cfg.LoadSampleInterval(), logger),
	}
	s.app = fiber.New(fiber.Config{AppName: "orchestra-broker"})
	s.RegisterRoutes(s.app)
	s.http = &fasthttp.Server{
		Handler: s.Handler(),
		Name:    "orchestra-broker",
		Logger:  fasthttpLogger{s.logger},
	}
	return s, nil
}

// Broker returns the routing core.
func (s *Server) Broker() *broker.Broker { return s.broker }

// Service returns the application API.
func (s *Server) Service() *service.Service { return s.service }

// App returns the fiber application serving the HTTP routes.
func (s *Server) App() *fiber.App { return s.app }

// Handler dispatches /ws to the WebSocket upgrade and everything else to fiber.
func (s *Server) Handler() fasthttp.RequestHandler {
	ws := s.FastHTTPHandler()
	api := s.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/ws" {
			ws(ctx)
			return
		}
		api(ctx)
	}
}

// Start starts the broker and serves on the configured address until
// Shutdown is called.
func (s *Server) Start() error {
	s.activate()
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("broker listening")
	return s.http.ListenAndServe(s.cfg.ListenAddr)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.activate()
	return s.http.Serve(ln)
}

func (s *Server) activate() {
	s.startOnce.Do(func() {
		s.broker.Start()
		s.load.start()
		s.initBridge()
	})
}

// initBridge tries to start the Redis pub/sub bridge.
// If Redis is not reachable, the broker runs in standalone mode.
func (s *Server) initBridge() {
	if s.redisCfg == nil {
		return
	}
	rb := bridge.NewRedisBridge(s.redisCfg, s.broker, s.logger)

	if err := rb.Start(); err != nil {
		s.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		_ = rb.Stop()
		return
	}

	s.mu.Lock()
	s.bridge = rb
	s.mu.Unlock()
	s.broker.SetBridge(rb)
	s.logger.Info().Str("redis_addr", s.redisCfg.Addr).Msg("redis bridge connected")
}

func (s *Server) activeBridge() bridge.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// Shutdown closes every client connection, stops the bridge and the
// broker, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.load.stop()
	s.broker.Stop()
	if br := s.activeBridge(); br != nil {
		if err := br.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("bridge stop error")
		}
	}
	if err := s.http.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// fasthttpLogger routes fasthttp's internal messages into zerolog.
type fasthttpLogger struct {
	logger zerolog.Logger
}

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}
