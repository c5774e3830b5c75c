package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/broker/src/types"
	"github.com/valyala/fasthttp"
)

// RegisterRoutes registers the HTTP routes via Fiber.
// The WebSocket upgrade uses FastHTTPHandler, dispatched by Server.Handler,
// since Fiber v3 does not expose *fasthttp.RequestCtx.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", s.handleInfo)
	group.Get("/ws/metrics", s.handleMetrics)
	group.Get("/ws/clients", s.handleClients)
	group.Get("/ws/clients/:id", s.handleClient)
	group.Delete("/ws/clients/:id", s.handleDisconnect)
	group.Get("/ws/destinations", s.handleDestinations)
	group.Post("/ws/publish/*", s.handlePublish)
	group.Post("/ws/users/:principal/*", s.handleSendToUser)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	br := s.activeBridge()
	return c.JSON(fiber.Map{
		"websocket":    true,
		"endpoint":     "/ws",
		"clients":      s.broker.ClientCount(),
		"destinations": len(s.broker.Destinations()),
		"bridge":       br != nil && br.Available(),
		"overloaded":   s.load.Overloaded(),
		"stats":        s.broker.Stats(),
	})
}

func (s *Server) handleMetrics(c fiber.Ctx) error {
	return c.JSON(s.broker.Metrics().GetAll())
}

func (s *Server) handleClients(c fiber.Ctx) error {
	return c.JSON(s.listClients())
}

func (s *Server) handleClient(c fiber.Ctx) error {
	info, err := s.service.GetClientInfo(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(info)
}

func (s *Server) handleDisconnect(c fiber.Ctx) error {
	if err := s.disconnect(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDestinations(c fiber.Ctx) error {
	return c.JSON(s.listDestinations())
}

func (s *Server) handlePublish(c fiber.Ctx) error {
	dest := "/" + c.Params("*")
	queued, err := s.publish(dest, c.Body())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"destination": dest, "queued": queued})
}

func (s *Server) handleSendToUser(c fiber.Ctx) error {
	principal := c.Params("principal")
	dest := "/" + c.Params("*")
	queued, err := s.sendToUser(principal, dest, c.Body())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"principal": principal, "destination": dest, "queued": queued})
}

// FastHTTPHandler returns a raw fasthttp handler for WebSocket upgrades.
// The principal is taken from the X-Principal header or the user query
// parameter; without either the session is anonymous.
func (s *Server) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		if s.load.Overloaded() {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"overloaded","message":"host load too high, try again later"}`)
			return
		}

		principal := string(ctx.Request.Header.Peek("X-Principal"))
		if principal == "" {
			principal = string(ctx.QueryArgs().Peek("user"))
		}
		connID := uuid.New().String()

		err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			conn.SetReadLimit(s.cfg.MaxFrameSizeBytes)
			wc := newWSConn(conn, s.cfg.SendTimeLimit())

			client, err := s.broker.Connect(connID, principal, wc)
			if err != nil {
				s.logger.Warn().Err(err).Str("client_id", connID).Msg("connection refused")
				_ = wc.WriteJSON(types.ErrorFrame(err, ""))
				_ = wc.Close()
				return
			}
			client.ReadPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func newWSConn(conn *websocket.Conn, writeWait time.Duration) *wsConn {
	return &wsConn{conn: conn, writeWait: writeWait}
}

func (w *wsConn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeWait > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeWait))
	}
	return w.conn.WriteJSON(v)
}

// ReadJSON reads one message. A message that is not valid JSON fails with
// types.ErrInvalidFrame and leaves the connection usable.
func (w *wsConn) ReadJSON(v any) error {
	_, r, err := w.conn.NextReader()
	if err != nil {
		return err
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidFrame, err)
	}
	return nil
}

func (w *wsConn) Close() error { return w.conn.Close() }
