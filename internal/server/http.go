package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/stencila/jesta/internal/rpc"
)

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	// Health is mounted at /health, /ready and /live when set.
	Health *HealthServer
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// HTTPHandler returns the HTTP transport: JSON-RPC requests are POSTed to /
// and WebSocket clients connect to /ws.
func (s *Server) HTTPHandler(opts HTTPOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.POST("/", s.handlePost)
	e.GET("/ws", s.handleWebSocket)
	if opts.Health != nil {
		h := echo.WrapHandler(opts.Health.Handler())
		for _, path := range []string{"/health", "/ready", "/live"} {
			e.GET(path, h)
		}
	}
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	return e
}

func (s *Server) handlePost(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxMessageSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, rpc.Response{Error: rpc.ParseError(err.Error())})
	}
	return c.JSON(http.StatusOK, s.handleConcurrent(c.Request().Context(), body))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket answers each text frame with one response frame.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade WebSocket", "error", err)
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(MaxMessageSize)

	id := uuid.NewString()
	logger := s.logger.With("connection", id)
	logger.Debug("WebSocket connected")

	ctx := c.Request().Context()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket error", "error", err)
			}
			logger.Debug("WebSocket disconnected")
			return nil
		}
		data, err := json.Marshal(s.handleConcurrent(ctx, message))
		if err != nil {
			logger.Error("Failed to encode response", "error", err)
			return nil
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Warn("Failed to write response", "error", err)
			return nil
		}
	}
}
