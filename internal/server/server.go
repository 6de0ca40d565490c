package server

import (
	"context"
	"ctchen222/code-battle/internal/api/controller"
	"ctchen222/code-battle/internal/api/response"
	"ctchen222/code-battle/internal/api/service"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/internal/relay"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("server")

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

type Server struct {
	hub      *relay.Hub
	auth     service.AuthService
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

func NewServer(h *relay.Hub, auth service.AuthService, authController *controller.AuthController, gameController *controller.GameController, roomController *controller.RoomController) *Server {
	s := &Server{
		hub:  h,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		engine: gin.New(),
	}
	s.RegisterHandlers(authController, gameController, roomController)
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterHandlers(authController *controller.AuthController, gameController *controller.GameController, roomController *controller.RoomController) {
	s.engine.Use(gin.Recovery(), requestLogger)

	s.engine.GET("/healthz", func(c *gin.Context) {
		response.SuccessResponse(c, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	api.POST("/auth/guest", authController.GuestLogin)

	authed := api.Group("", authController.RequireAuth)
	authed.POST("/rooms/:roomId/leave", roomController.Leave)
	authed.GET("/players/me/game", gameController.CurrentGame)
	authed.POST("/games/:gameId/run", gameController.Run)
	authed.POST("/games/:gameId/submit", gameController.Submit)

	ws := s.engine.Group("/ws")
	ws.GET("/queue", s.handleQueue)
	ws.GET("/room/:roomId", s.handleRoom)
	ws.GET("/game/:gameId", s.handleGame)
}

func (s *Server) handleQueue(c *gin.Context) {
	s.handleWebSocket(c, "queue", func(ctx context.Context, p *player.Player) {
		s.hub.ServeQueue(ctx, p)
	})
}

func (s *Server) handleRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	s.handleWebSocket(c, "room", func(ctx context.Context, p *player.Player) {
		s.hub.ServeRoom(ctx, roomID, p)
	})
}

func (s *Server) handleGame(c *gin.Context) {
	gameID := c.Param("gameId")
	s.handleWebSocket(c, "game", func(ctx context.Context, p *player.Player) {
		s.hub.ServeGame(ctx, gameID, p)
	})
}

// handleWebSocket authenticates the query token, upgrades the connection
// and serves it until it closes.
func (s *Server) handleWebSocket(c *gin.Context, channel string, serve func(context.Context, *player.Player)) {
	ctx, span := tracer.Start(c.Request.Context(), "server.handleWebSocket", trace.WithAttributes(
		attribute.String("ws.channel", channel),
		attribute.String("http.path", c.Request.URL.Path),
	))
	defer span.End()

	userID, err := s.auth.Verify(c.Query("token"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Unauthenticated websocket")
		response.ErrorResponse(c, http.StatusUnauthorized, err.Error())
		return
	}
	if raw := c.Query("user_id"); raw != "" && raw != strconv.FormatInt(userID, 10) {
		response.ErrorResponse(c, http.StatusForbidden, "user_id does not match token")
		return
	}
	span.SetAttributes(attribute.Int64("user.id", userID))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upgrade connection", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to upgrade connection")
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	p := player.NewPlayer(userID, conn)
	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(p, stop)

	slog.InfoContext(ctx, "websocket connected", "ws.channel", channel, "user.id", userID)
	serve(ctx, p)
}

func (s *Server) keepAlive(p *player.Player, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.Ping(); err != nil {
				slog.Debug("ping failed", "user.id", p.ID, "error", err)
				return
			}
		}
	}
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	slog.InfoContext(c.Request.Context(), "http request",
		"http.method", c.Request.Method,
		"http.path", c.FullPath(),
		"http.status", c.Writer.Status(),
		"http.duration_ms", time.Since(start).Milliseconds(),
	)
}
