package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/babelroom/relay/internal/adapters/signal"
	"github.com/babelroom/relay/internal/config"
	"github.com/babelroom/relay/internal/domain"
	"github.com/babelroom/relay/internal/relay"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every request with a stable cookie token used
// for log correlation. Connection identity itself stays per-socket: two tabs
// from the same browser are two distinct connections.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter wires the websocket endpoint plus a small read-only REST
// surface over the registry. No relay state lives here.
func SetupRouter(ctx context.Context, cfg *config.Config, disp *relay.Dispatcher, reg *relay.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RelaySessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	// GET /api/rooms — rooms implied by current sessions, with sizes.
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": reg.Rooms()})
	})

	// GET /api/rooms/:id/members — membership without transport fields.
	api.GET("/rooms/:id/members", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.MembersSnapshot(domain.RoomID(c.Param("id"))))
	})

	ctrl := signal.NewController(disp, cfg.ReadLimit)
	r.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").
			Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
