package http

import (
	"context"
	"net/http"

	"github.com/dkeye/DeskCall/internal/adapters/signal"
	"github.com/dkeye/DeskCall/internal/app/relay"
	"github.com/dkeye/DeskCall/internal/config"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionCookie  = "DeskCallSessions"
	clientTokenKey = "ct"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every client a stable token kept in the signed
// session cookie; the relay uses it as the session id of the websocket
// connection. A cookie that fails verification starts a new session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, r *relay.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	if cfg.Mode == "debug" {
		e.Use(gin.Logger())
	}
	e.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	e.Use(sessions.Sessions(sessionCookie, store))
	e.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := e.Group("/api")

	ctrl := signal.NewSignalWSController(r, cfg.ReadLimit, cfg.PingPeriod)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clientToken": c.GetString("client_token")})
	})

	api.GET("/desks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"desks": r.ListDesks()})
	})

	api.GET("/desks/:id/participants", func(c *gin.Context) {
		desk := domain.DeskID(c.Param("id"))
		ps, ok := r.Participants(desk)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "desk not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deskId": desk, "participants": ps})
	})

	return e
}
