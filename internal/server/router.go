package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/auth"
	"msgpilot/internal/bot"
	"msgpilot/internal/fleet"
	"msgpilot/internal/handler"
	"msgpilot/internal/hub"
	"msgpilot/internal/logging"
	"msgpilot/internal/middleware"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

type Deps struct {
	Store          *store.Store
	Registry       *bot.Registry
	Fleet          *fleet.Manager
	Hub            *hub.Hub
	LogRing        *logging.Ring
	TokenConfig    auth.TokenConfig
	Dial           remote.Dialer
	ConnectTimeout time.Duration
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	registerLimiter := middleware.NewRateLimiter(5, time.Minute)
	authHandler := &handler.AuthHandler{
		Store:          deps.Store,
		TokenConfig:    deps.TokenConfig,
		Dial:           deps.Dial,
		ConnectTimeout: deps.ConnectTimeout,
	}
	r.POST("/api/register", middleware.RateLimitMiddleware(registerLimiter), authHandler.Register)

	api := r.Group("/api")
	api.Use(middleware.RequireAPIKey(deps.Store, deps.TokenConfig))
	api.GET("/verify", authHandler.Verify)
	api.POST("/token", authHandler.Token)

	botHandler := &handler.BotHandler{Store: deps.Store, Registry: deps.Registry, LogRing: deps.LogRing}
	api.GET("/bot", botHandler.Status)
	api.POST("/bot/start", botHandler.Start)
	api.POST("/bot/stop", botHandler.Stop)
	api.POST("/bot/disconnect", botHandler.Disconnect)
	api.PATCH("/bot/features", botHandler.Features)
	api.POST("/bot/message", botHandler.SendMessage)
	api.POST("/bot/captcha", botHandler.SolveCaptcha)
	api.GET("/bot/captcha/image", botHandler.CaptchaImage)
	api.GET("/bot/stats", botHandler.Stats)
	api.GET("/bot/logs", botHandler.Logs)

	commandsHandler := &handler.CommandsHandler{Store: deps.Store, Registry: deps.Registry}
	api.GET("/commands", commandsHandler.List)
	api.POST("/commands", commandsHandler.Add)
	api.PUT("/commands", commandsHandler.SetAll)
	api.PUT("/commands/:index", commandsHandler.Update)
	api.DELETE("/commands/:index", commandsHandler.Delete)

	settingsHandler := &handler.SettingsHandler{Store: deps.Store, Registry: deps.Registry}
	api.GET("/settings", settingsHandler.Get)
	api.PUT("/settings", settingsHandler.Set)
	api.PUT("/settings/presence", settingsHandler.SetPresence)
	api.PUT("/settings/autodelete", settingsHandler.SetAutoDelete)

	spamHandler := &handler.SpamHandler{Store: deps.Store, Fleet: deps.Fleet}
	api.GET("/spam", spamHandler.List)
	api.POST("/spam", spamHandler.Add)
	api.DELETE("/spam/:id", spamHandler.Delete)
	api.POST("/spam/:id/start", spamHandler.Start)
	api.POST("/spam/:id/stop", spamHandler.Stop)
	api.PUT("/spam/:id/config", spamHandler.SetConfig)
	api.POST("/spam/broadcast", spamHandler.Broadcast)

	wsHandler := &handler.WebSocketHandler{Hub: deps.Hub, TokenConfig: deps.TokenConfig}
	r.GET("/ws", wsHandler.Serve)

	return r
}
