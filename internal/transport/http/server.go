package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/config"
	"github.com/chanrelay/chanrelay-server/internal/identity"
)

// NewServer builds the HTTP server: the websocket endpoint, basic
// health routes and the control surface.
func NewServer(cfg *config.Config, wsHandler stdhttp.Handler, control *ControlHandlers, tokens *identity.ClusterTokens, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	router.GET("/online", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"result": "online"})
	})
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"result": "success", "server": cfg.ServerName})
	})

	router.GET("/messages", gin.WrapH(wsHandler))

	channel := router.Group("/control/channel")
	{
		channel.POST("/create", control.CreateChannel)
		channel.POST("/delete", control.DeleteChannel)
		channel.POST("/history", control.ChannelHistory)
		channel.POST("/list", control.ListChannels)
	}
	cluster := router.Group("/control")
	cluster.Use(ClusterAuthMiddleware(tokens, logger))
	{
		cluster.GET("/connections", control.Connections)
		cluster.GET("/stats", control.Stats)
		cluster.POST("/remote-action", control.RemoteAction)
		cluster.POST("/refresh-connections", control.RefreshConnections)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
