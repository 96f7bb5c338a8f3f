package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-console/internal/chat"
	"github.com/suPer8Hu/ai-console/internal/common"
	"github.com/suPer8Hu/ai-console/internal/config"
	"github.com/suPer8Hu/ai-console/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-console/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, svc *chat.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, svc)

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.POST("/bots", h.CreateBot)

	authGroup.POST("/chats", h.CreateChat)
	authGroup.GET("/chats/:chat_id/history", h.History)
	authGroup.POST("/chats/:chat_id/restart", h.Restart)
	authGroup.POST("/chats/:chat_id/reactivate", h.ReactivateChat)
	authGroup.DELETE("/chats/:chat_id", h.DeleteChat)

	// streaming
	authGroup.POST("/chat/turns", h.StartTurn)
	authGroup.POST("/chat/requests/:request_id/reanswer", h.ReAnswer)
	authGroup.POST("/chat/stop", h.Stop)
	return r
}
