package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-console/internal/chat"
	"github.com/suPer8Hu/ai-console/internal/common"
	"github.com/suPer8Hu/ai-console/internal/config"
	"github.com/suPer8Hu/ai-console/internal/httpapi/middleware"
)

type Handler struct {
	Cfg     config.Config
	ChatSvc *chat.Service
}

func NewHandler(cfg config.Config, svc *chat.Service) *Handler {
	return &Handler{Cfg: cfg, ChatSvc: svc}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// requireUser aborts with 401 when the auth middleware did not run.
func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}
