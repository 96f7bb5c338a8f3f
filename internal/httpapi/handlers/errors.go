package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/ai-console/internal/chat"
	"github.com/suPer8Hu/ai-console/internal/common"
	"github.com/suPer8Hu/ai-console/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-console/internal/stream"
)

// failErr maps domain errors onto the response envelope.
func failErr(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "not found")
	case errors.Is(err, chat.ErrChatDisabled):
		common.Fail(c, http.StatusForbidden, 40301, "chat disabled")
	case errors.Is(err, chat.ErrChatDeleted):
		common.Fail(c, http.StatusGone, 41001, "chat deleted")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	case errors.Is(err, stream.ErrEmptySessionID):
		common.Fail(c, http.StatusBadRequest, 10003, "stream_id required")
	case errors.Is(err, stream.ErrDuplicateSession):
		common.Fail(c, http.StatusConflict, 40901, "stream already open")
	default:
		log.Error().Err(err).Str("op", op).
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Msg("request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
