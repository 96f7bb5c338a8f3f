package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-console/internal/chat"
	"github.com/suPer8Hu/ai-console/internal/common"
	"github.com/suPer8Hu/ai-console/internal/stream"
)

const heartbeatInterval = 15 * time.Second

func paramID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+name)
		return 0, false
	}
	return id, true
}

// streamID returns the caller's stream id, or a fresh ULID.
func streamID(c *gin.Context, requested string) (string, bool) {
	if id := strings.TrimSpace(requested); id != "" {
		if len(id) > 64 {
			common.Fail(c, http.StatusBadRequest, 10005, "stream_id too long")
			return "", false
		}
		return id, true
	}
	id, err := common.NewULID()
	if err != nil {
		failErr(c, "new stream id", err)
		return "", false
	}
	return id, true
}

type createBotReq struct {
	Name           string `json:"name" binding:"required"`
	Kind           string `json:"kind"`
	SystemPrompt   string `json:"system_prompt"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	SupportContext *bool  `json:"support_context"`
	MaxInputTokens int    `json:"max_input_tokens"`
}

func (h *Handler) CreateBot(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	var req createBotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	b := &chat.Bot{
		Name:           req.Name,
		Kind:           chat.BotKind(strings.ToLower(req.Kind)),
		SystemPrompt:   req.SystemPrompt,
		Provider:       req.Provider,
		Model:          req.Model,
		SupportContext: req.SupportContext == nil || *req.SupportContext,
		MaxInputTokens: req.MaxInputTokens,
	}
	if b.Kind != "" && b.Kind != chat.BotKindLLM && b.Kind != chat.BotKindWorkflow {
		common.Fail(c, http.StatusBadRequest, 10006, "kind must be llm or workflow")
		return
	}
	if err := h.ChatSvc.CreateBot(c.Request.Context(), b); err != nil {
		failErr(c, "create bot", err)
		return
	}
	common.OK(c, b)
}

type createChatReq struct {
	BotID uint64 `json:"bot_id"`
	Title string `json:"title"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req createChatReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	ch, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, req.BotID, req.Title)
	if err != nil {
		failErr(c, "create chat", err)
		return
	}
	common.OK(c, gin.H{"chat_id": ch.ID, "bot_id": ch.BotID, "title": ch.Title})
}

type startTurnReq struct {
	ChatID     uint64              `json:"chat_id" binding:"required"`
	Message    string              `json:"message"`
	StreamID   string              `json:"stream_id"`
	Attachment *chat.AttachmentRef `json:"attachment"`
}

func (h *Handler) StartTurn(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req startTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sid, ok := streamID(c, req.StreamID)
	if !ok {
		return
	}

	sess, err := h.ChatSvc.StartTurn(c.Request.Context(), chat.TurnInput{
		UserID:     uid,
		ChatID:     req.ChatID,
		Text:       req.Message,
		Attachment: req.Attachment,
		SessionID:  sid,
	})
	if err != nil {
		failErr(c, "start turn", err)
		return
	}
	writeStream(c, sess)
}

type reAnswerReq struct {
	StreamID string `json:"stream_id"`
}

func (h *Handler) ReAnswer(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	reqID, ok := paramID(c, "request_id")
	if !ok {
		return
	}
	var req reAnswerReq
	_ = c.ShouldBindJSON(&req)
	sid, ok := streamID(c, req.StreamID)
	if !ok {
		return
	}

	sess, err := h.ChatSvc.ReAnswer(c.Request.Context(), uid, reqID, sid)
	if err != nil {
		failErr(c, "re-answer", err)
		return
	}
	writeStream(c, sess)
}

type stopReq struct {
	StreamID string `json:"stream_id" binding:"required"`
}

func (h *Handler) Stop(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req stopReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.ChatSvc.Stop(c.Request.Context(), uid, req.StreamID); err != nil {
		failErr(c, "stop", err)
		return
	}
	common.OK(c, gin.H{"stream_id": req.StreamID})
}

func (h *Handler) Restart(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	chatID, ok := paramID(c, "chat_id")
	if !ok {
		return
	}
	ch, err := h.ChatSvc.Restart(c.Request.Context(), uid, chatID)
	if err != nil {
		failErr(c, "restart", err)
		return
	}
	common.OK(c, gin.H{"chat_id": ch.ID})
}

func (h *Handler) History(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	chatID, ok := paramID(c, "chat_id")
	if !ok {
		return
	}
	msgs, err := h.ChatSvc.History(c.Request.Context(), uid, chatID)
	if err != nil {
		failErr(c, "history", err)
		return
	}
	common.OK(c, gin.H{"chat_id": chatID, "messages": msgs})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	chatID, ok := paramID(c, "chat_id")
	if !ok {
		return
	}
	if err := h.ChatSvc.Clear(c.Request.Context(), uid, chatID); err != nil {
		failErr(c, "delete chat", err)
		return
	}
	common.OK(c, gin.H{"chat_id": chatID})
}

func (h *Handler) ReactivateChat(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	chatID, ok := paramID(c, "chat_id")
	if !ok {
		return
	}
	if err := h.ChatSvc.Reactivate(c.Request.Context(), uid, chatID); err != nil {
		failErr(c, "reactivate chat", err)
		return
	}
	common.OK(c, gin.H{"chat_id": chatID})
}

// writeStream relays sess to the client as server-sent events until the
// session ends. A client that goes away cancels the session.
func writeStream(c *gin.Context, sess *stream.Session) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Header("X-Stream-Id", sess.ID())
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		sess.Cancel()
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				writeTerminal(sess, writeJSON)
				return
			}
			if ev.Kind == stream.EventMeta {
				writeJSON(string(ev.Kind), json.RawMessage(ev.Data))
				continue
			}
			writeJSON(string(ev.Kind), gin.H{"type": ev.Kind, "delta": ev.Data})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-ctx.Done():
			sess.Cancel()
			return
		}
	}
}

func writeTerminal(sess *stream.Session, writeJSON func(string, any)) {
	switch sess.State() {
	case stream.StateCompleted:
		writeJSON("done", gin.H{"type": "done", "stream_id": sess.ID()})
	case stream.StateErrored:
		writeJSON("error", gin.H{"type": "error", "message": sess.Err()})
	default:
		writeJSON("cancelled", gin.H{"type": "cancelled", "stream_id": sess.ID()})
	}
}
