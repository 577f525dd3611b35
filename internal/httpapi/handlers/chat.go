package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/okothh/gemchat/internal/chat"
	"github.com/okothh/gemchat/internal/common"
	"github.com/okothh/gemchat/internal/httpapi/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// The chat endpoints keep the flat {message}/{error} bodies the web
// client was built against, unlike the account endpoints' envelope.

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

type sendMessageReq struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// SendChatMessage handles one synchronous exchange turn.
func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON in request."})
		return
	}

	reply, sid, err := h.ChatSvc.HandleTurn(c.Request.Context(), uid, req.SessionID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Empty message received."})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat session not found."})
		default:
			h.Log.Error("turn failed", zap.Uint64("user_id", uid), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    reply,
		"session_id": sid,
	})
}

// ChatView lists the user's sessions newest-first and, when the optional
// session_id query resolves to an owned session, its ordered transcript.
// An id that does not resolve degrades to "no active session" instead of
// an error.
func (h *Handler) ChatView(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid)
	if err != nil {
		h.Log.Error("list sessions failed", zap.Uint64("user_id", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var activeSessionID *string
	messages := []chat.Message{}

	if sid := c.Query("session_id"); sid != "" {
		session, msgs, err := h.ChatSvc.SessionMessages(c.Request.Context(), uid, sid)
		switch {
		case err == nil:
			activeSessionID = &session.SessionID
			messages = msgs
		case errors.Is(err, gorm.ErrRecordNotFound):
			// stale or foreign id: fall through with no active session
		default:
			h.Log.Error("load session failed", zap.Uint64("user_id", uid), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions":          sessions,
		"active_session_id": activeSessionID,
		"messages":          messages,
	})
}

// SendChatMessageAsync enqueues a turn: the user message is persisted now
// and a worker completes the AI half. An Idempotency-Key header dedupes
// client retries.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON in request."})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty message received."})
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency key too long."})
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	// A replayed request must be read-only: check the key before any
	// session or message write, and answer with the original job.
	if idempoKeyPtr != nil {
		existing, err := h.ChatSvc.GetJobByIdempotencyKey(c.Request.Context(), uid, idempoKey)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{
				"job_id":     existing.ID,
				"session_id": existing.SessionID,
			})
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			h.Log.Error("idempotency lookup failed", zap.Uint64("user_id", uid), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	session, err := h.ChatSvc.ResolveOrCreateSession(c.Request.Context(), uid, req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat session not found."})
			return
		}
		h.Log.Error("resolve session failed", zap.Uint64("user_id", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.ChatSvc.InsertUserMessage(c.Request.Context(), uid, session.SessionID, req.Message); err != nil {
		h.Log.Error("insert user message failed", zap.Uint64("user_id", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	j := &chat.TurnJob{
		ID:             jobID,
		UserID:         uid,
		SessionID:      session.SessionID,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	j, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		h.Log.Error("create job failed", zap.Uint64("user_id", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Log.Error("publish job failed", zap.String("job_id", j.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue message."})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":     j.ID,
		"session_id": j.SessionID,
	})
}

// GetChatJob polls an async turn. Foreign jobs are reported as missing.
func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	jobID := c.Param("job_id")
	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat job not found."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if j.UserID != uid {
		// hide existence
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat job not found."})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"session_id":        j.SessionID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
