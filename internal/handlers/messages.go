package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/errs"
	"dm-service/internal/middleware"
	"dm-service/internal/services"
)

// MessageHandler serves conversation history and sends over REST.
type MessageHandler struct {
	svc *services.MessageService
}

// NewMessageHandler constructs a MessageHandler.
func NewMessageHandler(svc *services.MessageService) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type sendRequest struct {
	SenderID   string `json:"senderId" binding:"required"`
	ReceiverID string `json:"receiverId" binding:"required"`
	Message    string `json:"message" binding:"required"`
	ClientID   string `json:"clientId" binding:"max=64"`
}

// GetHistory returns every message between :userA and :userB, oldest first.
func (h *MessageHandler) GetHistory(c *gin.Context) {
	userA, userB := c.Param("userA"), c.Param("userB")
	caller := middleware.GetUserID(c)
	if caller != userA && caller != userB {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return
	}

	msgs, err := h.svc.History(c.Request.Context(), userA, userB)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// PostMessage persists a message from the caller and pushes it to the room.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SenderID != middleware.GetUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "senderId does not match the authenticated user"})
		return
	}

	msg, err := h.svc.Send(c.Request.Context(), services.SendInput{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Body:       req.Message,
		ClientID:   req.ClientID,
		RequestID:  requestIDFromContext(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListConversations returns the caller's conversations, newest first.
func (h *MessageHandler) ListConversations(c *gin.Context) {
	list, err := h.svc.Conversations(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
