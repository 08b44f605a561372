package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/errs"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/services"
	"dm-service/internal/telemetry"
)

// MessageSender is the send path used by realtime "send" events.
type MessageSender interface {
	Send(ctx context.Context, in services.SendInput) (models.Message, error)
}

// Handler upgrades HTTP requests to realtime connections and dispatches their events.
type Handler struct {
	hub        *Hub
	sender     MessageSender
	secret     string
	sendBuffer int
	validate   *validator.Validate
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler constructs a Handler. allowOrigin decides cross-origin upgrades; nil allows all.
func NewHandler(hub *Hub, sender MessageSender, secret string, sendBuffer int, allowOrigin func(*http.Request) bool, logger *zap.Logger) *Handler {
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:        hub,
		sender:     sender,
		secret:     secret,
		sendBuffer: sendBuffer,
		validate:   validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     allowOrigin,
		},
		logger: logger,
	}
}

// Handle authenticates the caller, upgrades the connection and starts its pumps.
// The token comes from the Authorization header or the "token" query parameter.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := telemetry.Tracer().Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	claims, err := auth.ParseToken(token, h.secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      claims.UserID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     telemetry.TraceIDFromContext(ctx),
		ConnectedAt: time.Now(),
	}
	client := newClient(context.WithoutCancel(ctx), h.hub, conn, info, h.sendBuffer)
	h.hub.Register(client)
	h.logger.Debug("websocket connected", zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID))

	go client.writePump()
	go client.readPump(h.dispatch)
}

// dispatch handles one inbound frame. Failures are reported to the sending
// connection only.
func (h *Handler) dispatch(c *Client, data []byte) {
	var evt models.ClientEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		h.hub.sendTo(c, errorEvent("", "malformed frame", "bad_request"))
		return
	}
	if err := h.validate.Struct(evt); err != nil {
		h.hub.sendTo(c, errorEvent(evt.ClientID, validationMessage(err), errs.Code(errs.ErrValidation)))
		return
	}

	switch evt.Type {
	case models.EventJoin:
		roomID, err := h.hub.Join(c, evt.SenderID, evt.ReceiverID)
		if err != nil {
			h.hub.sendTo(c, errorEvent("", err.Error(), errs.Code(err)))
			return
		}
		h.hub.sendTo(c, models.ServerEvent{Type: models.EventJoined, RoomID: roomID})
	case models.EventLeave:
		h.hub.Leave(c)
	case models.EventSend:
		if evt.SenderID != c.UserID() {
			h.hub.sendTo(c, errorEvent(evt.ClientID, "senderId does not match the authenticated user", errs.Code(errs.ErrValidation)))
			return
		}
		_, err := h.sender.Send(c.ctx, services.SendInput{
			SenderID:   evt.SenderID,
			ReceiverID: evt.ReceiverID,
			Body:       evt.Message,
			ClientID:   evt.ClientID,
			RequestID:  c.info.RequestID,
		})
		if err != nil {
			h.hub.sendTo(c, errorEvent(evt.ClientID, err.Error(), errs.Code(err)))
		}
	}
}

func errorEvent(clientID, message, code string) models.ServerEvent {
	return models.ServerEvent{Type: models.EventError, ClientID: clientID, Error: message, Code: code}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid field " + verrs[0].Field() + ": " + verrs[0].Tag()
	}
	return err.Error()
}
