package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AuditRoutingKey is the routing key audit events are published under.
const AuditRoutingKey = "audit.dm"

// Audit event types.
const (
	EventMessageSent = "message_sent"
	EventAuditLog    = "audit_log"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *zap.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	UserID        string       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

// AuditPayload carries either a free-text audit line or a message reference.
type AuditPayload struct {
	Level      string `json:"level,omitempty"`
	Text       string `json:"text,omitempty"`
	MessageID  int64  `json:"message_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, service, environment string, logger *zap.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  AuditRoutingKey,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

// Emit publishes a free-text audit line.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID, userID string) {
	e.publish(ctx, EventAuditLog, requestID, userID, AuditPayload{Level: level, Text: text})
}

// MessageSent records that a message was persisted. The body is never included.
func (e *AuditEmitter) MessageSent(ctx context.Context, requestID, senderID, receiverID, roomID string, messageID int64) {
	e.publish(ctx, EventMessageSent, requestID, senderID, AuditPayload{
		MessageID:  messageID,
		ReceiverID: receiverID,
		RoomID:     roomID,
	})
}

func (e *AuditEmitter) publish(ctx context.Context, eventType, requestID, userID string, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Warn("audit publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
