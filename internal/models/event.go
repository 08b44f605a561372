package models

import "time"

// Realtime event types.
const (
	EventJoin    = "join"
	EventLeave   = "leave"
	EventSend    = "send"
	EventJoined  = "joined"
	EventReceive = "receive"
	EventError   = "error"
)

// ClientEvent is a frame sent by a client over the realtime channel.
type ClientEvent struct {
	Type       string `json:"type" validate:"required,oneof=join leave send"`
	SenderID   string `json:"senderId" validate:"required_unless=Type leave"`
	ReceiverID string `json:"receiverId" validate:"required_unless=Type leave"`
	Message    string `json:"message" validate:"required_if=Type send"`
	ClientID   string `json:"clientId,omitempty" validate:"omitempty,max=64"`
}

// ServerEvent is a frame pushed by the server over the realtime channel.
type ServerEvent struct {
	Type       string     `json:"type"`
	RoomID     string     `json:"roomId,omitempty"`
	ID         int64      `json:"id,omitempty"`
	SenderID   string     `json:"senderId,omitempty"`
	ReceiverID string     `json:"receiverId,omitempty"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	ClientID   string     `json:"clientId,omitempty"`
	Error      string     `json:"error,omitempty"`
	Code       string     `json:"code,omitempty"`
}

// ReceiveEvent builds the receive frame broadcast for a persisted message.
func ReceiveEvent(msg Message) ServerEvent {
	createdAt := msg.CreatedAt
	return ServerEvent{
		Type:       EventReceive,
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Message:    msg.Body,
		CreatedAt:  &createdAt,
		ClientID:   msg.ClientID,
	}
}

// AsMessage converts a receive frame back into a Message.
func (e ServerEvent) AsMessage() Message {
	msg := Message{
		ID:         e.ID,
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
		Body:       e.Message,
		ClientID:   e.ClientID,
	}
	if e.CreatedAt != nil {
		msg.CreatedAt = *e.CreatedAt
	}
	return msg
}
