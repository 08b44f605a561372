package models

import "time"

// Message is one immutable direct message between two users.
type Message struct {
	ID         int64     `db:"id" json:"id"`
	SenderID   string    `db:"sender_id" json:"senderId"`
	ReceiverID string    `db:"receiver_id" json:"receiverId"`
	Body       string    `db:"body" json:"message"`
	ClientID   string    `db:"client_id" json:"clientId,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Counterpart returns the participant of m that is not userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ConversationSummary describes one conversation from a single user's point of view.
type ConversationSummary struct {
	PartnerID   string    `db:"partner_id" json:"partnerId"`
	LastMessage Message   `json:"lastMessage"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
