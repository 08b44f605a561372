package session

import (
	"time"

	"dm-service/internal/models"
)

// Status is the delivery state of a transcript entry.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one line of the visible transcript. Pending and failed entries are local
// only; their Message.ID is zero until the server confirms them.
type Entry struct {
	Message models.Message
	Status  Status
	LocalAt time.Time
	Err     string
}

func (e Entry) isLocal() bool {
	return e.Status != StatusConfirmed
}
