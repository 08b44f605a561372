package ws

import (
	"time"

	"dm-service/internal/observability"
)

// ConnInfo identifies one realtime connection for logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) payload(roomID, reason string) observability.WSPayload {
	return observability.WSPayload{
		ConnID:     i.ConnID,
		UserID:     i.UserID,
		RoomID:     roomID,
		DeviceID:   i.DeviceID,
		IP:         i.IP,
		DurationMS: time.Since(i.ConnectedAt).Milliseconds(),
		Reason:     reason,
	}
}
