package observability

import "time"

// Realtime lifecycle event names and the routing key they are published under.
const (
	WSConnect    = "ws_connect"
	WSDisconnect = "ws_disconnect"
	WSError      = "ws_error"
	WSRoutingKey = "ws_events.dm"
	wsEventType  = "ws_events"
)

// EventEnvelope is the body published to the event exchange.
type EventEnvelope struct {
	EventType  string    `json:"event_type"`
	EventName  string    `json:"event_name"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    WSPayload `json:"payload"`

	headers map[string]string
}

// WithHeaders attaches correlation headers carried as AMQP message headers.
func (e EventEnvelope) WithHeaders(requestID, traceID string) EventEnvelope {
	e.headers = BuildHeaders(requestID, traceID)
	return e
}

// Headers returns the correlation headers, possibly empty.
func (e EventEnvelope) Headers() map[string]string {
	return e.headers
}

// WSPayload describes one connection lifecycle transition.
type WSPayload struct {
	ConnID     string `json:"conn_id"`
	UserID     string `json:"user_id"`
	RoomID     string `json:"room_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

// NewWSEvent wraps payload in an envelope for the given lifecycle event.
func NewWSEvent(name string, payload WSPayload) EventEnvelope {
	return EventEnvelope{
		EventType:  wsEventType,
		EventName:  name,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
