package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-service/internal/errs"
	"dm-service/internal/models"
	"dm-service/internal/observability"
)

const publishTimeout = 2 * time.Second

// EventPublisher receives connection lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Hub tracks connections and room membership. A connection is in at most one room.
// The lock guards the maps only; frames are enqueued after it is released.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]string

	fanout    Fanout
	publisher EventPublisher
	logger    *zap.Logger
}

// NewHub creates an empty hub. A nil fanout delivers in-process only.
func NewHub(fanout Fanout, publisher EventPublisher, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:     make(map[string]map[*Client]struct{}),
		clients:   make(map[*Client]string),
		fanout:    fanout,
		publisher: publisher,
		logger:    logger,
	}
}

// RoomID returns the canonical room for the pair {a, b}.
func RoomID(a, b string) string {
	return models.ConversationID(a, b)
}

// Start subscribes to the fanout so that broadcasts from other processes reach
// local members.
func (h *Hub) Start(ctx context.Context) error {
	if h.fanout == nil {
		return nil
	}
	return h.fanout.Subscribe(ctx, h.deliverLocal)
}

// Register tracks a new connection that has not joined a room yet.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = ""
	h.mu.Unlock()

	observability.IncWSActive()
	observability.IncWSEvent(observability.WSConnect)
	h.publish(c, observability.WSConnect, "", "")
}

// Join moves c into the room of {a, b}, leaving any previous room. The connection's
// user must be one of the pair. Joining the same room twice is a no-op.
func (h *Hub) Join(c *Client, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: senderId and receiverId are required", errs.ErrValidation)
	}
	if a == b {
		return "", fmt.Errorf("%w: cannot join a conversation with yourself", errs.ErrValidation)
	}
	if c.UserID() != a && c.UserID() != b {
		return "", fmt.Errorf("%w: not a participant of this conversation", errs.ErrValidation)
	}
	roomID := RoomID(a, b)

	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.clients[c]
	if !ok {
		return "", fmt.Errorf("%w: connection is closed", errs.ErrTransport)
	}
	if current == roomID {
		return roomID, nil
	}
	h.removeLocked(c, current)

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
	h.clients[c] = roomID
	observability.SetActiveRooms(len(h.rooms))
	return roomID, nil
}

// Leave removes c from its current room, if any.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c]; ok {
		h.removeLocked(c, current)
		h.clients[c] = ""
	}
}

// Disconnect forgets c entirely. It reports whether c was still registered.
func (h *Hub) Disconnect(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.clients[c]
	if !ok {
		return false
	}
	h.removeLocked(c, current)
	delete(h.clients, c)
	return true
}

// removeLocked drops c from roomID and deletes the room once empty.
func (h *Hub) removeLocked(c *Client, roomID string) {
	if roomID == "" {
		return
	}
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	observability.SetActiveRooms(len(h.rooms))
}

// RoomOf returns the room c is currently in, or "".
func (h *Hub) RoomOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[c]
}

// Members returns the number of connections in roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Rooms returns a snapshot of room id to member user ids.
func (h *Hub) Rooms() map[string][]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]string, len(h.rooms))
	for roomID, members := range h.rooms {
		users := make([]string, 0, len(members))
		for c := range members {
			users = append(users, c.UserID())
		}
		sort.Strings(users)
		out[roomID] = users
	}
	return out
}

// Broadcast delivers event to every member of roomID, through the fanout when one is
// configured. Failed deliveries drop the affected connection; Broadcast itself never fails.
func (h *Hub) Broadcast(ctx context.Context, roomID string, event models.ServerEvent) {
	event.RoomID = roomID
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	if h.fanout != nil {
		err := h.fanout.Publish(ctx, roomID, payload)
		if err == nil {
			return
		}
		h.logger.Warn("fanout publish failed, delivering locally", zap.String("room_id", roomID), zap.Error(err))
	}
	h.deliverLocal(roomID, payload)
}

func (h *Hub) deliverLocal(roomID string, payload []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.enqueue(payload) {
			observability.IncBroadcastDrop()
			h.drop(c, fmt.Errorf("%w: send buffer full", errs.ErrTransport))
		}
	}
}

// sendTo enqueues a frame for a single connection.
func (h *Hub) sendTo(c *Client, event models.ServerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	if !c.enqueue(payload) {
		h.drop(c, fmt.Errorf("%w: send buffer full", errs.ErrTransport))
	}
}

// drop reports a transport failure and closes the connection.
func (h *Hub) drop(c *Client, err error) {
	h.reportError(c, err)
	h.unregister(c, err.Error())
}

func (h *Hub) reportError(c *Client, err error) {
	h.logger.Warn("websocket error",
		zap.String("conn_id", c.info.ConnID),
		zap.String("user_id", c.info.UserID),
		zap.Error(err),
	)
	observability.IncWSEvent(observability.WSError)
	h.publish(c, observability.WSError, h.RoomOf(c), err.Error())
}

// unregister removes c and closes it. Only the first call publishes ws_disconnect.
func (h *Hub) unregister(c *Client, reason string) {
	roomID := h.RoomOf(c)
	if !h.Disconnect(c) {
		c.close(websocket.CloseNormalClosure, "")
		return
	}
	c.close(websocket.CloseNormalClosure, "")

	observability.DecWSActive()
	observability.IncWSEvent(observability.WSDisconnect)
	h.publish(c, observability.WSDisconnect, roomID, reason)
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutdown")
		h.unregister(c, "server shutdown")
	}
	if h.fanout != nil {
		if err := h.fanout.Close(); err != nil {
			h.logger.Warn("close fanout", zap.Error(err))
		}
	}
}

func (h *Hub) publish(c *Client, name, roomID, reason string) {
	if h.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	event := observability.NewWSEvent(name, c.info.payload(roomID, reason)).
		WithHeaders(c.info.RequestID, c.info.TraceID)
	if err := h.publisher.Publish(ctx, observability.WSRoutingKey, event); err != nil {
		h.logger.Debug("publish ws event failed", zap.String("event", name), zap.Error(err))
	}
}
