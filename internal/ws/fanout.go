package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel carries room broadcasts between processes.
const RedisChannel = "dm:rooms"

// DeliverFunc hands a serialized frame to the local members of a room.
type DeliverFunc func(roomID string, payload []byte)

// Fanout distributes room broadcasts across processes.
type Fanout interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
	Subscribe(ctx context.Context, deliver DeliverFunc) error
	Close() error
}

type fanoutFrame struct {
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

// RedisFanout publishes every broadcast on a Redis channel; each process delivers
// what it receives from that channel to its own connections.
type RedisFanout struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
	sub     *redis.PubSub
}

func NewRedisFanout(client *redis.Client, logger *zap.Logger) *RedisFanout {
	return &RedisFanout{client: client, channel: RedisChannel, logger: logger}
}

func (f *RedisFanout) Publish(ctx context.Context, roomID string, payload []byte) error {
	data, err := json.Marshal(fanoutFrame{RoomID: roomID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal fanout frame: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed. Delivery runs until Close.
func (f *RedisFanout) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	f.sub = sub

	go func() {
		for msg := range sub.Channel() {
			var frame fanoutFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				f.logger.Warn("malformed fanout frame", zap.Error(err))
				continue
			}
			deliver(frame.RoomID, frame.Payload)
		}
	}()
	return nil
}

func (f *RedisFanout) Close() error {
	if f.sub == nil {
		return nil
	}
	return f.sub.Close()
}
