package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"lectern/internal/cache"
	"lectern/internal/middleware"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const roomChannelPattern = "chat:room:*"

// Notifier relays room broadcasts between instances over Redis pub/sub.
// Each publication carries the origin id of its instance so the origin can
// skip its own messages.
type Notifier struct {
	rdb    *redis.Client
	origin string
}

type relayEnvelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// NewNotifier creates a new Notifier instance using the provided Redis
// client. A nil client disables relaying.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb, origin: uuid.NewString()}
}

// Enabled reports whether the notifier has a Redis client.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// Origin returns this instance's origin id.
func (n *Notifier) Origin() string {
	return n.origin
}

// PublishRoom publishes frame on the room's channel.
func (n *Notifier) PublishRoom(ctx context.Context, room string, frame []byte) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(relayEnvelope{Origin: n.origin, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	return n.rdb.Publish(ctx, cache.RoomChannel(room), payload).Err()
}

// StartRoomSubscriber subscribes to every room channel and calls onMessage
// for each publication from another instance, until ctx is done.
func (n *Notifier) StartRoomSubscriber(
	ctx context.Context, onMessage func(room string, frame []byte),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, roomChannelPattern)
	// Wait for the subscription so publications right after start are seen.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", roomChannelPattern, err)
	}
	ch := sub.Channel()
	prefix := strings.TrimSuffix(roomChannelPattern, "*")

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							middleware.Logger.Error("panic in room subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					var env relayEnvelope
					if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
						middleware.Logger.Warn("invalid relay payload", slog.String("channel", msg.Channel))
						return
					}
					if env.Origin == n.origin {
						return
					}
					onMessage(strings.TrimPrefix(msg.Channel, prefix), env.Frame)
				}()
			}
		}
	}()

	return nil
}
