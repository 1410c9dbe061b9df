package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	UserKeyPrefix           = "user:%s"
	RoomChannelPrefix       = "chat:room:%s"
	PresenceOnlineKey       = "presence:online"
	PresenceSeenKeyPrefix   = "presence:seen:%s"
	TypingThrottleKeyPrefix = "typing:throttle:%s:%s"
)

const (
	UserTTL         = 5 * time.Minute
	PresenceSeenTTL = 90 * time.Second
)

func UserKey(userID string) string {
	return fmt.Sprintf(UserKeyPrefix, userID)
}

// RoomChannel is the pub/sub channel carrying broadcasts for a room.
func RoomChannel(room string) string {
	return fmt.Sprintf(RoomChannelPrefix, room)
}

func PresenceSeenKey(userID string) string {
	return fmt.Sprintf(PresenceSeenKeyPrefix, userID)
}

func TypingThrottleKey(userID, conversationID string) string {
	return fmt.Sprintf(TypingThrottleKeyPrefix, userID, conversationID)
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

func InvalidateUser(ctx context.Context, userID string) {
	Invalidate(ctx, UserKey(userID))
}
