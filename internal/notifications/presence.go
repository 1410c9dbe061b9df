package notifications

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"lectern/internal/cache"
	"lectern/internal/database"
	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/repository"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which users have live connections. Counts are local to
// the process; with a Redis client the online set is mirrored so other
// instances can see it.
type Presence struct {
	mu     sync.RWMutex
	counts map[string]int

	rdb     *redis.Client
	seenTTL time.Duration
	users   repository.UserRepository
	convs   repository.ConversationRepository
	now     func() time.Time
}

// NewPresence creates a tracker. rdb may be nil.
func NewPresence(rdb *redis.Client, users repository.UserRepository, convs repository.ConversationRepository) *Presence {
	return &Presence{
		counts:  make(map[string]int),
		rdb:     rdb,
		seenTTL: cache.PresenceSeenTTL,
		users:   users,
		convs:   convs,
		now:     database.Now,
	}
}

// SetClock replaces the time source.
func (p *Presence) SetClock(now func() time.Time) {
	p.now = now
}

// SetOnline counts one more connection for userID and reports whether the
// user just came online.
func (p *Presence) SetOnline(ctx context.Context, userID string) bool {
	p.mu.Lock()
	p.counts[userID]++
	first := p.counts[userID] == 1
	p.mu.Unlock()

	p.Touch(ctx, userID)
	return first
}

// SetOffline counts one connection less and reports whether that was the
// user's last one. The last disconnect persists lastSeenAt.
func (p *Presence) SetOffline(ctx context.Context, userID string) bool {
	p.mu.Lock()
	n, ok := p.counts[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if n > 1 {
		p.counts[userID] = n - 1
		p.mu.Unlock()
		return false
	}
	delete(p.counts, userID)
	p.mu.Unlock()

	now := p.now()
	if p.users != nil {
		if err := p.users.SetLastSeen(ctx, userID, &now); err != nil {
			middleware.Logger.WarnContext(ctx, "failed to persist last seen",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	if p.rdb != nil {
		pipe := p.rdb.TxPipeline()
		pipe.SRem(ctx, cache.PresenceOnlineKey, userID)
		pipe.Del(ctx, cache.PresenceSeenKey(userID))
		if _, err := pipe.Exec(ctx); err != nil {
			observability.RedisErrorRate.WithLabelValues("presence").Inc()
		}
	}
	return true
}

// Touch refreshes the Redis mirror for a user with a live local connection.
func (p *Presence) Touch(ctx context.Context, userID string) {
	if p.rdb == nil {
		return
	}
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, cache.PresenceOnlineKey, userID)
	pipe.Set(ctx, cache.PresenceSeenKey(userID), strconv.FormatInt(p.now().Unix(), 10), p.seenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RedisErrorRate.WithLabelValues("presence").Inc()
		middleware.Logger.DebugContext(ctx, "presence touch failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// IsOnline checks local connections first, then the Redis mirror.
func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	p.mu.RLock()
	local := p.counts[userID] > 0
	p.mu.RUnlock()
	if local || p.rdb == nil {
		return local
	}
	exists, err := p.rdb.Exists(ctx, cache.PresenceSeenKey(userID)).Result()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("presence").Inc()
		return false
	}
	return exists > 0
}

// OnlineUserIDs returns the union of local and mirrored online users.
// Mirrored entries whose seen key expired are pruned.
func (p *Presence) OnlineUserIDs(ctx context.Context) []string {
	p.mu.RLock()
	seen := make(map[string]struct{}, len(p.counts))
	out := make([]string, 0, len(p.counts))
	for id := range p.counts {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	p.mu.RUnlock()

	if p.rdb == nil {
		return out
	}
	members, err := p.rdb.SMembers(ctx, cache.PresenceOnlineKey).Result()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("presence").Inc()
		return out
	}
	for _, id := range members {
		if _, ok := seen[id]; ok {
			continue
		}
		exists, err := p.rdb.Exists(ctx, cache.PresenceSeenKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			_ = p.rdb.SRem(ctx, cache.PresenceOnlineKey, id).Err()
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ForConversation lists each member of the conversation with its presence.
func (p *Presence) ForConversation(ctx context.Context, conversationID string) ([]models.PresenceEntry, error) {
	members, err := p.convs.ListMemberships(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]models.PresenceEntry, 0, len(members))
	for _, m := range members {
		entry := models.PresenceEntry{
			UserID:      m.UserID,
			DisplayName: m.UserID,
			Online:      p.IsOnline(ctx, m.UserID),
		}
		if m.User != nil {
			if m.User.DisplayName != "" {
				entry.DisplayName = m.User.DisplayName
			}
			entry.LastSeenAt = m.User.LastSeenAt
		}
		out = append(out, entry)
	}
	return out, nil
}
