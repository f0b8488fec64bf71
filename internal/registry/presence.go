package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 24 * time.Hour

// PresenceMirror keeps a best-effort copy of room membership in Redis under
// `room:<id>:peers` sets, so dashboards and sibling services can observe
// presence without talking to the signaling server.
//
// The Registry stays authoritative: mirror failures are logged and never
// affect membership state. A nil *PresenceMirror disables mirroring.
type PresenceMirror struct {
	rdb    *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

func NewPresenceMirror(rdb *redis.Client, logger *slog.Logger, ttl time.Duration) *PresenceMirror {
	if rdb == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &PresenceMirror{rdb: rdb, logger: logger, ttl: ttl}
}

func roomPeersKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

func (p *PresenceMirror) onJoin(roomID, userID string) {
	if p == nil {
		return
	}
	ctx := context.Background()
	key := roomPeersKey(roomID)
	if err := p.rdb.SAdd(ctx, key, userID).Err(); err != nil {
		p.logger.Warn("presence mirror add failed", "room", roomID, "user", userID, "err", err)
		return
	}
	if err := p.rdb.Expire(ctx, key, p.ttl).Err(); err != nil {
		p.logger.Warn("presence mirror expire failed", "room", roomID, "err", err)
	}
}

func (p *PresenceMirror) onLeave(roomID, userID string) {
	if p == nil {
		return
	}
	if err := p.rdb.SRem(context.Background(), roomPeersKey(roomID), userID).Err(); err != nil {
		p.logger.Warn("presence mirror remove failed", "room", roomID, "user", userID, "err", err)
	}
}

func (p *PresenceMirror) onRoomDeleted(roomID string) {
	if p == nil {
		return
	}
	if err := p.rdb.Del(context.Background(), roomPeersKey(roomID)).Err(); err != nil {
		p.logger.Warn("presence mirror delete failed", "room", roomID, "err", err)
	}
}
