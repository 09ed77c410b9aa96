package playedstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis persists played ids as one set per chat with a TTL so abandoned
// chats age out on their own.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func playedKey(chatID string) string {
	return fmt.Sprintf("played:%s", chatID)
}

func (r *Redis) Add(ctx context.Context, chatID, messageID string) error {
	key := playedKey(chatID)
	if err := r.rdb.SAdd(ctx, key, messageID).Err(); err != nil {
		return err
	}
	if r.ttl > 0 {
		return r.rdb.Expire(ctx, key, r.ttl).Err()
	}
	return nil
}

func (r *Redis) Contains(ctx context.Context, chatID, messageID string) (bool, error) {
	return r.rdb.SIsMember(ctx, playedKey(chatID), messageID).Result()
}

func (r *Redis) Clear(ctx context.Context, chatID string) error {
	return r.rdb.Del(ctx, playedKey(chatID)).Err()
}
