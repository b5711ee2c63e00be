package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// ClaimEventOnce 通过 SET NX 保证同一事件只被处理一次：
// - 首次认领返回 true
// - 重复投递返回 false
func ClaimEventOnce(ctx context.Context, rdb *rd.Client, eventID string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, EventProcessedKey(eventID), "1", ttl).Result()
}

// ReleaseEvent 处理失败时撤销认领，让重投的消息可以再次处理。
func ReleaseEvent(ctx context.Context, rdb *rd.Client, eventID string) error {
	return rdb.Del(ctx, EventProcessedKey(eventID)).Err()
}
