package redis

import (
	"context"

	rd "github.com/redis/go-redis/v9"
)

// AppendEvent 把一条事件写入 Redis Stream outbox，返回 stream 条目 ID。
// 由 queue.Relay 异步转发到 Kafka。
func AppendEvent(ctx context.Context, rdb *rd.Client, stream string, values map[string]interface{}) (string, error) {
	return rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
}
