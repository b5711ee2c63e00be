package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Progress 对应 Redis 内的团进度快照，只用于展示，权威数据在数据库。
type Progress struct {
	GroupID       string
	CurrentCount  int
	RequiredCount int
	Status        string
}

// luaPutProgress 只在新快照不比旧快照「更旧」时写入：计数不回退，终态不被覆盖。
// 多个请求并发回写快照时，顺序颠倒也不会把进度往回拨。
const luaPutProgress = `
local key = KEYS[1]
local count = tonumber(ARGV[1])
local status = ARGV[3]
local oldStatus = redis.call('HGET', key, 'status')
local oldCount = tonumber(redis.call('HGET', key, 'current_count') or '-1')
if oldStatus == 'completed' or oldStatus == 'failed' then
  if status == 'open' then
    return 0
  end
end
if count < oldCount then
  return 0
end
redis.call('HSET', key, 'current_count', count, 'required_count', ARGV[2], 'status', status)
redis.call('EXPIRE', key, tonumber(ARGV[4]))
return 1
`

// PutProgress 回写进度快照，返回是否实际写入。
func PutProgress(ctx context.Context, rdb *rd.Client, p Progress, ttl time.Duration) (bool, error) {
	ttlSec := int64(ttl / time.Second)
	if ttlSec <= 0 {
		ttlSec = 1
	}
	n, err := rdb.Eval(ctx, luaPutProgress, []string{GroupProgressKey(p.GroupID)},
		p.CurrentCount, p.RequiredCount, p.Status, ttlSec).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetProgress 读取快照。found=false 表示 key 不存在。
func GetProgress(ctx context.Context, rdb *rd.Client, groupID string) (Progress, bool, error) {
	m, err := rdb.HGetAll(ctx, GroupProgressKey(groupID)).Result()
	if err != nil {
		return Progress{}, false, err
	}
	if len(m) == 0 {
		return Progress{}, false, nil
	}
	current, _ := strconv.Atoi(m["current_count"])
	required, _ := strconv.Atoi(m["required_count"])
	return Progress{
		GroupID:       groupID,
		CurrentCount:  current,
		RequiredCount: required,
		Status:        m["status"],
	}, true, nil
}
