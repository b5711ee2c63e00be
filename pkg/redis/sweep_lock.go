package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值匹配持有者令牌时才删除，避免误删其他实例的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) == owner then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireSweepLock 尝试获取扫描锁，owner 是本次持有者的唯一令牌。
func AcquireSweepLock(ctx context.Context, rdb *rd.Client, owner string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, SweepLockKey(), owner, ttl).Result()
}

// ReleaseSweepLockIfMatch 安全释放扫描锁。
func ReleaseSweepLockIfMatch(ctx context.Context, rdb *rd.Client, owner string) error {
	_, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{SweepLockKey()}, owner).Int()
	return err
}
