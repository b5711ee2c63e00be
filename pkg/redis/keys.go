package redis

import "fmt"

// GroupProgressKey 团进度快照（展示用），hash 结构。
func GroupProgressKey(groupID string) string {
	return fmt.Sprintf("group_buy:group:progress:%s", groupID)
}

// EventProcessedKey 标记某个事件是否已被下游消费过。
func EventProcessedKey(eventID string) string {
	return fmt.Sprintf("group_buy:event:processed:%s", eventID)
}

// SweepLockKey 过期团扫描的分布式锁，保证同一时刻只有一个实例在扫。
func SweepLockKey() string {
	return "group_buy:lock:expiry_sweep"
}

// JoinRateLimitKey 参团接口按用户（或 IP）限流。
func JoinRateLimitKey(subject string) string {
	return fmt.Sprintf("rate_limit:group_buy:join:%s", subject)
}
