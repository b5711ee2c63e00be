package queue

import (
	"fmt"
	"time"

	"group_buy/internal/model"
)

// EventType 团变更事件类型。
type EventType string

const (
	EventGroupJoined    EventType = "group.joined"
	EventGroupCompleted EventType = "group.completed"
	EventGroupFailed    EventType = "group.failed"
)

// GroupEvent 是写入 outbox / Kafka 的团变更事件。
// 下游按 at-least-once 语义消费，EventID 用于去重。
type GroupEvent struct {
	EventID       string    `json:"event_id"`
	Type          EventType `json:"type"`
	GroupID       string    `json:"group_id"`
	UserID        string    `json:"user_id,omitempty"`
	CurrentCount  int       `json:"current_count"`
	RequiredCount int       `json:"required_count"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e GroupEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	switch e.Type {
	case EventGroupJoined, EventGroupCompleted, EventGroupFailed:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.GroupID == "" {
		return fmt.Errorf("group_id is required")
	}
	if e.Type == EventGroupJoined && e.UserID == "" {
		return fmt.Errorf("user_id is required for %s", e.Type)
	}
	if e.RequiredCount <= 0 {
		return fmt.Errorf("required_count must be > 0")
	}
	if e.CurrentCount < 0 || e.CurrentCount > e.RequiredCount {
		return fmt.Errorf("current_count %d out of range", e.CurrentCount)
	}
	return nil
}

// JoinEvents 由一次成功参团生成事件；触发成团时额外带一条 group.completed。
// completed 事件 ID 只依赖 group_id，每个团至多一条。
func JoinEvents(g model.Group, p model.GroupParticipant, completed bool) []GroupEvent {
	joined := GroupEvent{
		EventID:       "group.joined:" + p.ID,
		Type:          EventGroupJoined,
		GroupID:       g.ID,
		UserID:        p.UserID,
		CurrentCount:  g.CurrentCount,
		RequiredCount: g.RequiredCount,
		Status:        string(g.Status),
		OccurredAt:    p.JoinedAt,
	}
	if !completed {
		return []GroupEvent{joined}
	}
	done := joined
	done.EventID = "group.completed:" + g.ID
	done.Type = EventGroupCompleted
	done.UserID = ""
	if g.CompletedAt != nil {
		done.OccurredAt = *g.CompletedAt
	}
	return []GroupEvent{joined, done}
}

// FailedEvent 过期扫描把团置为 failed 后的事件。
func FailedEvent(g model.Group) GroupEvent {
	e := GroupEvent{
		EventID:       "group.failed:" + g.ID,
		Type:          EventGroupFailed,
		GroupID:       g.ID,
		CurrentCount:  g.CurrentCount,
		RequiredCount: g.RequiredCount,
		Status:        string(g.Status),
		OccurredAt:    time.Now().UTC(),
	}
	if g.FailedAt != nil {
		e.OccurredAt = *g.FailedAt
	}
	return e
}
