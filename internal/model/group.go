package model

import "time"

// GroupStatus 团状态机：open → completed | failed，终态不可再迁移。
type GroupStatus string

const (
	GroupOpen      GroupStatus = "open"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
)

// Valid 用于校验查询参数里的 status 过滤条件。
func (s GroupStatus) Valid() bool {
	switch s {
	case GroupOpen, GroupCompleted, GroupFailed:
		return true
	}
	return false
}

// Group 一次限时拼团。
// 不变量：0 <= CurrentCount <= RequiredCount；只由参团与成团迁移修改。
type Group struct {
	ID        string    `gorm:"size:36;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductID     string      `gorm:"size:36;not null;index" json:"product_id"`
	LeaderID      string      `gorm:"size:36;not null;index" json:"leader_id"`
	RequiredCount int         `gorm:"not null" json:"required_count"`
	CurrentCount  int         `gorm:"not null;default:0" json:"current_count"`
	Status        GroupStatus `gorm:"size:16;not null;index" json:"status"`
	ExpiresAt     time.Time   `gorm:"not null;index" json:"expires_at"`

	// CompletedAt / FailedAt 记录终态迁移时间，用于区分「名额竞争失败」与「团早已结束」。
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

func (Group) TableName() string { return "groups" }

// Remaining 剩余名额。
func (g Group) Remaining() int {
	if g.CurrentCount >= g.RequiredCount {
		return 0
	}
	return g.RequiredCount - g.CurrentCount
}

// GroupParticipant 参团记录；(group_id, user_id) 唯一。
type GroupParticipant struct {
	ID       string    `gorm:"size:36;primaryKey" json:"id"`
	GroupID  string    `gorm:"size:36;not null;uniqueIndex:idx_group_participant" json:"group_id"`
	UserID   string    `gorm:"size:36;not null;uniqueIndex:idx_group_participant;index" json:"user_id"`
	JoinedAt time.Time `gorm:"not null" json:"joined_at"`
}

func (GroupParticipant) TableName() string { return "group_participants" }
