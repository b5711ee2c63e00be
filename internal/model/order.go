package model

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus 订单状态；此服务只产生 pending，其余流转由线下转账对账完成。
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderCanceled OrderStatus = "canceled"
)

// Order 成团后为每位参团者生成的订单，金额按成团价计算（单位：分）。
type Order struct {
	ID        string         `gorm:"size:36;primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo   string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	UserID    string      `gorm:"size:36;not null;uniqueIndex:idx_order_group_user;index" json:"user_id"`
	GroupID   string      `gorm:"size:36;not null;uniqueIndex:idx_order_group_user" json:"group_id"`
	ProductID string      `gorm:"size:36;not null;index" json:"product_id"`
	Amount    int64       `gorm:"not null" json:"amount"`
	Status    OrderStatus `gorm:"size:16;not null" json:"status"`
}

// 显式实现结构，确定表名
func (Order) TableName() string { return "orders" }
