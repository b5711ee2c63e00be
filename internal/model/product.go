package model

import (
	"time"

	"gorm.io/gorm"
)

// Product 团购商品：零售价与成团价（单位：分）。
type Product struct {
	ID        string         `gorm:"size:36;primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Title       string `gorm:"size:128;not null" json:"title"`
	Description string `gorm:"size:1024" json:"description"`
	Price       int64  `gorm:"not null" json:"price"`
	GroupPrice  int64  `gorm:"not null" json:"group_price"` // 成团后锁定的价格
}

func (Product) TableName() string { return "products" }
