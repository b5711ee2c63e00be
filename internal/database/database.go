package database

import (
	"fmt"

	"group_buy/internal/config"
	"group_buy/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 按配置选择 postgres 或 sqlite，打开并自动建表。
func Connect(cfg config.AppConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DBDSN)
	case "sqlite":
		// busy_timeout 让并发写在锁上等待而不是立刻报 SQLITE_BUSY
		dialector = sqlite.Open(cfg.DBPath + "?_busy_timeout=5000&_foreign_keys=on")
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	return Open(dialector, cfg.DBDriver == "sqlite")
}

// Open 用给定 dialector 打开连接并迁移。
// SQLite 只允许单写者，serializeWrites 为 true 时把连接池限制为 1，
// 使参团事务在进程内串行执行（不同团之间也串行）；需要按团并行时使用 postgres。
func Open(dialector gorm.Dialector, serializeWrites bool) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if serializeWrites {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

// Migrate 建表；(group_id, user_id) 唯一索引由模型 tag 声明。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Product{},
		&model.Group{},
		&model.GroupParticipant{},
		&model.Order{},
	)
}
