package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	// Env 为 "dev" 时使用开发模式日志
	Env string

	// DBDriver 取值 sqlite | postgres；sqlite 使用 DBPath，postgres 使用 DBDSN
	DBDriver string
	DBPath   string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（参团成功后入流，Relay 异步转 Kafka）
	GroupEventStream   string
	GroupEventGroup    string
	GroupEventConsumer string

	// 参团接口限流与单次参团的存储超时
	JoinRateLimit  int
	JoinRateWindow time.Duration
	JoinTimeout    time.Duration

	// 进度快照（展示用）TTL 与过期团扫描周期
	SnapshotTTL         time.Duration
	ExpirySweepInterval time.Duration

	JWTSecret          string
	JWTExpirationHours int

	// 商品维护与开发令牌接口使用的简单管理员令牌
	AdminToken string
}

// Load 读取并校验配置，缺失时使用默认值。
// 当前目录存在 .env 时先加载它，已存在的环境变量优先。
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		Env:                 getEnv("APP_ENV", "prod"),
		DBDriver:            getEnv("DB_DRIVER", "sqlite"),
		DBPath:              getEnv("DB_PATH", "group_buy.db"),
		DBDSN:               getEnv("DB_DSN", ""),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:             0,
		KafkaBrokers:        splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "group-buy-events"),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", "group-buy-order-consumer"),
		GroupEventStream:    getEnv("GROUP_EVENT_STREAM", "group_buy:group_events"),
		GroupEventGroup:     getEnv("GROUP_EVENT_GROUP", "group-buy-relay-group"),
		GroupEventConsumer:  getEnv("GROUP_EVENT_CONSUMER", "group-buy-relay-1"),
		JoinRateLimit:       20,
		JoinRateWindow:      time.Second,
		JoinTimeout:         3 * time.Second,
		SnapshotTTL:         24 * time.Hour,
		ExpirySweepInterval: 30 * time.Second,
		JWTSecret:           getEnv("JWT_SECRET", "change-me-in-production"),
		JWTExpirationHours:  24,
		AdminToken:          getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("JOIN_RATE_LIMIT", cfg.JoinRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid JOIN_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("JOIN_RATE_LIMIT must be > 0")
	}
	cfg.JoinRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("JOIN_RATE_WINDOW_SEC", int(cfg.JoinRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid JOIN_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("JOIN_RATE_WINDOW_SEC must be > 0")
	}
	cfg.JoinRateWindow = time.Duration(rateWindowSec) * time.Second

	joinTimeoutMS, err := getEnvInt("JOIN_TIMEOUT_MS", int(cfg.JoinTimeout.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid JOIN_TIMEOUT_MS: %w", err)
	}
	if joinTimeoutMS <= 0 {
		return AppConfig{}, fmt.Errorf("JOIN_TIMEOUT_MS must be > 0")
	}
	cfg.JoinTimeout = time.Duration(joinTimeoutMS) * time.Millisecond

	snapshotTTLSec, err := getEnvInt("SNAPSHOT_TTL_SEC", int(cfg.SnapshotTTL.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SNAPSHOT_TTL_SEC: %w", err)
	}
	if snapshotTTLSec <= 0 {
		return AppConfig{}, fmt.Errorf("SNAPSHOT_TTL_SEC must be > 0")
	}
	cfg.SnapshotTTL = time.Duration(snapshotTTLSec) * time.Second

	sweepSec, err := getEnvInt("EXPIRY_SWEEP_INTERVAL_SEC", int(cfg.ExpirySweepInterval.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid EXPIRY_SWEEP_INTERVAL_SEC: %w", err)
	}
	if sweepSec <= 0 {
		return AppConfig{}, fmt.Errorf("EXPIRY_SWEEP_INTERVAL_SEC must be > 0")
	}
	cfg.ExpirySweepInterval = time.Duration(sweepSec) * time.Second

	jwtHours, err := getEnvInt("JWT_EXPIRATION_HOURS", cfg.JWTExpirationHours)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid JWT_EXPIRATION_HOURS: %w", err)
	}
	if jwtHours <= 0 {
		return AppConfig{}, fmt.Errorf("JWT_EXPIRATION_HOURS must be > 0")
	}
	cfg.JWTExpirationHours = jwtHours

	switch cfg.DBDriver {
	case "sqlite":
		if cfg.DBPath == "" {
			return AppConfig{}, fmt.Errorf("DB_PATH must not be empty")
		}
	case "postgres":
		if cfg.DBDSN == "" {
			return AppConfig{}, fmt.Errorf("DB_DSN must not be empty when DB_DRIVER=postgres")
		}
	default:
		return AppConfig{}, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.GroupEventStream == "" {
		return AppConfig{}, fmt.Errorf("GROUP_EVENT_STREAM must not be empty")
	}
	if cfg.GroupEventGroup == "" {
		return AppConfig{}, fmt.Errorf("GROUP_EVENT_GROUP must not be empty")
	}
	if cfg.GroupEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("GROUP_EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
