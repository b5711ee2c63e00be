package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"group_buy/internal/config"
	"group_buy/internal/database"
	"group_buy/internal/groupbuy"
	"group_buy/internal/queue"
	"group_buy/internal/router"
	"group_buy/internal/store"
	"group_buy/internal/worker"
	"group_buy/pkg/token"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 1. 连接数据库，自动建表
	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}

	// 2. Redis：限流、进度快照、事件 outbox、扫描锁
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Redis 只承载非权威数据，启动时不可用也继续
		logger.Warn("redis ping", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	pingCancel()

	groups := store.New(db)
	coord := groupbuy.NewCoordinator(groups, cfg.JoinTimeout)
	outbox := queue.NewOutbox(rdb, cfg.GroupEventStream)
	tokens := token.NewManager(cfg.JWTSecret, time.Duration(cfg.JWTExpirationHours)*time.Hour)

	// 3. 后台任务：outbox → Kafka 转发、成团订单消费、过期团扫描与补单
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, rdb, groups, logger)
	defer consumer.Close()
	relay := queue.NewRelay(rdb, producer, logger, cfg.GroupEventStream, cfg.GroupEventGroup, cfg.GroupEventConsumer)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go relay.Run(bgCtx)
	go consumer.Run(bgCtx)

	sweeper := worker.NewExpirySweeper(groups, rdb, outbox, logger, cfg.ExpirySweepInterval, cfg.SnapshotTTL).
		WithOrderReconciler(groups)
	sweeper.Start()
	defer sweeper.Stop()

	// 4. HTTP
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Store:       groups,
		Coordinator: coord,
		Redis:       rdb,
		Events:      outbox,
		Tokens:      tokens,
		Config:      cfg,
		Log:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr), zap.String("db_driver", cfg.DBDriver))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("forced shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
