package worker

import (
	"context"
	"sync"
	"time"

	"group_buy/internal/model"
	"group_buy/internal/queue"
	rediskey "group_buy/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepBatch = 200

// Expirer 把过期仍 open 的团置为 failed，由 *store.GroupStore 实现。
type Expirer interface {
	FailExpired(ctx context.Context, limit int) ([]model.Group, error)
}

// OrderReconciler 为已成团却缺订单的团补单，由 *store.GroupStore 实现。
type OrderReconciler interface {
	CompletedWithoutOrders(ctx context.Context, limit int) ([]string, error)
	CreateOrdersForGroup(ctx context.Context, groupID string) (int, error)
}

// EventPublisher 由 *queue.Outbox 实现。
type EventPublisher interface {
	Publish(ctx context.Context, events ...queue.GroupEvent) error
}

// ExpirySweeper 后台定时任务：把过期的 open 团置为 failed，并为漏单的成团补单。
// 参团路径自己会校验过期，这里只负责落终态。
type ExpirySweeper struct {
	groups      Expirer
	orders      OrderReconciler
	rdb         *rd.Client
	events      EventPublisher
	log         *zap.Logger
	interval    time.Duration
	snapshotTTL time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewExpirySweeper rdb 可为 nil（单实例部署），此时不加分布式锁、不回写快照。
func NewExpirySweeper(groups Expirer, rdb *rd.Client, events EventPublisher, logger *zap.Logger, interval, snapshotTTL time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		groups:      groups,
		rdb:         rdb,
		events:      events,
		log:         logger,
		interval:    interval,
		snapshotTTL: snapshotTTL,
		stopCh:      make(chan struct{}),
	}
}

// WithOrderReconciler 开启补单：每轮扫描后为缺订单的成团生成订单。
func (w *ExpirySweeper) WithOrderReconciler(r OrderReconciler) *ExpirySweeper {
	w.orders = r
	return w
}

func (w *ExpirySweeper) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("expiry sweeper started", zap.Duration("interval", w.interval))
}

// Stop 通知退出并等待当前一轮结束。
func (w *ExpirySweeper) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("expiry sweeper stopped")
}

func (w *ExpirySweeper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			w.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep 执行一轮扫描，返回本轮置为 failed 的团数。
// 锁被其他实例持有时跳过；Redis 不可用时不加锁照常执行，
// FailExpired 的 status='open' 条件更新与订单唯一约束保证并发扫描也安全。
func (w *ExpirySweeper) Sweep(ctx context.Context) int {
	if w.rdb != nil {
		owner := uuid.NewString()
		ok, err := rediskey.AcquireSweepLock(ctx, w.rdb, owner, w.interval)
		switch {
		case err != nil:
			w.log.Warn("expiry sweep lock unavailable, sweeping unlocked", zap.Error(err))
		case !ok:
			return 0
		default:
			defer func() {
				if err := rediskey.ReleaseSweepLockIfMatch(ctx, w.rdb, owner); err != nil {
					w.log.Warn("expiry sweep lock release", zap.Error(err))
				}
			}()
		}
	}

	total := 0
	for {
		failed, err := w.groups.FailExpired(ctx, sweepBatch)
		total += len(failed)
		w.announce(ctx, failed)
		if err != nil {
			w.log.Error("failed to expire groups", zap.Error(err))
			break
		}
		if len(failed) < sweepBatch {
			break
		}
	}
	if total > 0 {
		w.log.Info("expired open groups", zap.Int("count", total))
	}

	w.reconcileOrders(ctx)
	return total
}

// reconcileOrders 兜底成团事件丢失（outbox 写失败等）的情况。
func (w *ExpirySweeper) reconcileOrders(ctx context.Context) {
	if w.orders == nil {
		return
	}
	ids, err := w.orders.CompletedWithoutOrders(ctx, sweepBatch)
	if err != nil {
		w.log.Error("list completed groups without orders", zap.Error(err))
		return
	}
	for _, id := range ids {
		n, err := w.orders.CreateOrdersForGroup(ctx, id)
		if err != nil {
			w.log.Error("reconcile orders", zap.String("group_id", id), zap.Error(err))
			continue
		}
		w.log.Info("orders reconciled for completed group", zap.String("group_id", id), zap.Int("orders", n))
	}
}

func (w *ExpirySweeper) announce(ctx context.Context, failed []model.Group) {
	for _, g := range failed {
		if w.rdb != nil {
			_, err := rediskey.PutProgress(ctx, w.rdb, rediskey.Progress{
				GroupID:       g.ID,
				CurrentCount:  g.CurrentCount,
				RequiredCount: g.RequiredCount,
				Status:        string(g.Status),
			}, w.snapshotTTL)
			if err != nil {
				w.log.Warn("progress snapshot refresh", zap.String("group_id", g.ID), zap.Error(err))
			}
		}
		if w.events != nil {
			if err := w.events.Publish(ctx, queue.FailedEvent(g)); err != nil {
				w.log.Warn("publish group failed event", zap.String("group_id", g.ID), zap.Error(err))
			}
		}
	}
}
