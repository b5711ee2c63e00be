package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"group_buy/internal/store"
	rediskey "group_buy/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// eventClaimTTL 去重标记保留时长，覆盖 Kafka 重投的时间窗口。
const eventClaimTTL = 7 * 24 * time.Hour

const (
	handleRetryBase = 200 * time.Millisecond
	handleRetryMax  = 10 * time.Second
)

// OrderCreator 成团后为成员生成订单，由 *store.GroupStore 实现。
type OrderCreator interface {
	CreateOrdersForGroup(ctx context.Context, groupID string) (int, error)
}

// Consumer 消费团事件：group.completed 时按成团价为每位成员生成订单。
type Consumer struct {
	r      *kafka.Reader
	rdb    *rd.Client
	orders OrderCreator
	log    *zap.Logger

	// 处理失败时的退避起点与上限
	retryBase time.Duration
	retryMax  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, rdb *rd.Client, orders OrderCreator, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		rdb:       rdb,
		orders:    orders,
		log:       log,
		retryBase: handleRetryBase,
		retryMax:  handleRetryMax,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var evt GroupEvent
		if err := json.Unmarshal(m.Value, &evt); err != nil {
			c.log.Warn("consumer unmarshal", zap.Error(err))
			c.commit(ctx, m)
			continue
		}
		if err := evt.Validate(); err != nil {
			c.log.Warn("consumer drop invalid event", zap.String("event_id", evt.EventID), zap.Error(err))
			c.commit(ctx, m)
			continue
		}

		// offset 按分区累计提交：处理成功前不能去取下一条，否则会越过这条消息
		if err := c.handleUntilDone(ctx, evt); err != nil {
			return
		}
		c.commit(ctx, m)
	}
}

// handleUntilDone 对同一条事件按指数退避重试，直到成功或 ctx 结束。
func (c *Consumer) handleUntilDone(ctx context.Context, evt GroupEvent) error {
	backoff := c.retryBase
	if backoff <= 0 {
		backoff = handleRetryBase
	}
	for attempt := 1; ; attempt++ {
		err := c.Handle(ctx, evt)
		if err == nil {
			return nil
		}
		c.log.Error("consumer handle event",
			zap.String("event_id", evt.EventID),
			zap.String("group_id", evt.GroupID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if c.retryMax > 0 && backoff > c.retryMax {
			backoff = c.retryMax
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Warn("consumer commit", zap.Error(err))
	}
}

// Handle 处理单条事件；重复投递是安全的。
func (c *Consumer) Handle(ctx context.Context, evt GroupEvent) error {
	if evt.Type != EventGroupCompleted {
		c.log.Debug("consumer skip event", zap.String("type", string(evt.Type)), zap.String("group_id", evt.GroupID))
		return nil
	}

	claimed, err := rediskey.ClaimEventOnce(ctx, c.rdb, evt.EventID, eventClaimTTL)
	if err != nil {
		// Redis 不可用时仍继续：订单表的 (group_id, user_id) 唯一约束兜底
		c.log.Warn("consumer claim event", zap.String("event_id", evt.EventID), zap.Error(err))
		claimed = true
	}
	if !claimed {
		c.log.Info("consumer duplicate event", zap.String("event_id", evt.EventID))
		return nil
	}

	n, err := c.orders.CreateOrdersForGroup(ctx, evt.GroupID)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) || errors.Is(err, store.ErrGroupNotCompleted) {
			c.log.Warn("consumer ignore event for unknown or open group",
				zap.String("group_id", evt.GroupID), zap.Error(err))
			return nil
		}
		// ctx 可能已结束，撤销认领不受其影响
		if relErr := rediskey.ReleaseEvent(context.WithoutCancel(ctx), c.rdb, evt.EventID); relErr != nil {
			c.log.Warn("consumer release event claim", zap.String("event_id", evt.EventID), zap.Error(relErr))
		}
		return err
	}
	c.log.Info("orders created for completed group",
		zap.String("group_id", evt.GroupID),
		zap.Int("orders", n))
	return nil
}
