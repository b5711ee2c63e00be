package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rediskey "group_buy/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher 是 Relay 的下游，生产环境为 *Producer。
type Publisher interface {
	Publish(ctx context.Context, evt GroupEvent) error
}

// Outbox 把团事件写入 Redis Stream，由 Relay 转发。
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

// Publish 依次写入事件，遇错即返回。
func (o *Outbox) Publish(ctx context.Context, events ...GroupEvent) error {
	for _, evt := range events {
		if _, err := rediskey.AppendEvent(ctx, o.rdb, o.stream, streamValues(evt)); err != nil {
			return fmt.Errorf("append %s: %w", evt.EventID, err)
		}
	}
	return nil
}

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb       *rd.Client
	publisher Publisher
	log       *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, publisher Publisher, log *zap.Logger, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		log:       log,
		stream:    stream,
		group:     group,
		consumer:  consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// 先尝试处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay read pending", zap.Error(err))
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				r.log.Warn("relay read new", zap.Error(err))
				time.Sleep(300 * time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 发布失败不 ACK，消息会继续保留用于重试。
				r.log.Warn("relay process message", zap.String("stream_id", xm.ID), zap.Error(err))
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	evt, err := parseGroupEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("relay drop malformed event", zap.String("stream_id", xm.ID), zap.Error(err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, evt); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func streamValues(evt GroupEvent) map[string]interface{} {
	values := map[string]interface{}{
		"event_id":       evt.EventID,
		"type":           string(evt.Type),
		"group_id":       evt.GroupID,
		"current_count":  evt.CurrentCount,
		"required_count": evt.RequiredCount,
		"status":         evt.Status,
		"occurred_at":    evt.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if evt.UserID != "" {
		values["user_id"] = evt.UserID
	}
	return values
}

func parseGroupEvent(values map[string]interface{}) (GroupEvent, error) {
	eventID, err := getStreamString(values, "event_id")
	if err != nil {
		return GroupEvent{}, err
	}
	typ, err := getStreamString(values, "type")
	if err != nil {
		return GroupEvent{}, err
	}
	groupID, err := getStreamString(values, "group_id")
	if err != nil {
		return GroupEvent{}, err
	}
	currentStr, err := getStreamString(values, "current_count")
	if err != nil {
		return GroupEvent{}, err
	}
	requiredStr, err := getStreamString(values, "required_count")
	if err != nil {
		return GroupEvent{}, err
	}
	status, err := getStreamString(values, "status")
	if err != nil {
		return GroupEvent{}, err
	}
	occurredStr, err := getStreamString(values, "occurred_at")
	if err != nil {
		return GroupEvent{}, err
	}
	// user_id 只有 group.joined 携带
	userID, _ := getStreamString(values, "user_id")

	current, err := strconv.Atoi(currentStr)
	if err != nil {
		return GroupEvent{}, fmt.Errorf("invalid current_count %q", currentStr)
	}
	required, err := strconv.Atoi(requiredStr)
	if err != nil {
		return GroupEvent{}, fmt.Errorf("invalid required_count %q", requiredStr)
	}
	occurred, err := time.Parse(time.RFC3339Nano, occurredStr)
	if err != nil {
		return GroupEvent{}, fmt.Errorf("invalid occurred_at %q", occurredStr)
	}

	evt := GroupEvent{
		EventID:       eventID,
		Type:          EventType(typ),
		GroupID:       groupID,
		UserID:        userID,
		CurrentCount:  current,
		RequiredCount: required,
		Status:        status,
		OccurredAt:    occurred,
	}
	if err := evt.Validate(); err != nil {
		return GroupEvent{}, err
	}
	return evt, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
