// Package groupbuy 实现参团协调：校验入参、调用存储的原子参团过程、把结果归类为
// 调用方可区分的错误。协调器本身无状态，不缓存任何计数。
package groupbuy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"group_buy/internal/model"
	"group_buy/internal/store"

	"github.com/google/uuid"
)

// MaxRequiredCount 单个团允许的最大成团人数。
const MaxRequiredCount = 1000

// Store 是协调器依赖的持久层能力，由 *store.GroupStore 实现。
type Store interface {
	Join(ctx context.Context, groupID, userID string, callStart time.Time) (store.JoinOutcome, error)
	CreateGroup(ctx context.Context, g *model.Group) error
	GetProduct(ctx context.Context, id string) (model.Product, error)
}

// JoinResult 成功参团后的权威快照。
type JoinResult struct {
	Group       model.Group
	Participant model.GroupParticipant
	// Completed 为 true 表示本次参团使团达到人数并成团，每个团只会出现一次。
	Completed bool
}

// CreateGroupRequest 开团请求体。
type CreateGroupRequest struct {
	ProductID     string    `json:"product_id" binding:"required"`
	RequiredCount int       `json:"required_count" binding:"required"`
	ExpiresAt     time.Time `json:"expires_at" binding:"required"`
}

// Validate 做结构校验，拒绝畸形输入，避免其到达存储层。
func (r CreateGroupRequest) Validate(now time.Time) error {
	if _, err := uuid.Parse(r.ProductID); err != nil {
		return fmt.Errorf("%w: product_id must be a UUID", ErrInvalidInput)
	}
	if r.RequiredCount < 1 || r.RequiredCount > MaxRequiredCount {
		return fmt.Errorf("%w: required_count must be between 1 and %d", ErrInvalidInput, MaxRequiredCount)
	}
	if !r.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	return nil
}

type Coordinator struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewCoordinator timeout 是单次参团等待存储的上限，<= 0 表示只受调用方 ctx 约束。
func NewCoordinator(s Store, timeout time.Duration) *Coordinator {
	return &Coordinator{store: s, timeout: timeout, now: time.Now}
}

// WithClock 替换时钟，测试用。
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Join 让 userID 加入 groupID。全部校验与写入在存储的一次原子调用中完成；
// 超时或基础设施故障一律报 ErrStoreUnavailable，不会是部分成功，
// 重试时若上次其实已提交，会得到 ErrAlreadyJoined。
func (c *Coordinator) Join(ctx context.Context, groupID, userID string) (JoinResult, error) {
	if strings.TrimSpace(userID) == "" {
		return JoinResult{}, ErrUnauthenticated
	}
	if _, err := uuid.Parse(userID); err != nil {
		return JoinResult{}, ErrUnauthenticated
	}
	if _, err := uuid.Parse(groupID); err != nil {
		return JoinResult{}, fmt.Errorf("%w: group id must be a UUID", ErrInvalidInput)
	}

	callStart := c.now().UTC()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.store.Join(ctx, groupID, userID, callStart)
	if err != nil {
		return JoinResult{}, classify(err)
	}
	return JoinResult{
		Group:       out.Group,
		Participant: out.Participant,
		Completed:   out.Completed,
	}, nil
}

// Create 由 leaderID 开一个新团：status=open，current_count=0。
// 团长不会被自动计入参团人数。
func (c *Coordinator) Create(ctx context.Context, req CreateGroupRequest, leaderID string) (model.Group, error) {
	if strings.TrimSpace(leaderID) == "" {
		return model.Group{}, ErrUnauthenticated
	}
	if _, err := uuid.Parse(leaderID); err != nil {
		return model.Group{}, ErrUnauthenticated
	}
	if err := req.Validate(c.now()); err != nil {
		return model.Group{}, err
	}

	if _, err := c.store.GetProduct(ctx, req.ProductID); err != nil {
		if errors.Is(err, store.ErrProductNotFound) {
			return model.Group{}, ErrProductNotFound
		}
		return model.Group{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	g := model.Group{
		ProductID:     req.ProductID,
		LeaderID:      leaderID,
		RequiredCount: req.RequiredCount,
		CurrentCount:  0,
		Status:        model.GroupOpen,
		ExpiresAt:     req.ExpiresAt.UTC(),
	}
	if err := c.store.CreateGroup(ctx, &g); err != nil {
		return model.Group{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return g, nil
}

// classify 把存储层错误映射为对外错误分类，未知错误都视为存储不可用。
func classify(err error) error {
	switch {
	case errors.Is(err, store.ErrGroupNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDuplicateParticipant):
		return ErrAlreadyJoined
	case errors.Is(err, store.ErrGroupFull):
		return ErrGroupFull
	case errors.Is(err, store.ErrGroupClosed):
		return ErrGroupClosed
	case errors.Is(err, store.ErrGroupExpired):
		return ErrGroupExpired
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
