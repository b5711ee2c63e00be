// Package store 是拼团数据的持久层，参团的原子过程在这里以单个事务执行。
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"group_buy/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrGroupNotFound        = errors.New("group not found")
	ErrProductNotFound      = errors.New("product not found")
	ErrDuplicateParticipant = errors.New("user already joined this group")
	ErrGroupFull            = errors.New("group is full")
	ErrGroupClosed          = errors.New("group is closed")
	ErrGroupExpired         = errors.New("group has expired")
	ErrGroupNotCompleted    = errors.New("group is not completed")
)

// GroupStore 封装 groups / group_participants / products / orders 四张表。
type GroupStore struct {
	db  *gorm.DB
	now func() time.Time
	// Postgres 上用 SELECT ... FOR UPDATE 锁住团行；SQLite 没有行锁，靠单写者串行。
	rowLock bool
}

func New(db *gorm.DB) *GroupStore {
	return &GroupStore{
		db:      db,
		now:     time.Now,
		rowLock: db.Dialector.Name() != "sqlite",
	}
}

// WithClock 替换时钟，测试用。
func (s *GroupStore) WithClock(now func() time.Time) *GroupStore {
	s.now = now
	return s
}

// JoinOutcome 是一次成功参团后的权威快照。
type JoinOutcome struct {
	Group       model.Group
	Participant model.GroupParticipant
	// Completed 为 true 表示正是本次参团触发了 open → completed。
	Completed bool
}

// Join 在一个事务内完成：存在性校验 → 去重 → 状态/过期/名额校验 → 插入参团记录
// → 计数 +1 → 满员时置 completed。任一步失败整个事务回滚，不会出现
// 「插入了记录却没加计数」或反之。
//
// callStart 是调用方进入参团流程的时间：团在 callStart 之后才成团，说明本次请求
// 是在名额竞争中落败（ErrGroupFull）；在此之前就已成团则是 ErrGroupClosed。
func (s *GroupStore) Join(ctx context.Context, groupID, userID string, callStart time.Time) (JoinOutcome, error) {
	var out JoinOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		q := tx
		if s.rowLock {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var g model.Group
		if err := q.Where("id = ?", groupID).Take(&g).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGroupNotFound
			}
			return err
		}

		var n int64
		if err := tx.Model(&model.GroupParticipant{}).
			Where("group_id = ? AND user_id = ?", groupID, userID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateParticipant
		}

		if err := admissible(g, now, callStart); err != nil {
			return err
		}

		p := model.GroupParticipant{
			ID:       uuid.NewString(),
			GroupID:  groupID,
			UserID:   userID,
			JoinedAt: now,
		}
		if err := tx.Create(&p).Error; err != nil {
			if errorsLikeUnique(err) {
				return ErrDuplicateParticipant
			}
			return err
		}

		// 条件更新是最后一道防线：即便没有行锁，也不可能把计数推过 required_count。
		// SET 子句中引用的都是更新前的列值。
		res := tx.Model(&model.Group{}).
			Where("id = ? AND status = ? AND current_count < required_count", groupID, model.GroupOpen).
			Updates(map[string]any{
				"current_count": gorm.Expr("current_count + 1"),
				"status": gorm.Expr("CASE WHEN current_count + 1 >= required_count THEN ? ELSE status END",
					string(model.GroupCompleted)),
				"completed_at": gorm.Expr("CASE WHEN current_count + 1 >= required_count THEN ? ELSE completed_at END", now),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrGroupFull
		}

		if err := tx.Where("id = ?", groupID).Take(&g).Error; err != nil {
			return err
		}
		out = JoinOutcome{
			Group:       g,
			Participant: p,
			Completed:   g.Status == model.GroupCompleted,
		}
		return nil
	})
	if err != nil {
		return JoinOutcome{}, err
	}
	return out, nil
}

// admissible 判定已存在且调用方尚未参团的团能否接受新成员。
func admissible(g model.Group, now, callStart time.Time) error {
	switch g.Status {
	case model.GroupCompleted:
		if g.CompletedAt != nil && !g.CompletedAt.Before(callStart) {
			return ErrGroupFull
		}
		return ErrGroupClosed
	case model.GroupFailed:
		return ErrGroupClosed
	}
	if !now.Before(g.ExpiresAt) {
		return ErrGroupExpired
	}
	if g.CurrentCount >= g.RequiredCount {
		return ErrGroupFull
	}
	return nil
}

// CreateGroup 写入新团，ID 为空时自动生成。
func (s *GroupStore) CreateGroup(ctx context.Context, g *model.Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(g).Error
}

// GetGroup 按 ID 读取团。
func (s *GroupStore) GetGroup(ctx context.Context, id string) (model.Group, error) {
	var g model.Group
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Group{}, ErrGroupNotFound
		}
		return model.Group{}, err
	}
	return g, nil
}

// ListGroups 按创建时间倒序列出团；status 为空表示不过滤。
func (s *GroupStore) ListGroups(ctx context.Context, status model.GroupStatus, limit int) ([]model.Group, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var list []model.Group
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ListParticipants 按参团先后返回成员。
func (s *GroupStore) ListParticipants(ctx context.Context, groupID string) ([]model.GroupParticipant, error) {
	var list []model.GroupParticipant
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}

// FailExpired 把已过期仍为 open 的团置为 failed，返回本次实际迁移的团。
// 迁移使用 status = 'open' 条件更新，不会覆盖并发发生的成团。
func (s *GroupStore) FailExpired(ctx context.Context, limit int) ([]model.Group, error) {
	now := s.now().UTC()

	var candidates []model.Group
	err := s.db.WithContext(ctx).
		Where("status = ?", model.GroupOpen).
		Order("expires_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var failed []model.Group
	for _, g := range candidates {
		// 按过期时间升序，遇到第一个未过期的即可停止
		if now.Before(g.ExpiresAt) {
			break
		}
		res := s.db.WithContext(ctx).Model(&model.Group{}).
			Where("id = ? AND status = ?", g.ID, model.GroupOpen).
			Updates(map[string]any{
				"status":    model.GroupFailed,
				"failed_at": now,
			})
		if res.Error != nil {
			return failed, res.Error
		}
		if res.RowsAffected == 1 {
			g.Status = model.GroupFailed
			g.FailedAt = &now
			failed = append(failed, g)
		}
	}
	return failed, nil
}

// CreateProduct 写入商品，ID 为空时自动生成。
func (s *GroupStore) CreateProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// GetProduct 按 ID 读取商品。
func (s *GroupStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	var p model.Product
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Product{}, ErrProductNotFound
		}
		return model.Product{}, err
	}
	return p, nil
}

// ListProducts 查询商品列表。
func (s *GroupStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	var list []model.Product
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// CreateOrdersForGroup 为已成团的每位成员生成 pending 订单，返回新建数量。
// (group_id, user_id) 唯一，重复调用不会产生重复订单。
func (s *GroupStore) CreateOrdersForGroup(ctx context.Context, groupID string) (int, error) {
	created := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g model.Group
		if err := tx.Where("id = ?", groupID).Take(&g).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGroupNotFound
			}
			return err
		}
		if g.Status != model.GroupCompleted {
			return ErrGroupNotCompleted
		}

		var p model.Product
		if err := tx.Where("id = ?", g.ProductID).Take(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProductNotFound
			}
			return err
		}

		var members []model.GroupParticipant
		if err := tx.Where("group_id = ?", groupID).Order("joined_at ASC").Find(&members).Error; err != nil {
			return err
		}

		for _, m := range members {
			id := uuid.NewString()
			o := model.Order{
				ID:        id,
				OrderNo:   orderNo(id),
				UserID:    m.UserID,
				GroupID:   groupID,
				ProductID: g.ProductID,
				Amount:    p.GroupPrice,
				Status:    model.OrderPending,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&o)
			if res.Error != nil {
				return res.Error
			}
			created += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// CompletedWithoutOrders 返回已成团却还没有任何订单的团 ID，供补单使用。
// 成团事件丢失或消费失败时，靠它把订单补齐。
func (s *GroupStore) CompletedWithoutOrders(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Group{}).
		Where("status = ?", model.GroupCompleted).
		Where(`NOT EXISTS (SELECT 1 FROM orders WHERE orders.group_id = "groups".id)`).
		Order("completed_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListOrdersByUser 查询用户的订单。
func (s *GroupStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	var list []model.Order
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}

func orderNo(id string) string {
	return "GB" + strings.ToUpper(strings.ReplaceAll(id, "-", ""))[:16]
}

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
