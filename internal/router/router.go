package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"group_buy/internal/config"
	"group_buy/internal/groupbuy"
	"group_buy/internal/middleware"
	"group_buy/internal/model"
	"group_buy/internal/queue"
	"group_buy/internal/store"
	rediskey "group_buy/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// EventPublisher 参团成功后写出团事件，生产环境为 *queue.Outbox。
type EventPublisher interface {
	Publish(ctx context.Context, events ...queue.GroupEvent) error
}

// TokenIssuer 签发并校验用户令牌，由 *token.Manager 实现。
type TokenIssuer interface {
	middleware.TokenVerifier
	Issue(userID string) (string, error)
}

// Deps 路由依赖。
type Deps struct {
	Store       *store.GroupStore
	Coordinator *groupbuy.Coordinator
	Redis       *rd.Client
	Events      EventPublisher
	Tokens      TokenIssuer
	Config      config.AppConfig
	Log         *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	auth := middleware.RequireAuth(d.Tokens, d.Log)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	// Products
	r.GET("/api/products", listProducts(d.Store))
	r.POST("/api/products", requireAdmin(d.Config.AdminToken), createProduct(d.Store))
	// Groups
	r.GET("/api/groups", listGroups(d.Store))
	r.GET("/api/groups/:id", getGroup(d.Store))
	r.GET("/api/groups/:id/progress", getProgress(d.Store, d.Redis, d.Config.SnapshotTTL, d.Log))
	r.POST("/api/groups", auth, createGroup(d.Coordinator, d.Redis, d.Config.SnapshotTTL, d.Log))
	r.POST("/api/groups/:id/join",
		auth,
		middleware.RedisRateLimit(d.Redis, d.Config.JoinRateLimit, d.Config.JoinRateWindow, d.Log),
		joinGroup(d.Coordinator, d.Redis, d.Events, d.Config.SnapshotTTL, d.Log))
	// Orders
	r.GET("/api/orders", auth, listOrders(d.Store))
	// 本地联调与压测用
	r.POST("/api/dev/token", requireAdmin(d.Config.AdminToken), issueToken(d.Tokens))
}

// requireAdmin 简单管理员令牌校验。
func requireAdmin(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" || c.GetHeader("X-Admin-Token") != adminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效", "reason": "unauthenticated"})
			return
		}
		c.Next()
	}
}

// listProducts 查询商品列表。
func listProducts(s *store.GroupStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.ListProducts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "reason": "store_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// createProduct 创建团购商品，成团价不得高于零售价。
func createProduct(s *store.GroupStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Title       string `json:"title" binding:"required"`
			Description string `json:"description"`
			Price       int64  `json:"price" binding:"required,min=1"`
			GroupPrice  int64  `json:"group_price" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": "invalid_input"})
			return
		}
		if req.GroupPrice > req.Price {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "group_price 不能高于 price", "reason": "invalid_input"})
			return
		}
		p := &model.Product{
			Title:       req.Title,
			Description: req.Description,
			Price:       req.Price,
			GroupPrice:  req.GroupPrice,
		}
		if err := s.CreateProduct(c.Request.Context(), p); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "reason": "store_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
	}
}

// listGroups 按状态筛选团，默认全部。
func listGroups(s *store.GroupStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := model.GroupStatus(strings.TrimSpace(c.Query("status")))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "status 取值 open|completed|failed", "reason": "invalid_input"})
			return
		}
		limit := defaultListLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "limit 无效", "reason": "invalid_input"})
				return
			}
			limit = min(n, maxListLimit)
		}
		list, err := s.ListGroups(c.Request.Context(), status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "reason": "store_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// getGroup 返回团详情及成员列表。
func getGroup(s *store.GroupStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		g, err := s.GetGroup(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrGroupNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "团不存在", "reason": "not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "reason": "store_unavailable"})
			return
		}
		members, err := s.ListParticipants(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "reason": "store_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"group": g, "participants": members, "remaining": g.Remaining()}})
	}
}

// getProgress 优先读 Redis 快照，缺失时回源数据库并回填。
// 快照只用于展示，参团判定从不读取它。
func getProgress(s *store.GroupStore, rdb *rd.Client, ttl time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		if rdb != nil {
			snap, found, err := rediskey.GetProgress(ctx, rdb, id)
			if err != nil {
				log.Warn("progress snapshot read", zap.String("group_id", id), zap.Error(err))
			}
			if found {
				c.JSON(http.StatusOK, gin.H{"code": 0, "data": progressBody(snap, "cache")})
				return
			}
		}

		g, err := s.GetGroup(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrGroupNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "团不存在", "reason": "not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "reason": "store_unavailable"})
			return
		}
		snap := progressOf(g)
		putProgress(ctx, rdb, snap, ttl, log)
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": progressBody(snap, "db")})
	}
}

// createGroup 开团，开团者为团长但不计入人数。
func createGroup(coord *groupbuy.Coordinator, rdb *rd.Client, ttl time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req groupbuy.CreateGroupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": "invalid_input"})
			return
		}
		g, err := coord.Create(c.Request.Context(), req, middleware.CurrentUser(c))
		if err != nil {
			respondError(c, log, err)
			return
		}
		putProgress(c.Request.Context(), rdb, progressOf(g), ttl, log)
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": g})
	}
}

// joinGroup 参团入口。
// 流程：
// 1. 协调器在一次原子存储调用中完成校验与写入
// 2. 成功后写出 group.joined（以及成团时的 group.completed）事件
// 3. 回写展示用进度快照
// 2、3 失败只记日志，不影响已提交的参团结果。
func joinGroup(coord *groupbuy.Coordinator, rdb *rd.Client, events EventPublisher, ttl time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		groupID := c.Param("id")
		userID := middleware.CurrentUser(c)

		res, err := coord.Join(ctx, groupID, userID)
		if err != nil {
			respondError(c, log, err)
			return
		}

		if events != nil {
			if err := events.Publish(ctx, queue.JoinEvents(res.Group, res.Participant, res.Completed)...); err != nil {
				log.Warn("publish join events",
					zap.String("group_id", res.Group.ID),
					zap.String("user_id", userID),
					zap.Error(err))
			}
		}
		putProgress(ctx, rdb, progressOf(res.Group), ttl, log)

		if res.Completed {
			log.Info("group completed",
				zap.String("group_id", res.Group.ID),
				zap.Int("required_count", res.Group.RequiredCount))
		}
		c.JSON(http.StatusOK, gin.H{
			"joined":      true,
			"group":       res.Group,
			"participant": res.Participant,
		})
	}
}

// listOrders 当前用户由成团产生的订单。
func listOrders(s *store.GroupStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.ListOrdersByUser(c.Request.Context(), middleware.CurrentUser(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "reason": "store_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// issueToken 为指定用户签发 JWT，user_id 为空时随机生成。
func issueToken(tokens TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": "invalid_input"})
				return
			}
		}
		if req.UserID == "" {
			req.UserID = uuid.NewString()
		}
		tok, err := tokens.Issue(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": "invalid_input"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"user_id": req.UserID, "token": tok}})
	}
}

// respondError 把协调器错误映射为 HTTP 状态码与原因码。
func respondError(c *gin.Context, log *zap.Logger, err error) {
	reason := groupbuy.Reason(err)
	switch {
	case errors.Is(err, groupbuy.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": err.Error(), "reason": reason})
	case groupbuy.Retryable(err):
		log.Error("group store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		// 不把底层错误透出给客户端
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": groupbuy.ErrStoreUnavailable.Error(), "reason": reason})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "reason": reason})
	}
}

func progressOf(g model.Group) rediskey.Progress {
	return rediskey.Progress{
		GroupID:       g.ID,
		CurrentCount:  g.CurrentCount,
		RequiredCount: g.RequiredCount,
		Status:        string(g.Status),
	}
}

func progressBody(p rediskey.Progress, source string) gin.H {
	return gin.H{
		"group_id":       p.GroupID,
		"current_count":  p.CurrentCount,
		"required_count": p.RequiredCount,
		"status":         p.Status,
		"source":         source,
	}
}

func putProgress(ctx context.Context, rdb *rd.Client, p rediskey.Progress, ttl time.Duration, log *zap.Logger) {
	if rdb == nil {
		return
	}
	if _, err := rediskey.PutProgress(ctx, rdb, p, ttl); err != nil {
		log.Warn("progress snapshot write", zap.String("group_id", p.GroupID), zap.Error(err))
	}
}
