package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const currentUserKey = "currentUser"

// TokenVerifier 解析 bearer 令牌得到已验证的用户 ID。
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RequireAuth 要求 Authorization: Bearer <jwt>，成功后把用户 ID 放入上下文。
func RequireAuth(v TokenVerifier, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing authorization header")
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if raw == header || raw == "" {
			unauthorized(c, "invalid authorization format")
			return
		}
		userID, err := v.Verify(raw)
		if err != nil {
			log.Warn("jwt validation failed",
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.FullPath()),
				zap.Error(err))
			unauthorized(c, "invalid or expired token")
			return
		}
		c.Set(currentUserKey, userID)
		c.Next()
	}
}

// CurrentUser 返回 RequireAuth 放入的用户 ID，未认证时为空串。
func CurrentUser(c *gin.Context) string {
	return c.GetString(currentUserKey)
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":   401,
		"msg":    msg,
		"reason": "unauthenticated",
	})
}
