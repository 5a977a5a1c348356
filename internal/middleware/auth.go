package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const userIDKey = "flash_sale.user_id"

// AdminTokenHeader 管理接口令牌头。
const AdminTokenHeader = "X-Admin-Token"

// UserIdentity 从上游网关写入的请求头读取已认证用户。
// 身份校验本身不在本服务内完成，这里只负责解析与拒绝缺失身份的请求。
func UserIdentity(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(header)
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":   401,
				"msg":    "缺少有效的用户身份",
				"reason": "unauthenticated",
			})
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

// UserID 取出 UserIdentity 写入的用户 ID。
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// AdminToken 简单管理员令牌校验，避免被任意调用重置库存。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":   401,
				"msg":    "admin token 无效",
				"reason": "unauthorized",
			})
			return
		}
		c.Next()
	}
}
