package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
)

// OwnerOnly 仅站长可访问，未配置站长时拒绝所有请求
func OwnerOnly(ownerUserID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			response.AuthError(c, "")
			c.Abort()
			return
		}

		if ownerUserID <= 0 || userID != ownerUserID {
			response.PermissionError(c, "")
			c.Abort()
			return
		}

		c.Next()
	}
}
