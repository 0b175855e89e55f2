package middleware

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

const FeatureDecisionKey = "featureDecision"

// FeatureDecider 功能放行判定
type FeatureDecider interface {
	Decide(ctx context.Context, userID int64, feature string) (*dto.FeatureAccessResponse, error)
}

// FeatureGate 功能门禁中间件，功能名取自路由参数 :feature
func FeatureGate(gate FeatureDecider) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			response.AuthError(c, "")
			c.Abort()
			return
		}

		decision, err := gate.Decide(c.Request.Context(), userID, c.Param("feature"))
		if err != nil {
			if errors.Is(err, service.ErrUnknownFeature) {
				response.ParamError(c, "未知功能")
			} else {
				response.ServerError(c, "功能权限检查失败")
			}
			c.Abort()
			return
		}

		if !decision.Allowed {
			response.TrialExhaustedError(c, "免费试用已用完，请订阅后继续使用")
			c.Abort()
			return
		}

		c.Set(FeatureDecisionKey, decision)
		c.Next()
	}
}
