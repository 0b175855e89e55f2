package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/dream_entitlement_server/internal/api/middleware"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

type FeatureHandler struct {
	gateService *service.FeatureGateService
}

func NewFeatureHandler(gateService *service.FeatureGateService) *FeatureHandler {
	return &FeatureHandler{
		gateService: gateService,
	}
}

// Check 查询功能是否可用
// GET /api/v1/features/:feature
func (h *FeatureHandler) Check(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	decision, err := h.gateService.Decide(c.Request.Context(), userID, c.Param("feature"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownFeature) {
			response.ParamError(c, "未知功能")
			return
		}
		response.ServerError(c, "功能权限检查失败")
		return
	}

	response.Success(c, decision)
}

// RecordUsage AI 调用成功后记录一次使用，需经过 FeatureGate
// POST /api/v1/features/:feature/usage
func (h *FeatureHandler) RecordUsage(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	usage, err := h.gateService.RecordUsage(c.Request.Context(), userID, c.Param("feature"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownFeature) {
			response.ParamError(c, "未知功能")
			return
		}
		response.ServerError(c, "")
		return
	}

	response.Success(c, usage)
}
