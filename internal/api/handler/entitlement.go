package handler

import (
	"context"
	"errors"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/dream_entitlement_server/internal/api/middleware"
	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

type EntitlementHandler struct {
	entitlementService *service.EntitlementService
}

func NewEntitlementHandler(entitlementService *service.EntitlementService) *EntitlementHandler {
	return &EntitlementHandler{
		entitlementService: entitlementService,
	}
}

// Sync 客户端购买完成后上报快照并对账
// POST /api/v1/entitlements/sync
func (h *EntitlementHandler) Sync(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CustomerInfo
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	// 客户端断开时对账仍需完成
	ctx := context.WithoutCancel(c.Request.Context())
	result, err := h.entitlementService.ReconcileWithRetry(ctx, userID, &req)
	respondSync(c, userID, result, err)
}

// Restore 恢复购买：以支付渠道的实时数据为准重新对账
// POST /api/v1/entitlements/restore
func (h *EntitlementHandler) Restore(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	result, err := h.entitlementService.RestoreFromProvider(ctx, userID)
	respondSync(c, userID, result, err)
}

// Get 当前权益状态
// GET /api/v1/entitlements
func (h *EntitlementHandler) Get(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	status, err := h.entitlementService.GetStatus(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.Success(c, status)
}

// respondSync 同步失败不影响购买本身，重试耗尽只返回提示
func respondSync(c *gin.Context, userID int64, result *dto.SyncResult, err error) {
	if err == nil {
		response.Success(c, result)
		return
	}

	log.Printf("Entitlement sync for user %d: %v", userID, err)
	switch {
	case errors.Is(err, service.ErrSyncDeferred):
		response.SuccessWithMessage(c, "订阅已生效，权益同步稍后完成", result)
	case errors.Is(err, service.ErrUnauthorized):
		response.AuthError(c, "")
	case errors.Is(err, service.ErrUnknownProduct):
		response.UnknownProductError(c, "")
	case errors.Is(err, service.ErrProviderUnavailable):
		response.ProviderUnavailableError(c, "")
	default:
		response.ServerError(c, "")
	}
}
