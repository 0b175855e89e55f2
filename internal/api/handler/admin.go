package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

// AdminHandler 站长手动维护权益
type AdminHandler struct {
	entitlementService *service.EntitlementService
}

func NewAdminHandler(entitlementService *service.EntitlementService) *AdminHandler {
	return &AdminHandler{
		entitlementService: entitlementService,
	}
}

// Transfer 权益转移
// POST /api/v1/admin/entitlements/transfer
func (h *AdminHandler) Transfer(c *gin.Context) {
	var req dto.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	moved, err := h.entitlementService.TransferEntitlement(c.Request.Context(), req.FromUserID, req.ToUserID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidTransfer) {
			response.ParamError(c, "转出与转入用户不能相同")
			return
		}
		response.ServerError(c, "")
		return
	}

	response.SuccessWithMessage(c, "转移成功", &dto.TransferResponse{
		FromUserID: req.FromUserID,
		ToUserID:   req.ToUserID,
		Moved:      moved,
	})
}

// Cancel 取消用户全部生效权益
// POST /api/v1/admin/entitlements/:user_id/cancel
func (h *AdminHandler) Cancel(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "无效的用户ID")
		return
	}

	canceled, err := h.entitlementService.MarkCanceled(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.SuccessWithMessage(c, "已取消", gin.H{
		"user_id":  userID,
		"canceled": canceled,
	})
}
