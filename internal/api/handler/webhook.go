package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/qs3c/dream_entitlement_server/internal/model"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/queue"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/revenuecat"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

const maxWebhookBodyBytes = int64(65536)

// JobQueue 回调处理队列
type JobQueue interface {
	Push(ctx context.Context, job *queue.WebhookJob) error
}

// WebhookHandler 支付渠道回调入口：验签、幂等落库、入队
// 回调方按 HTTP 状态码判断是否重投，因此这里不使用统一响应结构
type WebhookHandler struct {
	webhookService      *service.WebhookService
	queue               JobQueue
	revenueCatAuthHash  string
	stripeWebhookSecret string
}

func NewWebhookHandler(webhookService *service.WebhookService, jobQueue JobQueue, revenueCatAuthHash, stripeWebhookSecret string) *WebhookHandler {
	return &WebhookHandler{
		webhookService:      webhookService,
		queue:               jobQueue,
		revenueCatAuthHash:  revenueCatAuthHash,
		stripeWebhookSecret: stripeWebhookSecret,
	}
}

// RevenueCat RevenueCat 回调
// POST /api/v1/webhooks/revenuecat
func (h *WebhookHandler) RevenueCat(c *gin.Context) {
	if !revenuecat.VerifyAuthorization(c.GetHeader("Authorization"), h.revenueCatAuthHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	event, created, err := h.webhookService.RecordRevenueCat(ctx, body)
	if err != nil {
		if errors.Is(err, revenuecat.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		log.Printf("revenuecat webhook record failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}

	h.accept(ctx, c, event, created)
}

// Stripe Stripe 订阅回调
// POST /api/v1/webhooks/stripe
func (h *WebhookHandler) Stripe(c *gin.Context) {
	if h.stripeWebhookSecret == "" {
		log.Printf("stripe webhook secret missing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	stripeEvent, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		h.stripeWebhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		log.Printf("stripe webhook signature failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	event, created, err := h.webhookService.RecordStripe(ctx, stripeEvent.ID, string(stripeEvent.Type), body)
	if err != nil {
		log.Printf("stripe webhook record failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}

	h.accept(ctx, c, event, created)
}

// accept 已处理过的重复投递直接确认；其余入队，没有队列时同步处理
func (h *WebhookHandler) accept(ctx context.Context, c *gin.Context, event *model.WebhookEvent, created bool) {
	if !created && event.ProcessedAt != nil {
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	if h.queue != nil {
		err := h.queue.Push(ctx, &queue.WebhookJob{
			EventID:    event.ID,
			Provider:   event.Provider,
			EventType:  event.EventType,
			AppUserID:  event.AppUserID,
			EnqueuedAt: time.Now().Unix(),
		})
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"received": true, "queued": true})
			return
		}
		log.Printf("Failed to enqueue webhook %d, processing inline: %v", event.ID, err)
	}

	if err := h.webhookService.Process(ctx, event.ID); err != nil {
		// 暂时性失败返回 5xx 让回调方重投
		if service.IsTransient(err) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
			return
		}
		log.Printf("Webhook %d processed with error: %v", event.ID, err)
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": !created})
}
