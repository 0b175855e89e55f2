package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/api/handler"
	"github.com/qs3c/dream_entitlement_server/internal/api/middleware"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/jwt"
)

type Router struct {
	entitlementHandler *handler.EntitlementHandler
	featureHandler     *handler.FeatureHandler
	adminHandler       *handler.AdminHandler
	webhookHandler     *handler.WebhookHandler
	websocketHandler   *handler.WebSocketHandler
	featureGate        middleware.FeatureDecider
	verifier           jwt.Verifier
	cfg                *config.Config
}

func NewRouter(
	entitlementHandler *handler.EntitlementHandler,
	featureHandler *handler.FeatureHandler,
	adminHandler *handler.AdminHandler,
	webhookHandler *handler.WebhookHandler,
	websocketHandler *handler.WebSocketHandler,
	featureGate middleware.FeatureDecider,
	verifier jwt.Verifier,
	cfg *config.Config,
) *Router {
	return &Router{
		entitlementHandler: entitlementHandler,
		featureHandler:     featureHandler,
		adminHandler:       adminHandler,
		webhookHandler:     webhookHandler,
		websocketHandler:   websocketHandler,
		featureGate:        featureGate,
		verifier:           verifier,
		cfg:                cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Logger())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	{
		// WebSocket，token 走 query 参数
		api.GET("/ws", r.websocketHandler.Handle)

		// 支付渠道回调，各自验签
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/revenuecat", r.webhookHandler.RevenueCat)
			webhooks.POST("/stripe", r.webhookHandler.Stripe)
		}

		// 需要认证的接口
		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(r.verifier))
		{
			// 权益
			entitlements := authenticated.Group("/entitlements")
			{
				entitlements.GET("", r.entitlementHandler.Get)
				entitlements.POST("/sync", r.entitlementHandler.Sync)
				entitlements.POST("/restore", r.entitlementHandler.Restore)
			}

			// 功能门禁
			features := authenticated.Group("/features")
			{
				features.GET("/:feature", r.featureHandler.Check)
				features.POST("/:feature/usage", middleware.FeatureGate(r.featureGate), r.featureHandler.RecordUsage)
			}

			// 站长维护
			admin := authenticated.Group("/admin")
			admin.Use(middleware.OwnerOnly(r.cfg.Entitlement.OwnerUserID))
			{
				admin.POST("/entitlements/transfer", r.adminHandler.Transfer)
				admin.POST("/entitlements/:user_id/cancel", r.adminHandler.Cancel)
			}
		}
	}

	return engine
}
