package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/api"
	"github.com/qs3c/dream_entitlement_server/internal/api/handler"
	"github.com/qs3c/dream_entitlement_server/internal/database"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/cache"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/jwt"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/oss"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/pubsub"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/queue"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/revenuecat"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/stripeapi"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/ws"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化数据库
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	// 初始化 JWT 校验
	verifier, err := jwt.NewVerifier(cfg.JWT.Secret, cfg.JWT.JWKSURL, cfg.JWT.Issuer, cfg.JWT.Audience)
	if err != nil {
		log.Fatalf("Failed to init token verifier: %v", err)
	}

	// 初始化 RevenueCat（可选）
	// provider 保持接口 nil，避免把空指针当作可用实现
	var provider service.PurchaseProvider
	var rcProvider *service.RevenueCatProvider
	if cfg.RevenueCat.APIKey != "" {
		snapshots := cache.NewSnapshotCache(rdb, cfg.RevenueCat.CacheTTL())
		rcProvider = service.NewRevenueCatProvider(revenuecat.NewClient(&cfg.RevenueCat), snapshots)
		provider = rcProvider
		log.Println("RevenueCat client initialized")
	} else {
		log.Println("Warning: revenuecat.api_key not set, restore and live checks disabled")
	}

	// 初始化 Repository
	subRepo := repository.NewSubscriptionRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	usageRepo := repository.NewFeatureUsageRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)

	// 初始化 Service
	userLock := cache.NewUserLock(rdb, 10*time.Second, 5*time.Second)
	entitlementService := service.NewEntitlementService(subRepo, customerRepo, provider, userLock, cfg)
	featureGateService := service.NewFeatureGateService(subRepo, usageRepo, provider, cfg)

	webhookService := service.NewWebhookService(eventRepo, customerRepo, entitlementService)
	webhookService.SetPublisher(pubsub.NewPublisher(rdb))
	if rcProvider != nil {
		webhookService.SetSnapshotInvalidator(rcProvider)
	}
	if cfg.Stripe.SecretKey != "" {
		webhookService.SetStripeCustomers(stripeapi.NewCustomers(cfg.Stripe.SecretKey))
	}
	if cfg.OSS.Endpoint != "" && cfg.OSS.AccessKeyID != "" {
		ossClient, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Printf("Warning: Failed to init OSS client: %v", err)
		} else {
			webhookService.SetArchiver(ossClient)
			log.Println("OSS client initialized")
		}
	}

	// 初始化 Queue
	jobQueue := queue.NewQueue(rdb, cfg.Queue.WebhookQueue)

	// 初始化 WebSocket Hub，转发 worker 发布的权益变化
	wsHub := ws.NewHub()
	subscriber := pubsub.NewSubscriber(rdb)
	go func() {
		if err := subscriber.Subscribe(context.Background(), wsHub.RelayEntitlement); err != nil {
			log.Printf("Entitlement subscriber stopped: %v", err)
		}
	}()
	log.Println("WebSocket hub started")

	// 初始化 Handler
	entitlementHandler := handler.NewEntitlementHandler(entitlementService)
	featureHandler := handler.NewFeatureHandler(featureGateService)
	adminHandler := handler.NewAdminHandler(entitlementService)
	webhookHandler := handler.NewWebhookHandler(webhookService, jobQueue, cfg.RevenueCat.WebhookAuthHash, cfg.Stripe.WebhookSecret)
	websocketHandler := handler.NewWebSocketHandler(wsHub, verifier)

	// 初始化 Router
	router := api.NewRouter(
		entitlementHandler,
		featureHandler,
		adminHandler,
		webhookHandler,
		websocketHandler,
		featureGateService,
		verifier,
		cfg,
	)
	engine := router.Setup()

	// 启动服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Server starting on %s", addr)
	if err := engine.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
