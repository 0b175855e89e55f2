package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/database"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/cache"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/cron"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/oss"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/pubsub"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/queue"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/revenuecat"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/stripeapi"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
	"github.com/qs3c/dream_entitlement_server/internal/service"
	"github.com/qs3c/dream_entitlement_server/internal/worker"
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
	log.Println("Database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	// 初始化 Repository
	subRepo := repository.NewSubscriptionRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)

	// 与 API 进程共用同一把用户锁
	userLock := cache.NewUserLock(rdb, 10*time.Second, 5*time.Second)

	var provider service.PurchaseProvider
	var rcProvider *service.RevenueCatProvider
	if cfg.RevenueCat.APIKey != "" {
		snapshots := cache.NewSnapshotCache(rdb, cfg.RevenueCat.CacheTTL())
		rcProvider = service.NewRevenueCatProvider(revenuecat.NewClient(&cfg.RevenueCat), snapshots)
		provider = rcProvider
	}

	entitlementService := service.NewEntitlementService(subRepo, customerRepo, provider, userLock, cfg)
	webhookService := service.NewWebhookService(eventRepo, customerRepo, entitlementService)
	webhookService.SetPublisher(pubsub.NewPublisher(rdb))
	if rcProvider != nil {
		webhookService.SetSnapshotInvalidator(rcProvider)
	}

	if cfg.Stripe.SecretKey != "" {
		webhookService.SetStripeCustomers(stripeapi.NewCustomers(cfg.Stripe.SecretKey))
	}
	// 初始化 OSS（可选）
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

	// 创建任务处理器
	processor := worker.NewProcessor(webhookService, jobQueue, cfg.Sync.Attempts())

	// 到期清理与回调补偿
	cronService := cron.NewService(entitlementService, webhookService, cfg.Expiry.Interval())
	cronService.Start()
	defer cronService.Stop()

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	workers := cfg.Queue.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	log.Printf("Worker started, max workers: %d", workers)

	for i := 0; i < workers; i++ {
		go processor.Run(ctx, i)
	}

	// 等待 context 取消
	<-ctx.Done()
	log.Println("Worker shutdown complete")
}
