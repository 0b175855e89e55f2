package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/database"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

var (
	dryRun       = flag.Bool("dry-run", true, "Dry run mode, only list lapsed entitlements")
	retryPending = flag.Bool("retry-webhooks", false, "Also reprocess webhooks left unprocessed")
	retryLimit   = flag.Int("retry-limit", 100, "Max webhooks to reprocess")
)

func main() {
	flag.Parse()

	log.Println("Starting entitlement expiry sweep...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	customerRepo := repository.NewCustomerRepository(db)
	entitlementService := service.NewEntitlementService(
		repository.NewSubscriptionRepository(db),
		customerRepo,
		nil,
		nil,
		cfg,
	)

	ctx := context.Background()
	now := time.Now()

	// 1. 列出周期已结束的权益
	lapsed, err := entitlementService.ListLapsed(ctx, now)
	if err != nil {
		log.Fatalf("Failed to list lapsed entitlements: %v", err)
	}
	for _, sub := range lapsed {
		log.Printf("  - user=%d tier=%s subscription=%s ended %s ago",
			sub.UserID,
			sub.Tier,
			sub.SubscriptionID,
			now.Sub(time.Unix(sub.CurrentPeriodEnd, 0)).Round(time.Minute))
	}

	// 2. 取消
	expired := int64(0)
	if !*dryRun && len(lapsed) > 0 {
		expired, err = entitlementService.ExpireLapsed(ctx, now)
		if err != nil {
			log.Fatalf("Failed to expire entitlements: %v", err)
		}
	}

	// 3. 补处理积压回调
	retried := 0
	if *retryPending && !*dryRun {
		webhookService := service.NewWebhookService(repository.NewWebhookEventRepository(db), customerRepo, entitlementService)
		retried, err = webhookService.RetryUnprocessed(ctx, 2*time.Minute, *retryLimit)
		if err != nil {
			log.Printf("Failed to retry webhooks: %v", err)
		}
	}

	// 输出统计
	log.Println(strings.Repeat("=", 60))
	log.Println("Expiry Summary")
	log.Println(strings.Repeat("=", 60))
	log.Printf("Lapsed entitlements: %d", len(lapsed))
	log.Printf("Canceled: %d", expired)
	log.Printf("Webhooks reprocessed: %d", retried)
	if *dryRun {
		log.Println("DRY RUN MODE - nothing was changed")
		log.Println("   Run with -dry-run=false to apply")
	}
	log.Println(strings.Repeat("=", 60))
}
