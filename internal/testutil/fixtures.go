package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/dream_entitlement_server/internal/model"
)

// TestSubscription 创建测试权益记录，默认 active、周期 30 天
func TestSubscription(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.Subscription)) *model.Subscription {
	t.Helper()

	now := time.Now()
	sub := &model.Subscription{
		UserID:             userID,
		CustomerID:         model.NativeCustomerID(userID),
		SubscriptionID:     fmt.Sprintf("txn_%d", now.UnixNano()),
		PriceID:            "dream_premium_monthly",
		ProductID:          "dream_premium_monthly",
		Tier:               "premium",
		Provider:           model.ProviderRevenueCat,
		Status:             model.SubscriptionStatusActive,
		CurrentPeriodStart: now.Unix(),
		CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour).Unix(),
	}

	for _, opt := range opts {
		opt(sub)
	}

	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("Failed to create test subscription: %v", err)
	}

	return sub
}

// WithStatus 设置记录状态
func WithStatus(status string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.Status = status
	}
}

// WithSubscriptionID 设置外部订阅 ID
func WithSubscriptionID(id string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.SubscriptionID = id
	}
}

// WithProduct 设置商品与套餐
func WithProduct(productID, tier string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.ProductID = productID
		s.PriceID = productID
		s.Tier = tier
	}
}

// WithPeriodEnd 设置周期结束时间
func WithPeriodEnd(end time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.CurrentPeriodEnd = end.Unix()
	}
}

// WithProvider 设置渠道
func WithProvider(provider, customerID string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.Provider = provider
		s.CustomerID = customerID
	}
}

// TestCustomer 创建客户身份记录
func TestCustomer(t *testing.T, db *gorm.DB, userID int64, provider, customerID string) *model.Customer {
	t.Helper()

	if customerID == "" {
		customerID = model.NativeCustomerID(userID)
	}
	customer := &model.Customer{
		UserID:     userID,
		Provider:   provider,
		CustomerID: customerID,
	}
	if err := db.Create(customer).Error; err != nil {
		t.Fatalf("Failed to create test customer: %v", err)
	}
	return customer
}

// TestFeatureUsage 创建试用记录
func TestFeatureUsage(t *testing.T, db *gorm.DB, userID int64, usedAnalysis, usedImage bool) *model.FeatureUsage {
	t.Helper()

	usage := &model.FeatureUsage{
		UserID:       userID,
		UsedAnalysis: usedAnalysis,
		UsedImage:    usedImage,
	}
	// 布尔零值需要显式写入
	if err := db.Select("*").Create(usage).Error; err != nil {
		t.Fatalf("Failed to create test feature usage: %v", err)
	}
	return usage
}

// CountActive 统计用户 active 记录数
func CountActive(t *testing.T, db *gorm.DB, userID int64) int64 {
	t.Helper()

	var count int64
	if err := db.Model(&model.Subscription{}).
		Where("user_id = ? AND status = ?", userID, model.SubscriptionStatusActive).
		Count(&count).Error; err != nil {
		t.Fatalf("Failed to count active subscriptions: %v", err)
	}
	return count
}
