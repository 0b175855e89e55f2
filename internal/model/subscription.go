package model

import (
	"time"
)

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
)

const (
	ProviderRevenueCat = "revenuecat"
	ProviderStripe     = "stripe"
)

// Subscription 权益记录：某用户在某一时段内享有的付费套餐
// 同一用户任意时刻最多一条 active 记录
type Subscription struct {
	ID                   int64     `gorm:"primaryKey" json:"id"`
	UserID               int64     `gorm:"not null;index:idx_subscriptions_user_status" json:"user_id"`
	CustomerID           string    `gorm:"size:100;not null" json:"customer_id"`
	SubscriptionID       string    `gorm:"size:128;not null;index" json:"subscription_id"`
	PriceID              string    `gorm:"size:128" json:"price_id"`
	ProductID            string    `gorm:"size:128" json:"product_id"`
	Tier                 string    `gorm:"size:32" json:"tier"`
	Provider             string    `gorm:"size:20;default:revenuecat" json:"provider"`
	Status               string    `gorm:"size:20;not null;default:active;index:idx_subscriptions_user_status" json:"status"`
	CurrentPeriodStart   int64     `json:"current_period_start"`
	CurrentPeriodEnd     int64     `gorm:"index" json:"current_period_end"`
	CancelAtPeriodEnd    bool      `json:"cancel_at_period_end"`
	DreamAnalysesUsed    int       `gorm:"default:0" json:"dream_analyses_used"`
	ImageGenerationsUsed int       `gorm:"default:0" json:"image_generations_used"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// IsActive 记录状态为 active
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// PeriodEnd 当前周期结束时间
func (s *Subscription) PeriodEnd() time.Time {
	return time.Unix(s.CurrentPeriodEnd, 0)
}
