package model

import (
	"fmt"
	"time"
)

// Customer 计费客户身份：用户在支付渠道侧的客户 ID
type Customer struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	UserID     int64     `gorm:"not null;uniqueIndex:idx_customer_user_provider" json:"user_id"`
	Provider   string    `gorm:"size:20;not null;uniqueIndex:idx_customer_user_provider;uniqueIndex:idx_customer_provider_cid" json:"provider"`
	CustomerID string    `gorm:"size:100;not null;uniqueIndex:idx_customer_provider_cid" json:"customer_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Customer) TableName() string {
	return "billing_customers"
}

// NativeCustomerID 应用内购买的客户 ID 由用户 ID 推导
func NativeCustomerID(userID int64) string {
	return fmt.Sprintf("rc_%d", userID)
}
