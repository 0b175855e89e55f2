package model

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent 支付渠道回调记录，(provider, provider_event_id) 唯一，用于幂等
type WebhookEvent struct {
	ID              int64          `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"size:20;not null;uniqueIndex:idx_webhook_provider_event" json:"provider"`
	ProviderEventID string         `gorm:"size:128;not null;uniqueIndex:idx_webhook_provider_event" json:"provider_event_id"`
	EventType       string         `gorm:"size:64;index" json:"event_type"`
	AppUserID       string         `gorm:"size:128" json:"app_user_id"`
	Payload         datatypes.JSON `json:"payload"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error,omitempty"`
	ArchiveURL      string         `gorm:"size:500" json:"archive_url,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "billing_webhook_events"
}
