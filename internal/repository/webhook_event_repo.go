package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/dream_entitlement_server/internal/model"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// CreateIfNotExists 写入回调记录；已存在同一事件时返回 false
func (r *WebhookEventRepository) CreateIfNotExists(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		existing, err := r.GetByProviderEventID(ctx, event.Provider, event.ProviderEventID)
		if err == nil {
			*event = *existing
		}
		return false, nil
	}
	return true, nil
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, id int64) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *WebhookEventRepository) GetByProviderEventID(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkProcessed 记录处理完成时间与错误信息（空字符串表示成功）
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id int64, processingErr string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":     time.Now(),
			"processing_error": processingErr,
		}).Error
}

// SetProcessingError 只记录错误，保持未处理状态以便重试
func (r *WebhookEventRepository) SetProcessingError(ctx context.Context, id int64, processingErr string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", id).
		Update("processing_error", processingErr).Error
}

func (r *WebhookEventRepository) SetArchiveURL(ctx context.Context, id int64, url string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", id).
		Update("archive_url", url).Error
}

// ListUnprocessed 列出尚未处理的回调，用于重新入队
func (r *WebhookEventRepository) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]model.WebhookEvent, error) {
	var events []model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND created_at < ?", olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
