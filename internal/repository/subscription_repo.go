package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/dream_entitlement_server/internal/model"
)

var ErrUnknownUsageColumn = errors.New("unknown usage column")

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetActiveByUser 返回用户最新的一条 active 记录
func (r *SubscriptionRepository) GetActiveByUser(ctx context.Context, userID int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.SubscriptionStatusActive).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) CountActiveByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("user_id = ? AND status = ?", userID, model.SubscriptionStatusActive).
		Count(&count).Error
	return count, err
}

func (r *SubscriptionRepository) HasActive(ctx context.Context, userID int64) (bool, error) {
	count, err := r.CountActiveByUser(ctx, userID)
	return count > 0, err
}

func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID int64) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&subs).Error
	return subs, err
}

// CancelActiveByUser 取消用户所有 active 记录，返回受影响行数
func (r *SubscriptionRepository) CancelActiveByUser(ctx context.Context, userID int64) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("user_id = ? AND status = ?", userID, model.SubscriptionStatusActive).
		Updates(map[string]interface{}{
			"status":     model.SubscriptionStatusCanceled,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// CancelActiveBySubscriptionID 只取消指定外部订阅对应的 active 记录
func (r *SubscriptionRepository) CancelActiveBySubscriptionID(ctx context.Context, userID int64, subscriptionID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("user_id = ? AND subscription_id = ? AND status = ?", userID, subscriptionID, model.SubscriptionStatusActive).
		Updates(map[string]interface{}{
			"status":     model.SubscriptionStatusCanceled,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// Replace 在一个事务内取消用户现有 active 记录并写入新记录
func (r *SubscriptionRepository) Replace(ctx context.Context, sub *model.Subscription) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Subscription{}).
			Where("user_id = ? AND status = ?", sub.UserID, model.SubscriptionStatusActive).
			Updates(map[string]interface{}{
				"status":     model.SubscriptionStatusCanceled,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Create(sub).Error
	})
}

// IncrementUsage 累加订阅内的功能使用次数
func (r *SubscriptionRepository) IncrementUsage(ctx context.Context, id int64, column string) error {
	if column != "dream_analyses_used" && column != "image_generations_used" {
		return fmt.Errorf("%w: %s", ErrUnknownUsageColumn, column)
	}
	return r.db.WithContext(ctx).Model(&model.Subscription{}).Where("id = ?", id).
		Update(column, gorm.Expr(column+" + 1")).Error
}

// ListLapsed 列出周期已结束但仍为 active 的记录
func (r *SubscriptionRepository) ListLapsed(ctx context.Context, now int64) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND current_period_end > 0 AND current_period_end < ?", model.SubscriptionStatusActive, now).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

// ExpireLapsed 将周期已结束的 active 记录置为 canceled
func (r *SubscriptionRepository) ExpireLapsed(ctx context.Context, now int64) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("status = ? AND current_period_end > 0 AND current_period_end < ?", model.SubscriptionStatusActive, now).
		Updates(map[string]interface{}{
			"status":     model.SubscriptionStatusCanceled,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// Transfer 在一个事务内把 from 用户的权益记录转给 to 用户
// 转入方已有的 active 记录会先被取消，保证转移后 to 最多一条 active
func (r *SubscriptionRepository) Transfer(ctx context.Context, fromUserID, toUserID int64) (int64, error) {
	var moved int64
	toCustomerID := model.NativeCustomerID(toUserID)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fromActive int64
		if err := tx.Model(&model.Subscription{}).
			Where("user_id = ? AND status = ?", fromUserID, model.SubscriptionStatusActive).
			Count(&fromActive).Error; err != nil {
			return err
		}

		if fromActive > 0 {
			if err := tx.Model(&model.Subscription{}).
				Where("user_id = ? AND status = ?", toUserID, model.SubscriptionStatusActive).
				Updates(map[string]interface{}{
					"status":     model.SubscriptionStatusCanceled,
					"updated_at": time.Now(),
				}).Error; err != nil {
				return err
			}
		}

		// 只有应用内购买的客户 ID 由用户推导，Stripe 记录保留 cus_ 客户 ID
		if err := tx.Model(&model.Subscription{}).
			Where("user_id = ? AND provider = ?", fromUserID, model.ProviderRevenueCat).
			Update("customer_id", toCustomerID).Error; err != nil {
			return err
		}

		result := tx.Model(&model.Subscription{}).
			Where("user_id = ?", fromUserID).
			Updates(map[string]interface{}{
				"user_id":    toUserID,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		moved = result.RowsAffected

		// 客户身份：转入方没有时才接管转出方的记录
		for _, provider := range []string{model.ProviderRevenueCat, model.ProviderStripe} {
			var toCustomers int64
			if err := tx.Model(&model.Customer{}).
				Where("user_id = ? AND provider = ?", toUserID, provider).
				Count(&toCustomers).Error; err != nil {
				return err
			}
			if toCustomers > 0 {
				continue
			}
			updates := map[string]interface{}{
				"user_id":    toUserID,
				"updated_at": time.Now(),
			}
			if provider == model.ProviderRevenueCat {
				updates["customer_id"] = toCustomerID
			}
			if err := tx.Model(&model.Customer{}).
				Where("user_id = ? AND provider = ?", fromUserID, provider).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}
