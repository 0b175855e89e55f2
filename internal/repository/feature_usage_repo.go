package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/dream_entitlement_server/internal/model"
)

var ErrUnknownFeature = errors.New("unknown feature")

type FeatureUsageRepository struct {
	db *gorm.DB
}

func NewFeatureUsageRepository(db *gorm.DB) *FeatureUsageRepository {
	return &FeatureUsageRepository{db: db}
}

func (r *FeatureUsageRepository) GetByUserID(ctx context.Context, userID int64) (*model.FeatureUsage, error) {
	var usage model.FeatureUsage
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&usage).Error
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// MarkUsed 以 upsert 方式把对应功能的试用标记置为 true，从不回退
func (r *FeatureUsageRepository) MarkUsed(ctx context.Context, userID int64, feature string) error {
	usage := &model.FeatureUsage{UserID: userID}
	var column string
	switch feature {
	case model.FeatureAnalysis:
		usage.UsedAnalysis = true
		column = "used_analysis"
	case model.FeatureImage:
		usage.UsedImage = true
		column = "used_image"
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column:       true,
			"updated_at": time.Now(),
		}),
	}).Create(usage).Error
}

// IsNotFound 判断是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
