package model

import (
	"time"
)

const (
	FeatureAnalysis = "analysis"
	FeatureImage    = "image"
)

// FeatureUsage 免费试用标记，每个功能只能试用一次，标记只会由 false 变为 true
type FeatureUsage struct {
	UserID       int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	UsedAnalysis bool      `gorm:"default:false" json:"used_analysis"`
	UsedImage    bool      `gorm:"default:false" json:"used_image"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (FeatureUsage) TableName() string {
	return "feature_usages"
}

// Used 返回指定功能的试用是否已消耗
func (u *FeatureUsage) Used(feature string) bool {
	switch feature {
	case FeatureAnalysis:
		return u.UsedAnalysis
	case FeatureImage:
		return u.UsedImage
	}
	return false
}

// IsKnownFeature 是否为受限功能
func IsKnownFeature(feature string) bool {
	return feature == FeatureAnalysis || feature == FeatureImage
}
