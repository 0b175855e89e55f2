package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/model"
	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
)

// FeatureGateService 判断用户能否使用付费功能：
// 站长直接放行，其次看订阅，最后看一次性试用
type FeatureGateService struct {
	subRepo   *repository.SubscriptionRepository
	usageRepo *repository.FeatureUsageRepository
	provider  PurchaseProvider
	cfg       *config.Config
}

func NewFeatureGateService(
	subRepo *repository.SubscriptionRepository,
	usageRepo *repository.FeatureUsageRepository,
	provider PurchaseProvider,
	cfg *config.Config,
) *FeatureGateService {
	return &FeatureGateService{
		subRepo:   subRepo,
		usageRepo: usageRepo,
		provider:  provider,
		cfg:       cfg,
	}
}

// CanUseFeature 只返回是否放行
func (s *FeatureGateService) CanUseFeature(ctx context.Context, userID int64, feature string) (bool, error) {
	decision, err := s.Decide(ctx, userID, feature)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

// Decide 返回放行结果及原因
// 订阅来源查询失败视为未确认，不影响另一个来源；试用记录查询失败时拒绝
func (s *FeatureGateService) Decide(ctx context.Context, userID int64, feature string) (*dto.FeatureAccessResponse, error) {
	if !model.IsKnownFeature(feature) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	if userID <= 0 {
		return nil, ErrUnauthorized
	}

	resp := &dto.FeatureAccessResponse{Feature: feature}

	if s.isOwner(userID) {
		resp.Allowed = true
		resp.Reason = dto.AccessReasonOwner
		return resp, nil
	}

	if s.subscribed(ctx, userID) {
		resp.Allowed = true
		resp.Reason = dto.AccessReasonSubscription
		return resp, nil
	}

	usage, err := s.usageRepo.GetByUserID(ctx, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			resp.Allowed = true
			resp.Reason = dto.AccessReasonTrial
			return resp, nil
		}
		return nil, fmt.Errorf("failed to load feature usage: %w", err)
	}

	if usage.Used(feature) {
		resp.Reason = dto.AccessReasonTrialUsed
		return resp, nil
	}
	resp.Allowed = true
	resp.Reason = dto.AccessReasonTrial
	return resp, nil
}

// MarkFeatureUsed 消耗一次试用
func (s *FeatureGateService) MarkFeatureUsed(ctx context.Context, userID int64, feature string) error {
	if !model.IsKnownFeature(feature) {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	if userID <= 0 {
		return ErrUnauthorized
	}
	if err := s.usageRepo.MarkUsed(ctx, userID, feature); err != nil {
		return storeErr(err)
	}
	return nil
}

// RecordUsage 记录一次已放行的功能调用：
// 有本地订阅时累加订阅计数，否则消耗试用
func (s *FeatureGateService) RecordUsage(ctx context.Context, userID int64, feature string) (*dto.UsageResponse, error) {
	if !model.IsKnownFeature(feature) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	if userID <= 0 {
		return nil, ErrUnauthorized
	}

	resp := &dto.UsageResponse{Feature: feature}
	if s.isOwner(userID) {
		resp.Subscribed = true
		return resp, nil
	}

	sub, err := s.subRepo.GetActiveByUser(ctx, userID)
	if err == nil {
		if err := s.subRepo.IncrementUsage(ctx, sub.ID, usageColumn(feature)); err != nil {
			return nil, storeErr(err)
		}
		resp.Subscribed = true
		return resp, nil
	}
	if !repository.IsNotFound(err) {
		log.Printf("Failed to load subscription for user %d: %v", userID, err)
	}

	if err := s.MarkFeatureUsed(ctx, userID, feature); err != nil {
		return nil, err
	}
	resp.TrialConsumed = true
	return resp, nil
}

func (s *FeatureGateService) subscribed(ctx context.Context, userID int64) bool {
	active, err := s.subRepo.HasActive(ctx, userID)
	if err != nil {
		log.Printf("Failed to check local subscription for user %d: %v", userID, err)
	} else if active {
		return true
	}

	if s.provider == nil {
		return false
	}
	info, err := s.provider.CustomerInfo(ctx, userID)
	if err != nil {
		log.Printf("Failed to fetch provider snapshot for user %d: %v", userID, err)
		return false
	}
	return info.HasActiveAt(time.Now())
}

func (s *FeatureGateService) isOwner(userID int64) bool {
	return s.cfg.Entitlement.OwnerUserID > 0 && userID == s.cfg.Entitlement.OwnerUserID
}

func usageColumn(feature string) string {
	if feature == model.FeatureImage {
		return "image_generations_used"
	}
	return "dream_analyses_used"
}
