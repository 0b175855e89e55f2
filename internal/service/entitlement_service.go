package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/model"
	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
)

// subscriptionNamespace 没有交易号时生成确定性订阅 ID 的命名空间
var subscriptionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("dream-journal/subscription"))

// Locker 按用户串行化权益写入
type Locker interface {
	Acquire(ctx context.Context, userID int64) (func(), error)
}

// StripeSubscription Stripe 订阅对象中对账需要的字段
type StripeSubscription struct {
	CustomerID        string
	SubscriptionID    string
	PriceID           string
	Status            string
	PeriodStart       int64
	PeriodEnd         int64
	CancelAtPeriodEnd bool
}

// IsActive active 与 trialing 视为生效
func (s StripeSubscription) IsActive() bool {
	return s.Status == "active" || s.Status == "trialing"
}

type EntitlementService struct {
	subRepo      *repository.SubscriptionRepository
	customerRepo *repository.CustomerRepository
	provider     PurchaseProvider
	locker       Locker
	catalog      *Catalog
	cfg          *config.Config
}

func NewEntitlementService(
	subRepo *repository.SubscriptionRepository,
	customerRepo *repository.CustomerRepository,
	provider PurchaseProvider,
	locker Locker,
	cfg *config.Config,
) *EntitlementService {
	return &EntitlementService{
		subRepo:      subRepo,
		customerRepo: customerRepo,
		provider:     provider,
		locker:       locker,
		catalog:      NewCatalog(cfg.Entitlement),
		cfg:          cfg,
	}
}

func (s *EntitlementService) Catalog() *Catalog {
	return s.catalog
}

// Reconcile 以支付渠道快照为准，使本地权益记录收敛：
// 有生效权益时保证恰好一条 active 记录，没有时全部置为 canceled
func (s *EntitlementService) Reconcile(ctx context.Context, userID int64, info *dto.CustomerInfo) (*dto.SyncResult, error) {
	if userID <= 0 {
		return failedResult(ErrUnauthorized), ErrUnauthorized
	}

	release, err := s.lock(ctx, userID)
	if err != nil {
		return failedResult(err), err
	}
	defer release()

	if !info.HasActive() {
		if _, err := s.subRepo.CancelActiveByUser(ctx, userID); err != nil {
			wrapped := storeErr(err)
			return failedResult(wrapped), wrapped
		}
		return &dto.SyncResult{Success: true, Status: model.SubscriptionStatusCanceled}, nil
	}

	sel, err := s.catalog.Select(info.Entitlements.Active)
	if err != nil {
		return failedResult(err), err
	}

	start := sel.Detail.PurchaseDate
	if start.IsZero() {
		start = time.Now()
	}
	end := start.Add(s.cfg.Entitlement.DefaultPeriod())
	if sel.Detail.ExpirationDate != nil {
		end = *sel.Detail.ExpirationDate
	}

	return s.activate(ctx, &model.Subscription{
		UserID:             userID,
		CustomerID:         model.NativeCustomerID(userID),
		SubscriptionID:     subscriptionIDFor(userID, sel.Detail),
		PriceID:            sel.Product.PriceID,
		ProductID:          sel.Product.ProductID,
		Tier:               sel.Product.Tier,
		Provider:           model.ProviderRevenueCat,
		CurrentPeriodStart: start.Unix(),
		CurrentPeriodEnd:   end.Unix(),
	})
}

// ReconcileWithRetry 对暂时性失败按线性退避重试；
// 重试耗尽后返回带 Warning 的结果和 ErrSyncDeferred，已写入的数据不回滚
func (s *EntitlementService) ReconcileWithRetry(ctx context.Context, userID int64, info *dto.CustomerInfo) (*dto.SyncResult, error) {
	return s.withRetry(ctx, userID, func() (*dto.SyncResult, error) {
		return s.Reconcile(ctx, userID, info)
	})
}

// RestoreFromProvider 恢复购买：拉取实时快照后对账
func (s *EntitlementService) RestoreFromProvider(ctx context.Context, userID int64) (*dto.SyncResult, error) {
	if userID <= 0 {
		return failedResult(ErrUnauthorized), ErrUnauthorized
	}
	if s.provider == nil {
		return failedResult(ErrProviderUnavailable), ErrProviderUnavailable
	}
	if inv, ok := s.provider.(SnapshotInvalidator); ok {
		if err := inv.Invalidate(ctx, userID); err != nil {
			log.Printf("Failed to invalidate snapshot for user %d: %v", userID, err)
		}
	}

	return s.withRetry(ctx, userID, func() (*dto.SyncResult, error) {
		info, err := s.provider.CustomerInfo(ctx, userID)
		if err != nil {
			if !errors.Is(err, ErrProviderUnavailable) {
				err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
			}
			return failedResult(err), err
		}
		return s.Reconcile(ctx, userID, info)
	})
}

func (s *EntitlementService) withRetry(ctx context.Context, userID int64, fn func() (*dto.SyncResult, error)) (*dto.SyncResult, error) {
	attempts := s.cfg.Sync.Attempts()
	backoff := s.cfg.Sync.Backoff()

	var result *dto.SyncResult
	var err error
retry:
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		log.Printf("Entitlement sync attempt %d/%d failed for user %d: %v", attempt, attempts, userID, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}

	if result == nil {
		result = failedResult(err)
	}
	result.Warning = "entitlement sync did not complete, it will be retried on the next sync"
	return result, fmt.Errorf("%w: %w", ErrSyncDeferred, err)
}

// ApplyStripeSubscription 根据 Stripe 订阅状态写入或取消权益
func (s *EntitlementService) ApplyStripeSubscription(ctx context.Context, userID int64, sub StripeSubscription) (*dto.SyncResult, error) {
	if userID <= 0 {
		return failedResult(ErrUnauthorized), ErrUnauthorized
	}

	release, err := s.lock(ctx, userID)
	if err != nil {
		return failedResult(err), err
	}
	defer release()

	if !sub.IsActive() {
		if _, err := s.subRepo.CancelActiveBySubscriptionID(ctx, userID, sub.SubscriptionID); err != nil {
			wrapped := storeErr(err)
			return failedResult(wrapped), wrapped
		}
		return &dto.SyncResult{Success: true, Status: model.SubscriptionStatusCanceled, SubscriptionID: sub.SubscriptionID}, nil
	}

	product, ok := s.catalog.LookupPrice(sub.PriceID)
	if !ok {
		err := fmt.Errorf("%w: price %s", ErrUnknownProduct, sub.PriceID)
		return failedResult(err), err
	}

	start, end := sub.PeriodStart, sub.PeriodEnd
	if start == 0 {
		start = time.Now().Unix()
	}
	if end == 0 {
		end = time.Unix(start, 0).Add(s.cfg.Entitlement.DefaultPeriod()).Unix()
	}

	return s.activate(ctx, &model.Subscription{
		UserID:             userID,
		CustomerID:         sub.CustomerID,
		SubscriptionID:     sub.SubscriptionID,
		PriceID:            product.PriceID,
		ProductID:          product.ProductID,
		Tier:               product.Tier,
		Provider:           model.ProviderStripe,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	})
}

// activate 确保客户身份存在，再用新记录替换用户现有 active 记录
func (s *EntitlementService) activate(ctx context.Context, sub *model.Subscription) (*dto.SyncResult, error) {
	if err := s.ensureCustomer(ctx, sub.UserID, sub.Provider, sub.CustomerID); err != nil {
		wrapped := storeErr(err)
		return failedResult(wrapped), wrapped
	}

	sub.Status = model.SubscriptionStatusActive
	sub.DreamAnalysesUsed = 0
	sub.ImageGenerationsUsed = 0
	if err := s.subRepo.Replace(ctx, sub); err != nil {
		wrapped := storeErr(err)
		return failedResult(wrapped), wrapped
	}

	return &dto.SyncResult{
		Success:        true,
		Status:         model.SubscriptionStatusActive,
		SubscriptionID: sub.SubscriptionID,
		PriceID:        sub.PriceID,
		Tier:           sub.Tier,
	}, nil
}

func (s *EntitlementService) ensureCustomer(ctx context.Context, userID int64, provider, customerID string) error {
	existing, err := s.customerRepo.GetByUserID(ctx, userID, provider)
	if err == nil {
		if provider == model.ProviderStripe && customerID != "" && existing.CustomerID != customerID {
			return s.customerRepo.UpdateCustomerID(ctx, existing.ID, customerID)
		}
		return nil
	}
	if !repository.IsNotFound(err) {
		return err
	}

	err = s.customerRepo.Create(ctx, &model.Customer{
		UserID:     userID,
		Provider:   provider,
		CustomerID: customerID,
	})
	// 并发请求已创建
	if repository.IsDuplicate(err) {
		return nil
	}
	return err
}

// TransferEntitlement 把 from 用户的权益记录转给 to 用户，订阅历史保留
func (s *EntitlementService) TransferEntitlement(ctx context.Context, fromUserID, toUserID int64) (int64, error) {
	if fromUserID <= 0 || toUserID <= 0 || fromUserID == toUserID {
		return 0, ErrInvalidTransfer
	}

	// 固定加锁顺序避免死锁
	first, second := fromUserID, toUserID
	if first > second {
		first, second = second, first
	}
	release1, err := s.lock(ctx, first)
	if err != nil {
		return 0, err
	}
	defer release1()
	release2, err := s.lock(ctx, second)
	if err != nil {
		return 0, err
	}
	defer release2()

	moved, err := s.subRepo.Transfer(ctx, fromUserID, toUserID)
	if err != nil {
		return 0, storeErr(err)
	}
	log.Printf("Transferred %d entitlement records from user %d to user %d", moved, fromUserID, toUserID)
	return moved, nil
}

// MarkCanceled 取消用户所有 active 记录，没有时为空操作
func (s *EntitlementService) MarkCanceled(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, ErrUnauthorized
	}

	release, err := s.lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer release()

	affected, err := s.subRepo.CancelActiveByUser(ctx, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	return affected, nil
}

// GetStatus 当前生效的权益
func (s *EntitlementService) GetStatus(ctx context.Context, userID int64) (*dto.EntitlementStatusResponse, error) {
	if userID <= 0 {
		return nil, ErrUnauthorized
	}

	resp := &dto.EntitlementStatusResponse{IsOwner: s.isOwner(userID)}
	sub, err := s.subRepo.GetActiveByUser(ctx, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return resp, nil
		}
		return nil, err
	}

	periodEnd := sub.PeriodEnd()
	resp.Active = true
	resp.Tier = sub.Tier
	resp.ProductID = sub.ProductID
	resp.PriceID = sub.PriceID
	resp.SubscriptionID = sub.SubscriptionID
	resp.Provider = sub.Provider
	resp.CurrentPeriodEnd = &periodEnd
	resp.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	resp.DreamAnalysesUsed = sub.DreamAnalysesUsed
	resp.ImageGenerationsUsed = sub.ImageGenerationsUsed
	return resp, nil
}

// ExpireLapsed 取消周期已结束的 active 记录，补偿可能丢失的到期回调
func (s *EntitlementService) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	affected, err := s.subRepo.ExpireLapsed(ctx, now.Unix())
	if err != nil {
		return 0, storeErr(err)
	}
	return affected, nil
}

// ListLapsed 列出待过期记录，不做修改
func (s *EntitlementService) ListLapsed(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	return s.subRepo.ListLapsed(ctx, now.Unix())
}

func (s *EntitlementService) isOwner(userID int64) bool {
	return s.cfg.Entitlement.OwnerUserID > 0 && userID == s.cfg.Entitlement.OwnerUserID
}

func (s *EntitlementService) lock(ctx context.Context, userID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	return release, nil
}

func subscriptionIDFor(userID int64, d dto.EntitlementDetail) string {
	if d.TransactionIdentifier != "" {
		return d.TransactionIdentifier
	}
	name := fmt.Sprintf("%d|%s|%d", userID, d.ProductIdentifier, d.PurchaseDate.Unix())
	return uuid.NewSHA1(subscriptionNamespace, []byte(name)).String()
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreWrite, err)
}

func failedResult(err error) *dto.SyncResult {
	result := &dto.SyncResult{Success: false}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
