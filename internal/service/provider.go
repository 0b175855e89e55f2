package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/cache"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/revenuecat"
)

// PurchaseProvider 查询用户在支付渠道侧的实时权益
type PurchaseProvider interface {
	CustomerInfo(ctx context.Context, userID int64) (*dto.CustomerInfo, error)
}

// SnapshotInvalidator 权益变化后丢弃缓存快照
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// RevenueCatProvider 基于 REST API 的实现，可选 Redis 快照缓存
type RevenueCatProvider struct {
	client *revenuecat.Client
	cache  *cache.SnapshotCache
	now    func() time.Time
}

func NewRevenueCatProvider(client *revenuecat.Client, snapshotCache *cache.SnapshotCache) *RevenueCatProvider {
	return &RevenueCatProvider{
		client: client,
		cache:  snapshotCache,
		now:    time.Now,
	}
}

func (p *RevenueCatProvider) CustomerInfo(ctx context.Context, userID int64) (*dto.CustomerInfo, error) {
	if p.cache != nil {
		var cached dto.CustomerInfo
		hit, err := p.cache.Get(ctx, userID, &cached)
		if err != nil {
			log.Printf("Snapshot cache read failed for user %d: %v", userID, err)
		} else if hit {
			// 缓存期间可能有权益到期
			cached.PruneExpired(p.now())
			return &cached, nil
		}
	}

	subscriber, err := p.client.GetSubscriber(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	info := customerInfoFromSubscriber(subscriber, p.now())

	if p.cache != nil {
		if err := p.cache.Set(ctx, userID, info); err != nil {
			log.Printf("Snapshot cache write failed for user %d: %v", userID, err)
		}
	}
	return info, nil
}

func (p *RevenueCatProvider) Invalidate(ctx context.Context, userID int64) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Invalidate(ctx, userID)
}

// customerInfoFromSubscriber 把 REST 响应转换成客户端 SDK 同样的快照结构
func customerInfoFromSubscriber(s *revenuecat.Subscriber, now time.Time) *dto.CustomerInfo {
	active := make(map[string]dto.EntitlementDetail)
	for key, ent := range s.Entitlements {
		if !ent.IsActive(now) {
			continue
		}
		active[key] = dto.EntitlementDetail{
			Identifier:            key,
			ProductIdentifier:     ent.ProductIdentifier,
			TransactionIdentifier: s.TransactionID(ent.ProductIdentifier),
			IsActive:              dto.Flag(true),
			PurchaseDate:          ent.PurchaseDate,
			ExpirationDate:        ent.ExpiresDate,
		}
	}
	return &dto.CustomerInfo{Entitlements: dto.EntitlementSet{Active: active}}
}

// customerInfoFromEvent 用单个回调事件构造只含一个权益的快照
func customerInfoFromEvent(e *revenuecat.WebhookEvent) *dto.CustomerInfo {
	key := e.EntitlementKey()
	return &dto.CustomerInfo{Entitlements: dto.EntitlementSet{Active: map[string]dto.EntitlementDetail{
		key: {
			Identifier:            key,
			ProductIdentifier:     e.EffectiveProductID(),
			TransactionIdentifier: e.TransactionID,
			IsActive:              dto.Flag(true),
			PurchaseDate:          e.PurchasedAt(),
			ExpirationDate:        e.ExpiresAt(),
		},
	}}}
}
