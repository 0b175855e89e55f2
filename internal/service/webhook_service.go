package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
	"gorm.io/datatypes"

	"github.com/qs3c/dream_entitlement_server/internal/model"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/pubsub"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/revenuecat"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/stripeapi"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
)

// PayloadArchiver 原始回调归档
type PayloadArchiver interface {
	ArchiveWebhookPayload(provider, eventID string, data []byte) (string, error)
}

// EntitlementPublisher 权益变化通知
type EntitlementPublisher interface {
	PublishEntitlement(ctx context.Context, msg *pubsub.EntitlementMessage) error
}

// StripeCustomerDirectory 按 Stripe 客户 ID 查询 metadata 中的用户 ID
type StripeCustomerDirectory interface {
	LookupUserID(ctx context.Context, customerID string) (string, error)
}

// WebhookService 回调的幂等落库与状态机处理
type WebhookService struct {
	eventRepo       *repository.WebhookEventRepository
	customerRepo    *repository.CustomerRepository
	entitlements    *EntitlementService
	snapshots       SnapshotInvalidator
	archiver        PayloadArchiver
	publisher       EntitlementPublisher
	stripeCustomers StripeCustomerDirectory
}

func NewWebhookService(
	eventRepo *repository.WebhookEventRepository,
	customerRepo *repository.CustomerRepository,
	entitlements *EntitlementService,
) *WebhookService {
	return &WebhookService{
		eventRepo:    eventRepo,
		customerRepo: customerRepo,
		entitlements: entitlements,
	}
}

// SetSnapshotInvalidator 处理完成后丢弃受影响用户的缓存快照
func (s *WebhookService) SetSnapshotInvalidator(inv SnapshotInvalidator) {
	s.snapshots = inv
}

func (s *WebhookService) SetArchiver(archiver PayloadArchiver) {
	s.archiver = archiver
}

func (s *WebhookService) SetPublisher(publisher EntitlementPublisher) {
	s.publisher = publisher
}

// SetStripeCustomers 本地没有客户记录时回源 Stripe 查询
func (s *WebhookService) SetStripeCustomers(directory StripeCustomerDirectory) {
	s.stripeCustomers = directory
}

// RecordRevenueCat 解析并落库 RevenueCat 回调，created=false 表示重复投递
func (s *WebhookService) RecordRevenueCat(ctx context.Context, body []byte) (*model.WebhookEvent, bool, error) {
	payload, err := revenuecat.ParseWebhook(body)
	if err != nil {
		return nil, false, err
	}

	event := &model.WebhookEvent{
		Provider:        model.ProviderRevenueCat,
		ProviderEventID: payload.Event.ID,
		EventType:       payload.Event.Type,
		AppUserID:       payload.Event.AppUserID,
		Payload:         datatypes.JSON(body),
	}
	created, err := s.eventRepo.CreateIfNotExists(ctx, event)
	if err != nil {
		return nil, false, storeErr(err)
	}
	return event, created, nil
}

// RecordStripe 落库已验签的 Stripe 事件
func (s *WebhookService) RecordStripe(ctx context.Context, eventID, eventType string, body []byte) (*model.WebhookEvent, bool, error) {
	event := &model.WebhookEvent{
		Provider:        model.ProviderStripe,
		ProviderEventID: eventID,
		EventType:       eventType,
		Payload:         datatypes.JSON(body),
	}
	created, err := s.eventRepo.CreateIfNotExists(ctx, event)
	if err != nil {
		return nil, false, storeErr(err)
	}
	return event, created, nil
}

// Process 处理一条已落库的回调，已处理过的直接跳过
// 暂时性失败不标记完成，留给补偿任务重试；其他失败记录错误后标记完成
func (s *WebhookService) Process(ctx context.Context, id int64) error {
	event, err := s.eventRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if event.ProcessedAt != nil {
		return nil
	}

	var changes []change
	var procErr error
	switch event.Provider {
	case model.ProviderRevenueCat:
		changes, procErr = s.processRevenueCat(ctx, event)
	case model.ProviderStripe:
		changes, procErr = s.processStripe(ctx, event)
	default:
		procErr = fmt.Errorf("unsupported provider %q", event.Provider)
	}

	if procErr != nil {
		log.Printf("Webhook %s/%s failed: %v", event.Provider, event.ProviderEventID, procErr)
		if IsTransient(procErr) {
			if err := s.eventRepo.SetProcessingError(ctx, event.ID, procErr.Error()); err != nil {
				log.Printf("Failed to record webhook error %d: %v", event.ID, err)
			}
			return procErr
		}
	}

	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	if err := s.eventRepo.MarkProcessed(ctx, event.ID, errMsg); err != nil {
		return err
	}

	s.archive(ctx, event)
	s.notify(ctx, event, changes)

	return procErr
}

// change 一次回调导致权益变化的用户
type change struct {
	userID int64
	active bool
	tier   string
}

func (s *WebhookService) processRevenueCat(ctx context.Context, event *model.WebhookEvent) ([]change, error) {
	payload, err := revenuecat.ParseWebhook(event.Payload)
	if err != nil {
		return nil, err
	}
	e := &payload.Event

	switch e.Type {
	case revenuecat.EventInitialPurchase,
		revenuecat.EventRenewal,
		revenuecat.EventProductChange,
		revenuecat.EventUncancellation,
		revenuecat.EventNonRenewingPurchase:
		userID, err := parseAppUserID(e.AppUserID)
		if err != nil {
			return nil, err
		}
		// 重试耗尽时 ErrSyncDeferred 包着暂时性原因，回调保持未处理等待重投
		result, err := s.entitlements.ReconcileWithRetry(ctx, userID, customerInfoFromEvent(e))
		if err != nil {
			return nil, err
		}
		return []change{{userID: userID, active: result.Success, tier: result.Tier}}, nil

	case revenuecat.EventCancellation, revenuecat.EventExpiration:
		userID, err := parseAppUserID(e.AppUserID)
		if err != nil {
			return nil, err
		}
		if _, err := s.entitlements.MarkCanceled(ctx, userID); err != nil {
			return nil, err
		}
		return []change{{userID: userID}}, nil

	case revenuecat.EventTransfer:
		if len(e.TransferredFrom) == 0 || len(e.TransferredTo) == 0 {
			return nil, fmt.Errorf("%w: transfer without users", ErrInvalidTransfer)
		}
		from, err := parseAppUserID(e.TransferredFrom[0])
		if err != nil {
			return nil, err
		}
		to, err := parseAppUserID(e.TransferredTo[0])
		if err != nil {
			return nil, err
		}
		if _, err := s.entitlements.TransferEntitlement(ctx, from, to); err != nil {
			return nil, err
		}
		status, err := s.entitlements.GetStatus(ctx, to)
		if err != nil {
			return []change{{userID: from}}, nil
		}
		return []change{{userID: from}, {userID: to, active: status.Active, tier: status.Tier}}, nil

	default:
		return nil, nil
	}
}

func (s *WebhookService) processStripe(ctx context.Context, event *model.WebhookEvent) ([]change, error) {
	var se stripe.Event
	if err := json.Unmarshal(event.Payload, &se); err != nil {
		return nil, fmt.Errorf("invalid stripe event: %w", err)
	}

	switch se.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
	default:
		return nil, nil
	}
	if se.Data == nil {
		return nil, fmt.Errorf("stripe event %s without data", se.ID)
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("invalid stripe subscription: %w", err)
	}

	state := stripeSubscriptionState(&sub)
	userID, err := s.resolveStripeUser(ctx, &sub, state.CustomerID)
	if err != nil {
		return nil, err
	}

	if se.Type == "customer.subscription.deleted" {
		state.Status = string(stripe.SubscriptionStatusCanceled)
	}
	result, err := s.entitlements.ApplyStripeSubscription(ctx, userID, state)
	if err != nil {
		return nil, err
	}
	return []change{{userID: userID, active: result.Status == model.SubscriptionStatusActive, tier: result.Tier}}, nil
}

// resolveStripeUser 依次使用订阅 metadata、本地客户记录、Stripe 客户 metadata
func (s *WebhookService) resolveStripeUser(ctx context.Context, sub *stripe.Subscription, customerID string) (int64, error) {
	if raw, ok := sub.Metadata[stripeapi.UserIDMetadataKey]; ok {
		return parseAppUserID(raw)
	}
	if customerID == "" {
		return 0, fmt.Errorf("%w: subscription %s has no customer", ErrUnknownAppUser, sub.ID)
	}
	customer, err := s.customerRepo.GetByCustomerID(ctx, model.ProviderStripe, customerID)
	if err == nil {
		return customer.UserID, nil
	}
	if !repository.IsNotFound(err) {
		return 0, storeErr(err)
	}
	if s.stripeCustomers == nil {
		return 0, fmt.Errorf("%w: stripe customer %s", ErrUnknownAppUser, customerID)
	}

	raw, err := s.stripeCustomers.LookupUserID(ctx, customerID)
	if err != nil {
		if errors.Is(err, stripeapi.ErrCustomerNotFound) {
			return 0, fmt.Errorf("%w: stripe customer %s", ErrUnknownAppUser, customerID)
		}
		return 0, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if raw == "" {
		return 0, fmt.Errorf("%w: stripe customer %s has no user_id", ErrUnknownAppUser, customerID)
	}
	return parseAppUserID(raw)
}

func stripeSubscriptionState(sub *stripe.Subscription) StripeSubscription {
	state := StripeSubscription{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		PeriodStart:       sub.CurrentPeriodStart,
		PeriodEnd:         sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		state.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				state.PriceID = item.Price.ID
				break
			}
		}
	}
	return state
}

func (s *WebhookService) archive(ctx context.Context, event *model.WebhookEvent) {
	if s.archiver == nil {
		return
	}
	url, err := s.archiver.ArchiveWebhookPayload(event.Provider, event.ProviderEventID, event.Payload)
	if err != nil {
		log.Printf("Failed to archive webhook %s/%s: %v", event.Provider, event.ProviderEventID, err)
		return
	}
	if err := s.eventRepo.SetArchiveURL(ctx, event.ID, url); err != nil {
		log.Printf("Failed to save archive url for webhook %d: %v", event.ID, err)
	}
}

func (s *WebhookService) notify(ctx context.Context, event *model.WebhookEvent, changes []change) {
	for _, c := range changes {
		if s.snapshots != nil {
			if err := s.snapshots.Invalidate(ctx, c.userID); err != nil {
				log.Printf("Failed to invalidate snapshot for user %d: %v", c.userID, err)
			}
		}
		if s.publisher != nil {
			err := s.publisher.PublishEntitlement(ctx, &pubsub.EntitlementMessage{
				UserID:    c.userID,
				Active:    c.active,
				Tier:      c.tier,
				Source:    event.Provider,
				EventType: event.EventType,
			})
			if err != nil {
				log.Printf("Failed to publish entitlement update for user %d: %v", c.userID, err)
			}
		}
	}
}

// RetryUnprocessed 补处理超过 olderThan 仍未处理的回调，返回处理条数
func (s *WebhookService) RetryUnprocessed(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	events, err := s.eventRepo.ListUnprocessed(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, e := range events {
		if err := s.Process(ctx, e.ID); err != nil {
			log.Printf("Retry of webhook %d failed: %v", e.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

func parseAppUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAppUser, raw)
	}
	return id, nil
}
