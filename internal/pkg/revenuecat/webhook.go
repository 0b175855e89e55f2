package revenuecat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// 回调事件类型
const (
	EventInitialPurchase     = "INITIAL_PURCHASE"
	EventRenewal             = "RENEWAL"
	EventProductChange       = "PRODUCT_CHANGE"
	EventUncancellation      = "UNCANCELLATION"
	EventNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	EventCancellation        = "CANCELLATION"
	EventExpiration          = "EXPIRATION"
	EventTransfer            = "TRANSFER"
	EventBillingIssue        = "BILLING_ISSUE"
	EventSubscriberAlias     = "SUBSCRIBER_ALIAS"
	EventTest                = "TEST"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

type WebhookEvent struct {
	ID                    string   `json:"id"`
	Type                  string   `json:"type"`
	AppUserID             string   `json:"app_user_id"`
	OriginalAppUserID     string   `json:"original_app_user_id"`
	ProductID             string   `json:"product_id"`
	NewProductID          string   `json:"new_product_id"`
	EntitlementIDs        []string `json:"entitlement_ids"`
	TransactionID         string   `json:"transaction_id"`
	OriginalTransactionID string   `json:"original_transaction_id"`
	PurchasedAtMs         int64    `json:"purchased_at_ms"`
	ExpirationAtMs        int64    `json:"expiration_at_ms"`
	EventTimestampMs      int64    `json:"event_timestamp_ms"`
	TransferredFrom       []string `json:"transferred_from"`
	TransferredTo         []string `json:"transferred_to"`
	Store                 string   `json:"store"`
	Environment           string   `json:"environment"`
}

type WebhookPayload struct {
	APIVersion string       `json:"api_version"`
	Event      WebhookEvent `json:"event"`
}

// ParseWebhook 解析回调请求体，事件 ID 与类型必填
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrInvalidPayload
	}
	if payload.Event.ID == "" || payload.Event.Type == "" {
		return nil, ErrInvalidPayload
	}
	return &payload, nil
}

// EffectiveProductID 套餐变更事件以新商品为准
func (e *WebhookEvent) EffectiveProductID() string {
	if e.Type == EventProductChange && e.NewProductID != "" {
		return e.NewProductID
	}
	return e.ProductID
}

// EntitlementKey 事件所属的权益标识
func (e *WebhookEvent) EntitlementKey() string {
	if len(e.EntitlementIDs) > 0 && e.EntitlementIDs[0] != "" {
		return e.EntitlementIDs[0]
	}
	return e.EffectiveProductID()
}

func (e *WebhookEvent) PurchasedAt() time.Time {
	return time.UnixMilli(e.PurchasedAtMs)
}

// ExpiresAt 非续期购买没有到期时间时返回 nil
func (e *WebhookEvent) ExpiresAt() *time.Time {
	if e.ExpirationAtMs <= 0 {
		return nil
	}
	t := time.UnixMilli(e.ExpirationAtMs)
	return &t
}

// VerifyAuthorization 比对回调 Authorization 头与配置中的 bcrypt 哈希
func VerifyAuthorization(header, hash string) bool {
	if header == "" || hash == "" {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
