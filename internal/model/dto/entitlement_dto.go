package dto

import "time"

// EntitlementDetail 单个生效中的权益
// 字段名与客户端 SDK 的 CustomerInfo 保持一致
type EntitlementDetail struct {
	Identifier            string     `json:"identifier"`
	ProductIdentifier     string     `json:"productIdentifier"`
	TransactionIdentifier string     `json:"transactionIdentifier,omitempty"`
	IsActive              *bool      `json:"isActive,omitempty"`
	PurchaseDate          time.Time  `json:"latestPurchaseDate"`
	ExpirationDate        *time.Time `json:"expirationDate"`
}

type EntitlementSet struct {
	Active map[string]EntitlementDetail `json:"active"`
}

// CustomerInfo 支付渠道返回的客户快照，只读取 entitlements.active
type CustomerInfo struct {
	Entitlements EntitlementSet `json:"entitlements"`
}

// Flag 构造 isActive 字段
func Flag(v bool) *bool {
	return &v
}

// Active 未携带 isActive 时按生效处理
func (d EntitlementDetail) Active() bool {
	return d.IsActive == nil || *d.IsActive
}

// ActiveAt 额外检查到期时间
func (d EntitlementDetail) ActiveAt(now time.Time) bool {
	if !d.Active() {
		return false
	}
	return d.ExpirationDate == nil || d.ExpirationDate.After(now)
}

// HasActive 快照中是否存在生效权益
func (c *CustomerInfo) HasActive() bool {
	if c == nil {
		return false
	}
	for _, d := range c.Entitlements.Active {
		if d.Active() {
			return true
		}
	}
	return false
}

// HasActiveAt 快照在 now 时是否仍有未到期的权益，用于判断缓存快照
func (c *CustomerInfo) HasActiveAt(now time.Time) bool {
	if c == nil {
		return false
	}
	for _, d := range c.Entitlements.Active {
		if d.ActiveAt(now) {
			return true
		}
	}
	return false
}

// PruneExpired 去掉 now 时已不再生效的权益
func (c *CustomerInfo) PruneExpired(now time.Time) {
	if c == nil {
		return
	}
	for k, d := range c.Entitlements.Active {
		if !d.ActiveAt(now) {
			delete(c.Entitlements.Active, k)
		}
	}
}

// SyncResult 一次对账的结果
type SyncResult struct {
	Success        bool   `json:"success"`
	Status         string `json:"status,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	PriceID        string `json:"price_id,omitempty"`
	Tier           string `json:"tier,omitempty"`
	Error          string `json:"error,omitempty"`
	Warning        string `json:"warning,omitempty"`
}

// EntitlementStatusResponse GET /entitlements 响应
type EntitlementStatusResponse struct {
	Active               bool       `json:"active"`
	Tier                 string     `json:"tier,omitempty"`
	ProductID            string     `json:"product_id,omitempty"`
	PriceID              string     `json:"price_id,omitempty"`
	SubscriptionID       string     `json:"subscription_id,omitempty"`
	Provider             string     `json:"provider,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	DreamAnalysesUsed    int        `json:"dream_analyses_used"`
	ImageGenerationsUsed int        `json:"image_generations_used"`
	IsOwner              bool       `json:"is_owner"`
}

// TransferRequest 权益转移请求
type TransferRequest struct {
	FromUserID int64 `json:"from_user_id" binding:"required,gt=0"`
	ToUserID   int64 `json:"to_user_id" binding:"required,gt=0"`
}

// TransferResponse 权益转移结果
type TransferResponse struct {
	FromUserID int64 `json:"from_user_id"`
	ToUserID   int64 `json:"to_user_id"`
	Moved      int64 `json:"moved"`
}
