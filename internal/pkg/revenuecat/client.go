package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/qs3c/dream_entitlement_server/config"
)

var ErrUnavailable = errors.New("revenuecat unavailable")

// SubscriberEntitlement REST v1 subscriber.entitlements 中的一项
type SubscriberEntitlement struct {
	ProductIdentifier string     `json:"product_identifier"`
	PurchaseDate      time.Time  `json:"purchase_date"`
	ExpiresDate       *time.Time `json:"expires_date"`
}

// SubscriberSubscription REST v1 subscriber.subscriptions 中的一项
type SubscriberSubscription struct {
	StoreTransactionID    string     `json:"store_transaction_id"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	ExpiresDate           *time.Time `json:"expires_date"`
	UnsubscribeDetectedAt *time.Time `json:"unsubscribe_detected_at"`
}

type Subscriber struct {
	OriginalAppUserID string                            `json:"original_app_user_id"`
	Entitlements      map[string]SubscriberEntitlement  `json:"entitlements"`
	Subscriptions     map[string]SubscriberSubscription `json:"subscriptions"`
}

type subscriberResponse struct {
	Subscriber Subscriber `json:"subscriber"`
}

// IsActive 到期时间为空（永久）或晚于 now 即视为生效
func (e SubscriberEntitlement) IsActive(now time.Time) bool {
	return e.ExpiresDate == nil || e.ExpiresDate.After(now)
}

// TransactionID 返回权益对应商品的商店交易号
func (s *Subscriber) TransactionID(productID string) string {
	if sub, ok := s.Subscriptions[productID]; ok {
		return sub.StoreTransactionID
	}
	return ""
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 使用 secret API key 作为 bearer token 访问 REST API
func NewClient(cfg *config.RevenueCatConfig) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.APIKey,
		TokenType:   "Bearer",
	})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = cfg.Timeout()

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// GetSubscriber GET /v1/subscribers/{app_user_id}
func (c *Client) GetSubscriber(ctx context.Context, appUserID string) (*Subscriber, error) {
	endpoint := fmt.Sprintf("%s/v1/subscribers/%s", c.baseURL, url.PathEscape(appUserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 200))
	}

	var out subscriberResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode subscriber: %w", err)
	}
	return &out.Subscriber, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
