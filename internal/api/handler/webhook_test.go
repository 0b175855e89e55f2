package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/qs3c/dream_entitlement_server/internal/model"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/queue"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
	"github.com/qs3c/dream_entitlement_server/internal/service"
	"github.com/qs3c/dream_entitlement_server/internal/testutil"
)

const (
	testWebhookAuth   = "rc_webhook_secret"
	testStripeSecret  = "whsec_test_secret"
	webhookTestUserID = 40
)

func setupWebhookRouter(t *testing.T, jobQueue JobQueue) (*gin.Engine, *gorm.DB, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	customerRepo := repository.NewCustomerRepository(db)
	svc := service.NewWebhookService(
		repository.NewWebhookEventRepository(db),
		customerRepo,
		newEntitlementService(db, nil),
	)

	hash, err := bcrypt.GenerateFromPassword([]byte(testWebhookAuth), bcrypt.MinCost)
	require.NoError(t, err)

	handler := NewWebhookHandler(svc, jobQueue, string(hash), testStripeSecret)

	router := gin.New()
	router.POST("/webhooks/revenuecat", handler.RevenueCat)
	router.POST("/webhooks/stripe", handler.Stripe)

	return router, db, func() { testutil.CleanupTestDB(t, db) }
}

func revenueCatPayload(id, eventType string, userID int64) []byte {
	purchased := time.Now().Add(-time.Minute)
	return []byte(fmt.Sprintf(`{"api_version":"1.0","event":{"id":%q,"type":%q,"app_user_id":"%d","product_id":"dream_premium_monthly","entitlement_ids":["premium"],"transaction_id":"txn_%s","purchased_at_ms":%d,"expiration_at_ms":%d}}`,
		id, eventType, userID, id, purchased.UnixMilli(), purchased.Add(30*24*time.Hour).UnixMilli()))
}

func postRaw(router http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestWebhookHandler_RevenueCat_Unauthorized(t *testing.T) {
	router, _, cleanup := setupWebhookRouter(t, nil)
	defer cleanup()

	body := revenueCatPayload("evt_h0", "INITIAL_PURCHASE", webhookTestUserID)

	w := postRaw(router, "/webhooks/revenuecat", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postRaw(router, "/webhooks/revenuecat", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookHandler_RevenueCat_InvalidPayload(t *testing.T) {
	router, _, cleanup := setupWebhookRouter(t, nil)
	defer cleanup()

	w := postRaw(router, "/webhooks/revenuecat", []byte(`{"event":{}}`), map[string]string{"Authorization": testWebhookAuth})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandler_RevenueCat_ProcessedInline(t *testing.T) {
	router, db, cleanup := setupWebhookRouter(t, nil)
	defer cleanup()

	body := revenueCatPayload("evt_h1", "INITIAL_PURCHASE", webhookTestUserID)
	headers := map[string]string{"Authorization": "Bearer " + testWebhookAuth}

	w := postRaw(router, "/webhooks/revenuecat", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	resp := parseBody(t, w)
	assert.Equal(t, true, resp["received"])
	assert.Equal(t, false, resp["duplicate"])
	assert.Equal(t, int64(1), testutil.CountActive(t, db, webhookTestUserID))

	// 重复投递只确认不再处理
	w = postRaw(router, "/webhooks/revenuecat", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	resp = parseBody(t, w)
	assert.Equal(t, true, resp["duplicate"])

	var count int64
	require.NoError(t, db.Model(&model.Subscription{}).Where("user_id = ?", webhookTestUserID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestWebhookHandler_RevenueCat_Queued(t *testing.T) {
	rdb, _, closeRedis := testutil.SetupTestRedis(t)
	defer closeRedis()

	jobQueue := queue.NewQueue(rdb, "test_webhooks")
	router, db, cleanup := setupWebhookRouter(t, jobQueue)
	defer cleanup()

	w := postRaw(router, "/webhooks/revenuecat", revenueCatPayload("evt_h2", "RENEWAL", webhookTestUserID),
		map[string]string{"Authorization": testWebhookAuth})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, parseBody(t, w)["queued"])

	// 入队后由 worker 处理
	assert.Equal(t, int64(0), testutil.CountActive(t, db, webhookTestUserID))

	job, err := jobQueue.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.ProviderRevenueCat, job.Provider)
	assert.Equal(t, "RENEWAL", job.EventType)
	assert.NotZero(t, job.EventID)
}

func TestWebhookHandler_RevenueCat_TransientFailure(t *testing.T) {
	tests := []struct {
		name      string
		eventID   string
		eventType string
	}{
		{name: "expiration", eventID: "evt_h3", eventType: "EXPIRATION"},
		{name: "purchase deferred after retries", eventID: "evt_h4", eventType: "INITIAL_PURCHASE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, db, cleanup := setupWebhookRouter(t, nil)
			defer cleanup()

			testutil.BreakTable(t, db, &model.Subscription{})

			w := postRaw(router, "/webhooks/revenuecat", revenueCatPayload(tt.eventID, tt.eventType, webhookTestUserID),
				map[string]string{"Authorization": testWebhookAuth})
			assert.Equal(t, http.StatusInternalServerError, w.Code)

			// 事件保持未处理，重投或补偿任务会再次处理
			stored, err := repository.NewWebhookEventRepository(db).GetByProviderEventID(context.Background(), model.ProviderRevenueCat, tt.eventID)
			require.NoError(t, err)
			assert.Nil(t, stored.ProcessedAt)
		})
	}
}

func stripePayload(id, eventType, status string, userID int64) []byte {
	now := time.Now()
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":{"id":"sub_h","object":"subscription","customer":"cus_h","status":%q,"current_period_start":%d,"current_period_end":%d,"metadata":{"user_id":"%d"},"items":{"object":"list","data":[{"id":"si_h","object":"subscription_item","price":{"id":"price_premium_monthly","object":"price"}}]}}}}`,
		id, eventType, status, now.Unix(), now.Add(30*24*time.Hour).Unix(), userID))
}

func signStripe(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestWebhookHandler_Stripe(t *testing.T) {
	router, db, cleanup := setupWebhookRouter(t, nil)
	defer cleanup()

	body := stripePayload("evt_st1", "customer.subscription.created", "active", 41)

	w := postRaw(router, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": signStripe(body, testStripeSecret)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), testutil.CountActive(t, db, 41))

	body = stripePayload("evt_st2", "customer.subscription.deleted", "canceled", 41)
	w = postRaw(router, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": signStripe(body, testStripeSecret)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), testutil.CountActive(t, db, 41))
}

func TestWebhookHandler_Stripe_BadSignature(t *testing.T) {
	router, db, cleanup := setupWebhookRouter(t, nil)
	defer cleanup()

	body := stripePayload("evt_st3", "customer.subscription.created", "active", 42)

	w := postRaw(router, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": signStripe(body, "whsec_other")})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postRaw(router, "/webhooks/stripe", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, int64(0), testutil.CountActive(t, db, 42))
}
