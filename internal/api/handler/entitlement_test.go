package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/api/middleware"
	"github.com/qs3c/dream_entitlement_server/internal/model"
	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
	"github.com/qs3c/dream_entitlement_server/internal/service"
	"github.com/qs3c/dream_entitlement_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testOwnerID int64 = 1

type testContext struct {
	DB *gorm.DB
}

type stubProvider struct {
	info *dto.CustomerInfo
	err  error
}

func (s *stubProvider) CustomerInfo(ctx context.Context, userID int64) (*dto.CustomerInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.info, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Entitlement: config.EntitlementConfig{
			OwnerUserID:       testOwnerID,
			DefaultPeriodDays: 30,
			Tiers:             []string{"basic", "premium"},
			Products: []config.ProductConfig{
				{ProductID: "dream_basic_monthly", Tier: "basic"},
				{ProductID: "dream_premium_monthly", Tier: "premium", PriceID: "price_premium_monthly"},
			},
		},
		Sync: config.SyncConfig{MaxAttempts: 2, BackoffMs: 1},
	}
}

func newEntitlementService(db *gorm.DB, provider service.PurchaseProvider) *service.EntitlementService {
	return service.NewEntitlementService(
		repository.NewSubscriptionRepository(db),
		repository.NewCustomerRepository(db),
		provider,
		nil,
		testConfig(),
	)
}

func setupEntitlementHandler(t *testing.T, provider service.PurchaseProvider) (*EntitlementHandler, *testContext, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	handler := NewEntitlementHandler(newEntitlementService(db, provider))

	ctx := &testContext{
		DB: db,
	}

	cleanup := func() {
		testutil.CleanupTestDB(t, db)
	}

	return handler, ctx, cleanup
}

func mockAuth(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func performRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

func premiumSnapshot(txn string) map[string]interface{} {
	purchased := time.Now().Add(-time.Hour).UTC()
	return map[string]interface{}{
		"entitlements": map[string]interface{}{
			"active": map[string]interface{}{
				"premium": map[string]interface{}{
					"identifier":            "premium",
					"productIdentifier":     "dream_premium_monthly",
					"transactionIdentifier": txn,
					"isActive":              true,
					"latestPurchaseDate":    purchased.Format(time.RFC3339),
					"expirationDate":        purchased.Add(30 * 24 * time.Hour).Format(time.RFC3339),
				},
			},
		},
	}
}

func TestEntitlementHandler_Sync_Success(t *testing.T) {
	handler, ctx, cleanup := setupEntitlementHandler(t, nil)
	defer cleanup()

	router := gin.New()
	router.Use(mockAuth(10))
	router.POST("/entitlements/sync", handler.Sync)

	w := performRequest(router, "POST", "/entitlements/sync", premiumSnapshot("txn_sync"))

	resp := parseResponse(t, w)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, response.CodeSuccess, resp.Code)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, "active", data["status"])
	assert.Equal(t, "txn_sync", data["subscription_id"])
	assert.Equal(t, "price_premium_monthly", data["price_id"])

	assert.Equal(t, int64(1), testutil.CountActive(t, ctx.DB, 10))
}

func TestEntitlementHandler_Sync_EmptySnapshotCancels(t *testing.T) {
	handler, ctx, cleanup := setupEntitlementHandler(t, nil)
	defer cleanup()

	testutil.TestSubscription(t, ctx.DB, 11)

	router := gin.New()
	router.Use(mockAuth(11))
	router.POST("/entitlements/sync", handler.Sync)

	w := performRequest(router, "POST", "/entitlements/sync", map[string]interface{}{
		"entitlements": map[string]interface{}{"active": map[string]interface{}{}},
	})

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "canceled", data["status"])
	assert.Equal(t, int64(0), testutil.CountActive(t, ctx.DB, 11))
}

func TestEntitlementHandler_Sync_UnknownProduct(t *testing.T) {
	handler, _, cleanup := setupEntitlementHandler(t, nil)
	defer cleanup()

	router := gin.New()
	router.Use(mockAuth(12))
	router.POST("/entitlements/sync", handler.Sync)

	snap := premiumSnapshot("txn_unknown")
	active := snap["entitlements"].(map[string]interface{})["active"].(map[string]interface{})
	active["premium"].(map[string]interface{})["productIdentifier"] = "dream_mystery"

	w := performRequest(router, "POST", "/entitlements/sync", snap)

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeUnknownProduct, resp.Code)
}

func TestEntitlementHandler_Sync_DeferredIsNotFatal(t *testing.T) {
	handler, ctx, cleanup := setupEntitlementHandler(t, nil)
	defer cleanup()

	testutil.BreakTable(t, ctx.DB, &model.Subscription{})

	router := gin.New()
	router.Use(mockAuth(13))
	router.POST("/entitlements/sync", handler.Sync)

	w := performRequest(router, "POST", "/entitlements/sync", premiumSnapshot("txn_deferred"))

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, false, data["success"])
	assert.NotEmpty(t, data["warning"])
}

func TestEntitlementHandler_Sync_InvalidBody(t *testing.T) {
	handler, _, cleanup := setupEntitlementHandler(t, nil)
	defer cleanup()

	router := gin.New()
	router.Use(mockAuth(14))
	router.POST("/entitlements/sync", handler.Sync)

	req := httptest.NewRequest("POST", "/entitlements/sync", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestEntitlementHandler_Sync_Unauthorized(t *testing.T) {
	handler, _, cleanup := setupEntitlementHandler(t, nil)
	defer cleanup()

	router := gin.New()
	router.POST("/entitlements/sync", handler.Sync)

	w := performRequest(router, "POST", "/entitlements/sync", premiumSnapshot("txn"))

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeAuthFailed, resp.Code)
}

func TestEntitlementHandler_Restore(t *testing.T) {
	purchased := time.Now().Add(-time.Hour)
	provider := &stubProvider{info: &dto.CustomerInfo{Entitlements: dto.EntitlementSet{
		Active: map[string]dto.EntitlementDetail{
			"premium": {
				Identifier:            "premium",
				ProductIdentifier:     "dream_premium_monthly",
				TransactionIdentifier: "txn_restore",
				IsActive:              dto.Flag(true),
				PurchaseDate:          purchased,
			},
		},
	}}}
	handler, ctx, cleanup := setupEntitlementHandler(t, provider)
	defer cleanup()

	router := gin.New()
	router.Use(mockAuth(15))
	router.POST("/entitlements/restore", handler.Restore)

	w := performRequest(router, "POST", "/entitlements/restore", nil)

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeSuccess, resp.Code)
	assert.Equal(t, int64(1), testutil.CountActive(t, ctx.DB, 15))
}

func TestEntitlementHandler_Restore_ProviderDown(t *testing.T) {
	handler, _, cleanup := setupEntitlementHandler(t, &stubProvider{err: errors.New("timeout")})
	defer cleanup()

	router := gin.New()
	router.Use(mockAuth(16))
	router.POST("/entitlements/restore", handler.Restore)

	w := performRequest(router, "POST", "/entitlements/restore", nil)

	resp := parseResponse(t, w)
	// 渠道不可用在重试耗尽后按非致命提示返回
	assert.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["warning"])
}

func TestEntitlementHandler_Get(t *testing.T) {
	handler, ctx, cleanup := setupEntitlementHandler(t, nil)
	defer cleanup()

	sub := testutil.TestSubscription(t, ctx.DB, 17)

	router := gin.New()
	router.Use(mockAuth(17))
	router.GET("/entitlements", handler.Get)

	w := performRequest(router, "GET", "/entitlements", nil)

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, true, data["active"])
	assert.Equal(t, "premium", data["tier"])
	assert.Equal(t, sub.SubscriptionID, data["subscription_id"])
	assert.Equal(t, false, data["is_owner"])
}
