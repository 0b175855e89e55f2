package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/api/handler"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/jwt"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/ws"
	"github.com/qs3c/dream_entitlement_server/internal/repository"
	"github.com/qs3c/dream_entitlement_server/internal/service"
	"github.com/qs3c/dream_entitlement_server/internal/testutil"
)

const testSecret = "router-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "debug"},
		Entitlement: config.EntitlementConfig{
			OwnerUserID: 1,
			Tiers:       []string{"premium"},
			Products:    []config.ProductConfig{{ProductID: "dream_premium_monthly", Tier: "premium"}},
		},
	}

	subRepo := repository.NewSubscriptionRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	entitlements := service.NewEntitlementService(subRepo, customerRepo, nil, nil, cfg)
	gate := service.NewFeatureGateService(subRepo, repository.NewFeatureUsageRepository(db), nil, cfg)
	webhooks := service.NewWebhookService(repository.NewWebhookEventRepository(db), customerRepo, entitlements)
	verifier := jwt.NewHMACVerifier(testSecret)

	router := NewRouter(
		handler.NewEntitlementHandler(entitlements),
		handler.NewFeatureHandler(gate),
		handler.NewAdminHandler(entitlements),
		handler.NewWebhookHandler(webhooks, nil, "", ""),
		handler.NewWebSocketHandler(ws.NewHub(), verifier),
		gate,
		verifier,
		cfg,
	)

	return router.Setup(), func() { testutil.CleanupTestDB(t, db) }
}

func request(t *testing.T, engine *gin.Engine, method, path string, userID int64) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	if userID > 0 {
		token, err := jwt.GenerateToken(userID, testSecret, 1)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var resp response.Response
	if w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func TestRouter_Healthz(t *testing.T) {
	engine, cleanup := setupRouter(t)
	defer cleanup()

	w, _ := request(t, engine, "GET", "/healthz", 0)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RequiresAuth(t *testing.T) {
	engine, cleanup := setupRouter(t)
	defer cleanup()

	_, resp := request(t, engine, "GET", "/api/v1/entitlements", 0)
	assert.Equal(t, response.CodeAuthFailed, resp.Code)

	_, resp = request(t, engine, "GET", "/api/v1/entitlements", 5)
	assert.Equal(t, response.CodeSuccess, resp.Code)
}

func TestRouter_AdminOwnerOnly(t *testing.T) {
	engine, cleanup := setupRouter(t)
	defer cleanup()

	_, resp := request(t, engine, "POST", "/api/v1/admin/entitlements/5/cancel", 5)
	assert.Equal(t, response.CodePermissionDenied, resp.Code)

	_, resp = request(t, engine, "POST", "/api/v1/admin/entitlements/5/cancel", 1)
	assert.Equal(t, response.CodeSuccess, resp.Code)
}

func TestRouter_UsageIsGated(t *testing.T) {
	engine, cleanup := setupRouter(t)
	defer cleanup()

	_, resp := request(t, engine, "POST", "/api/v1/features/image/usage", 7)
	assert.Equal(t, response.CodeSuccess, resp.Code)

	_, resp = request(t, engine, "POST", "/api/v1/features/image/usage", 7)
	assert.Equal(t, response.CodeTrialExhausted, resp.Code)

	_, resp = request(t, engine, "GET", "/api/v1/features/analysis", 7)
	assert.Equal(t, response.CodeSuccess, resp.Code)
}

func TestRouter_WebhooksArePublic(t *testing.T) {
	engine, cleanup := setupRouter(t)
	defer cleanup()

	// 不走用户认证，由回调自身的校验拒绝
	w, _ := request(t, engine, "POST", "/api/v1/webhooks/revenuecat", 0)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = request(t, engine, "POST", "/api/v1/webhooks/stripe", 0)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
