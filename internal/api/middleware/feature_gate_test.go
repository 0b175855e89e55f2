package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

type stubDecider struct {
	decision *dto.FeatureAccessResponse
	err      error
}

func (s *stubDecider) Decide(ctx context.Context, userID int64, feature string) (*dto.FeatureAccessResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	d := *s.decision
	d.Feature = feature
	return &d, nil
}

func newGateRouter(decider FeatureDecider, userID int64) (*gin.Engine, *bool) {
	reached := false
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if userID > 0 {
			c.Set(UserIDKey, userID)
		}
		c.Next()
	})
	router.POST("/features/:feature/usage", FeatureGate(decider), func(c *gin.Context) {
		reached = true
		decision, _ := c.Get(FeatureDecisionKey)
		response.Success(c, decision)
	})
	return router, &reached
}

func TestFeatureGate(t *testing.T) {
	tests := []struct {
		name        string
		decider     *stubDecider
		userID      int64
		wantCode    int
		wantReached bool
	}{
		{
			name:        "allowed",
			decider:     &stubDecider{decision: &dto.FeatureAccessResponse{Allowed: true, Reason: dto.AccessReasonTrial}},
			userID:      5,
			wantCode:    response.CodeSuccess,
			wantReached: true,
		},
		{
			name:     "trial used",
			decider:  &stubDecider{decision: &dto.FeatureAccessResponse{Allowed: false, Reason: dto.AccessReasonTrialUsed}},
			userID:   5,
			wantCode: response.CodeTrialExhausted,
		},
		{
			name:     "unknown feature",
			decider:  &stubDecider{err: fmt.Errorf("%w: video", service.ErrUnknownFeature)},
			userID:   5,
			wantCode: response.CodeParamError,
		},
		{
			name:     "lookup failure",
			decider:  &stubDecider{err: errors.New("db down")},
			userID:   5,
			wantCode: response.CodeServerError,
		},
		{
			name:     "unauthenticated",
			decider:  &stubDecider{decision: &dto.FeatureAccessResponse{Allowed: true}},
			wantCode: response.CodeAuthFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, reached := newGateRouter(tt.decider, tt.userID)

			req := httptest.NewRequest("POST", "/features/analysis/usage", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			resp := parseResponse(t, w)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantReached, *reached)
		})
	}
}
