package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/qs3c/dream_entitlement_server/internal/pkg/response"
)

func TestOwnerOnly(t *testing.T) {
	tests := []struct {
		name     string
		ownerID  int64
		userID   int64
		wantCode int
	}{
		{"owner", 1, 1, response.CodeSuccess},
		{"other user", 1, 2, response.CodePermissionDenied},
		{"owner not configured", 0, 1, response.CodePermissionDenied},
		{"unauthenticated", 1, 0, response.CodeAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(func(c *gin.Context) {
				if tt.userID > 0 {
					c.Set(UserIDKey, tt.userID)
				}
				c.Next()
			})
			router.GET("/admin", OwnerOnly(tt.ownerID), func(c *gin.Context) {
				response.Success(c, nil)
			})

			req := httptest.NewRequest("GET", "/admin", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			resp := parseResponse(t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestLogger_PassesThrough(t *testing.T) {
	router := gin.New()
	router.Use(Logger())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusTeapot, "pong")
	})

	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}
