package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/dream_entitlement_server/internal/pkg/jwt"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/pubsub"
	"github.com/qs3c/dream_entitlement_server/internal/pkg/ws"
)

const wsTestSecret = "ws_test_secret"

func setupWebSocketServer(t *testing.T) (*ws.Hub, *httptest.Server) {
	t.Helper()

	hub := ws.NewHub()
	handler := NewWebSocketHandler(hub, jwt.NewHMACVerifier(wsTestSecret))

	router := gin.New()
	router.GET("/ws", handler.Handle)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return hub, server
}

func wsURL(server *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
}

func TestWebSocketHandler_RejectsMissingToken(t *testing.T) {
	_, server := setupWebSocketServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHandler_RejectsInvalidToken(t *testing.T) {
	_, server := setupWebSocketServer(t)

	token, err := jwt.GenerateToken(20, "other_secret", 1)
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHandler_ReceivesEntitlementUpdate(t *testing.T) {
	hub, server := setupWebSocketServer(t)

	token, err := jwt.GenerateToken(21, wsTestSecret, 1)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return hub.IsOnline(21) }, time.Second, 10*time.Millisecond)

	hub.RelayEntitlement(&pubsub.EntitlementMessage{
		Type:   pubsub.MessageTypeEntitlementUpdated,
		UserID: 21,
		Active: true,
		Tier:   "premium",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg ws.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, pubsub.MessageTypeEntitlementUpdated, msg.Type)

	// 客户端断开后从 hub 中移除
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !hub.IsOnline(21) }, time.Second, 10*time.Millisecond)
}
