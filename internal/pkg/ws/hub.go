package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qs3c/dream_entitlement_server/internal/pkg/pubsub"
)

const defaultWriteTimeout = 5 * time.Second

// Hub 按用户维护通知连接，一个用户可能同时在多台设备上在线
type Hub struct {
	mu           sync.RWMutex
	users        map[int64]map[*Client]struct{}
	writeTimeout time.Duration
}

type Client struct {
	UserID int64
	Conn   *websocket.Conn

	writeMu sync.Mutex
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewHub() *Hub {
	return &Hub{
		users:        make(map[int64]map[*Client]struct{}),
		writeTimeout: defaultWriteTimeout,
	}
}

func (c *Client) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	conns := h.users[client.UserID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.users[client.UserID] = conns
	}
	conns[client] = struct{}{}
	n := len(conns)
	h.mu.Unlock()

	log.Printf("Entitlement listener for user %d registered (%d open)", client.UserID, n)
}

// Unregister 可重复调用
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[client.UserID]
	if !ok {
		return
	}
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.users, client.UserID)
	}
	log.Printf("Entitlement listener for user %d closed", client.UserID)
}

func (h *Hub) snapshot(userID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.users[userID]
	clients := make([]*Client, 0, len(conns))
	for c := range conns {
		clients = append(clients, c)
	}
	return clients
}

// SendToUser 推送到用户的全部连接，返回送达的连接数
// 写失败的连接直接摘除，客户端重连后会重新同步
func (h *Hub) SendToUser(userID int64, msg *Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range h.snapshot(userID) {
		if err := c.write(data, h.writeTimeout); err != nil {
			log.Printf("Dropping listener for user %d: %v", userID, err)
			h.Unregister(c)
			c.Conn.Close()
			continue
		}
		delivered++
	}
	return delivered, nil
}

// RelayEntitlement pubsub 订阅回调，把权益变化转给对应用户
func (h *Hub) RelayEntitlement(msg *pubsub.EntitlementMessage) {
	if _, err := h.SendToUser(msg.UserID, &Message{Type: msg.Type, Data: msg}); err != nil {
		log.Printf("Failed to relay entitlement update to user %d: %v", msg.UserID, err)
	}
}

func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.users {
		total += len(conns)
	}
	return total
}
