package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelEntitlementUpdates = "entitlement_updates"

	MessageTypeEntitlementUpdated = "entitlement_updated"
)

// EntitlementMessage 权益变化通知，客户端收到后重新同步
type EntitlementMessage struct {
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	Active    bool   `json:"active"`
	Tier      string `json:"tier,omitempty"`
	Source    string `json:"source"`
	EventType string `json:"event_type,omitempty"`
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishEntitlement 发布权益变化消息
func (p *Publisher) PublishEntitlement(ctx context.Context, msg *EntitlementMessage) error {
	msg.Type = MessageTypeEntitlementUpdated

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement message: %w", err)
	}

	return p.client.Publish(ctx, ChannelEntitlementUpdates, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅权益变化消息，阻塞直到 ctx 取消
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*EntitlementMessage)) error {
	sub := s.client.Subscribe(ctx, ChannelEntitlementUpdates)
	defer sub.Close()

	// 确认订阅成功后再开始接收
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var entMsg EntitlementMessage
			if err := json.Unmarshal([]byte(msg.Payload), &entMsg); err != nil {
				continue
			}

			handler(&entMsg)
		}
	}
}
