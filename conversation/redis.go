package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Notifier is told about every committed event.
type Notifier interface {
	Notify(ctx context.Context, conversationID string, e Event) error
}

// RedisNotifier publishes committed events on a per-conversation channel so
// other processes can follow a session while it runs.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a notifier over client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel returns the pub/sub channel of a conversation.
func Channel(conversationID string) string {
	return "conversation:" + conversationID + ":events"
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, conversationID string, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.client.Publish(ctx, Channel(conversationID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Follow subscribes to a conversation and calls fn for every event until ctx
// is done or fn returns an error.
func (n *RedisNotifier) Follow(ctx context.Context, conversationID string, fn func(Event) error) error {
	sub := n.client.Subscribe(ctx, Channel(conversationID))
	defer sub.Close()

	// Wait for subscription confirmation
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
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, conversationID string, e Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, conversationID string, e Event) error {
	return f(ctx, conversationID, e)
}

var (
	_ Notifier = (*RedisNotifier)(nil)
	_ Notifier = NotifierFunc(nil)
)
