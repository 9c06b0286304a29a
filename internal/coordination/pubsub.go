package coordination

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// PublishSlotAvailable emits the slot-available notification the Promoter
// subscribes to (spec.md §4.1/§6).
func PublishSlotAvailable(ctx context.Context, s Store, k Keys) error {
	return s.Publish(ctx, k.Channel(), "1").Err()
}

// SubscribeSlotAvailable returns a *redis.PubSub bound to one campaign's
// channel; callers drain ps.Channel() and must Close it when done.
func SubscribeSlotAvailable(ctx context.Context, s Store, k Keys) *redis.PubSub {
	return s.Subscribe(ctx, k.Channel())
}
