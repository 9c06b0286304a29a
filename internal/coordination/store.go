package coordination

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the subset of redis.Cmdable the coordination layer needs. Tests
// satisfy it with a client pointed at github.com/alicebob/miniredis/v2;
// production wiring points it at a real Redis (or Redis-protocol
// compatible) deployment.
type Store interface {
	redis.Cmdable
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// NewClient builds a *redis.Client for the given address, suitable for both
// production Redis and a miniredis.Addr() in tests.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewToken generates a fresh, unguessable lease token. uuid.New() is used
// elsewhere for identity (session/call ids); lease tokens use raw random
// bytes since they never need to be parsed back into a UUID.
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("coordination: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Ping verifies connectivity to the coordination store at startup.
func Ping(ctx context.Context, s Store) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.Ping(ctx).Err()
}
