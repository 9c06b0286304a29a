package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// mutexReleaseScript is a compare-and-delete so releasing the promote-mutex
// never releases a lock acquired by a different promoter after expiry
// (spec.md §4.2).
var mutexReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// mutexRenewScript extends a held lock's TTL without touching its value.
var mutexRenewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// TryLock acquires the campaign's promote-mutex with SET NX PX, returning
// the fencing token to present to Unlock/Renew.
func TryLock(ctx context.Context, s Store, k Keys, ttl time.Duration) (token string, ok bool, err error) {
	token, err = NewToken()
	if err != nil {
		return "", false, err
	}
	ok, err = s.SetNX(ctx, k.PromoteMutex(), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("coordination: trylock: %w", err)
	}
	return token, ok, nil
}

// Unlock releases the promote-mutex iff it still holds token.
func Unlock(ctx context.Context, s Store, k Keys, token string) error {
	if err := mutexReleaseScript.Run(ctx, s, []string{k.PromoteMutex()}, token).Err(); err != nil {
		return fmt.Errorf("coordination: unlock: %w", err)
	}
	return nil
}

// Renew extends a held promote-mutex for long-running promotion batches.
func Renew(ctx context.Context, s Store, k Keys, token string, ttl time.Duration) error {
	if err := mutexRenewScript.Run(ctx, s, []string{k.PromoteMutex()}, token, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("coordination: renew: %w", err)
	}
	return nil
}
