package coordination

import (
	"context"
	"fmt"
)

// Purge removes every ephemeral key for a campaign, scan-based so it is
// safe against a clustered deployment (spec.md §4.3 "removes all ephemeral
// keys (scan-based; cluster-safe)"). It is the last step of the purge
// operation, called only after the grace interval has elapsed and all
// leases have been force-released.
func Purge(ctx context.Context, s Store, k Keys) (deleted int, err error) {
	var cursor uint64
	pattern := k.ScanPattern()
	for {
		keys, next, scanErr := s.Scan(ctx, cursor, pattern, 200).Result()
		if scanErr != nil {
			return deleted, fmt.Errorf("coordination: purge scan: %w", scanErr)
		}
		if len(keys) > 0 {
			n, delErr := s.Del(ctx, keys...).Result()
			if delErr != nil {
				return deleted, fmt.Errorf("coordination: purge del: %w", delErr)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// Remaining counts ephemeral keys still present for a campaign, used by the
// purge-convergence test law (spec.md §8).
func Remaining(ctx context.Context, s Store, k Keys) (int, error) {
	var cursor uint64
	var count int
	pattern := k.ScanPattern()
	for {
		keys, next, err := s.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return 0, fmt.Errorf("coordination: remaining scan: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}
