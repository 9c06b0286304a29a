package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Every script below is loaded once via redis.NewScript and invoked through
// Script.Run, which transparently does EVALSHA and falls back to EVAL on a
// NOSCRIPT reply (spec.md §4.1 "loaded once via SCRIPT LOAD ... invoked
// with EVALSHA, falling back to EVAL"). Each script is the unit of
// atomicity spec.md §4.1 requires: one EVAL per operation, indivisible
// with respect to every other operation on the same campaign.

// acquirePreDialScript prunes set members whose lease hash has already
// expired (the pre-dial TTL safety net) before checking capacity, so a
// leaked TTL never permanently wedges the campaign at its limit.
var acquirePreDialScript = redis.NewScript(`
local leasesKey = KEYS[1]
local leasePrefix = KEYS[2]
local limit = tonumber(ARGV[1])
local callID = ARGV[2]
local token = ARGV[3]
local ttlSeconds = tonumber(ARGV[4])

local members = redis.call('SMEMBERS', leasesKey)
local total = 0
for _, m in ipairs(members) do
  local id = m
  if string.sub(m, 1, 4) == 'pre-' then id = string.sub(m, 5) end
  if redis.call('EXISTS', leasePrefix .. id) == 1 then
    total = total + 1
  else
    redis.call('SREM', leasesKey, m)
  end
end

if total >= limit then
  return 'denied'
end

local member = 'pre-' .. callID
redis.call('SADD', leasesKey, member)
redis.call('HSET', leasePrefix .. callID, 'token', token, 'kind', 'pre')
redis.call('EXPIRE', leasePrefix .. callID, ttlSeconds)
return 'ok'
`)

// upgradeScript validates the pre-dial token and atomically replaces the
// pre-dial lease with an active one (no TTL).
var upgradeScript = redis.NewScript(`
local leasesKey = KEYS[1]
local leaseKey = KEYS[2]
local callID = ARGV[1]
local preToken = ARGV[2]
local activeToken = ARGV[3]

local storedToken = redis.call('HGET', leaseKey, 'token')
local kind = redis.call('HGET', leaseKey, 'kind')
if storedToken ~= preToken or kind ~= 'pre' then
  return 'stale'
end

redis.call('SREM', leasesKey, 'pre-' .. callID)
redis.call('SADD', leasesKey, callID)
redis.call('HSET', leaseKey, 'token', activeToken, 'kind', 'active')
redis.call('PERSIST', leaseKey)
return 'ok'
`)

// releaseScript deletes the matching lease iff the supplied token matches;
// a mismatch (already released, or upgraded out from under the caller) is a
// no-op, giving release() its idempotence law.
var releaseScript = redis.NewScript(`
local leasesKey = KEYS[1]
local leaseKey = KEYS[2]
local member = ARGV[1]
local token = ARGV[2]

local storedToken = redis.call('HGET', leaseKey, 'token')
if storedToken ~= token then
  return 0
end

redis.call('SREM', leasesKey, member)
redis.call('DEL', leaseKey)
return 1
`)

// forceReleaseScript is the token-less recovery path used by webhooks and
// janitors. It prefers an active lease over a pre-dial one, per the open
// question in spec.md §9 about upgrade-race canonicality.
var forceReleaseScript = redis.NewScript(`
local leasesKey = KEYS[1]
local leaseKey = KEYS[2]
local callID = ARGV[1]

local kind = redis.call('HGET', leaseKey, 'kind')
if kind == 'active' then
  redis.call('SREM', leasesKey, callID)
  redis.call('DEL', leaseKey)
  return 'active'
elseif kind == 'pre' then
  redis.call('SREM', leasesKey, 'pre-' .. callID)
  redis.call('DEL', leaseKey)
  return 'preDial'
end
return 'none'
`)

// countScript prunes expired set members the same way acquirePreDialScript
// does, then returns {activeCount, preDialCount}.
var countScript = redis.NewScript(`
local leasesKey = KEYS[1]
local leasePrefix = KEYS[2]

local members = redis.call('SMEMBERS', leasesKey)
local active = 0
local pre = 0
for _, m in ipairs(members) do
  local id = m
  if string.sub(m, 1, 4) == 'pre-' then id = string.sub(m, 5) end
  if redis.call('EXISTS', leasePrefix .. id) == 1 then
    if string.sub(m, 1, 4) == 'pre-' then
      pre = pre + 1
    else
      active = active + 1
    end
  else
    redis.call('SREM', leasesKey, m)
  end
end
return {active, pre}
`)

// AcquirePreDial is the Lua-scripted body of slotmanager's acquirePreDial.
func AcquirePreDial(ctx context.Context, s Store, k Keys, callID, token string, limit int, ttl time.Duration) (string, error) {
	res, err := acquirePreDialScript.Run(ctx, s, []string{k.Leases(), leasePrefix(k)}, limit, callID, token, int(ttl.Seconds())).Text()
	if err != nil {
		return "", fmt.Errorf("coordination: acquirePreDial: %w", err)
	}
	return res, nil
}

// Upgrade is the Lua-scripted body of slotmanager's upgrade.
func Upgrade(ctx context.Context, s Store, k Keys, callID, preToken, activeToken string) (string, error) {
	res, err := upgradeScript.Run(ctx, s, []string{k.Leases(), k.Lease(callID)}, callID, preToken, activeToken).Text()
	if err != nil {
		return "", fmt.Errorf("coordination: upgrade: %w", err)
	}
	return res, nil
}

// Release is the Lua-scripted body of slotmanager's release.
func Release(ctx context.Context, s Store, k Keys, callID, token string, isPreDial bool) (bool, error) {
	member := callID
	if isPreDial {
		member = "pre-" + callID
	}
	res, err := releaseScript.Run(ctx, s, []string{k.Leases(), k.Lease(callID)}, member, token).Int()
	if err != nil {
		return false, fmt.Errorf("coordination: release: %w", err)
	}
	return res == 1, nil
}

// ForceRelease is the Lua-scripted body of slotmanager's forceRelease.
func ForceRelease(ctx context.Context, s Store, k Keys, callID string) (string, error) {
	res, err := forceReleaseScript.Run(ctx, s, []string{k.Leases(), k.Lease(callID)}, callID).Text()
	if err != nil {
		return "", fmt.Errorf("coordination: forceRelease: %w", err)
	}
	return res, nil
}

// Counts returns (activeCount, preDialCount) for a campaign, pruning
// expired pre-dial members as a side effect.
func Counts(ctx context.Context, s Store, k Keys) (active, preDial int, err error) {
	res, err := countScript.Run(ctx, s, []string{k.Leases(), leasePrefix(k)}).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("coordination: counts: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("coordination: counts: unexpected script result %v", res)
	}
	return toInt(res[0]), toInt(res[1]), nil
}

func leasePrefix(k Keys) string {
	// lease:<callID> shares the same hash tag as leases/reserved/waitlist
	// keys, so this is just k.Lease("") with the callID omitted.
	return k.Lease("")
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
