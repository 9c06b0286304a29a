// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coordination implements the ephemeral-state side of the campaign
// dialer: the Redis-backed lease store, waitlist, reserved ledger, and
// slot-available pub/sub channel described in spec.md §3 and §6. Every key
// is hash-tagged with the campaign id so multi-key Lua scripts land on a
// single cluster slot.
package coordination

import "fmt"

// Keys returns the full Redis key layout for one campaign, hash-tagged so
// cluster slot collocation is guaranteed for multi-key scripts (spec.md §5).
type Keys struct {
	CampaignID string
}

func K(campaignID string) Keys { return Keys{CampaignID: campaignID} }

func (k Keys) tag() string { return "{" + k.CampaignID + "}" }

func (k Keys) Limit() string          { return fmt.Sprintf("campaign:%s:limit", k.tag()) }
func (k Keys) Leases() string         { return fmt.Sprintf("campaign:%s:leases", k.tag()) }
func (k Keys) Lease(callID string) string {
	return fmt.Sprintf("campaign:%s:lease:%s", k.tag(), callID)
}
func (k Keys) Reserved() string       { return fmt.Sprintf("campaign:%s:reserved", k.tag()) }
func (k Keys) ReservedLedger() string { return fmt.Sprintf("campaign:%s:reserved:ledger", k.tag()) }
func (k Keys) WaitlistHigh() string   { return fmt.Sprintf("campaign:%s:waitlist:high", k.tag()) }
func (k Keys) WaitlistNormal() string { return fmt.Sprintf("campaign:%s:waitlist:normal", k.tag()) }
func (k Keys) WaitlistMarker(jobID string) string {
	return fmt.Sprintf("campaign:%s:waitlist:marker:%s", k.tag(), jobID)
}
func (k Keys) Paused() string       { return fmt.Sprintf("campaign:%s:paused", k.tag()) }
func (k Keys) PromoteMutex() string { return fmt.Sprintf("campaign:%s:promote-mutex", k.tag()) }
func (k Keys) Channel() string      { return fmt.Sprintf("campaign:%s:slot-available", k.tag()) }

// WaitlistKey resolves the ordered-list key for a priority tier.
func (k Keys) WaitlistKey(tier string) string {
	if tier == "high" {
		return k.WaitlistHigh()
	}
	return k.WaitlistNormal()
}

// ScanPattern returns a glob matching every ephemeral key belonging to a
// campaign, used by purge (spec.md §4.3) to remove keys cluster-safely.
func (k Keys) ScanPattern() string {
	return fmt.Sprintf("campaign:%s:*", k.tag())
}
