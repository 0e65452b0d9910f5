// Package cache owns the ephemeral Redis state of the dispatch engine: key
// naming for rate windows, breakers and campaign flags, and the flag store
// consulted before every batch and every delivery unit.
package cache

import (
	"fmt"
	"time"
)

// Scopes used in ephemeral keys.
const (
	ScopeProvider = "provider"
	ScopeCampaign = "campaign"
)

// Bucket returns the index of the fixed window containing t.
func Bucket(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		window = time.Minute
	}
	return t.UnixNano() / int64(window)
}

// RateWindowKey is the send counter of one scope/id for one window bucket.
func RateWindowKey(scope, id string, bucket int64) string {
	return fmt.Sprintf("ratewindow:%s:%s:%d", scope, id, bucket)
}

// RateOutcomeKey counts successes or failures of a provider in one bucket.
// kind is "ok" or "err".
func RateOutcomeKey(provider string, bucket int64, kind string) string {
	return fmt.Sprintf("ratewindow:%s:%s:%d:%s", ScopeProvider, provider, bucket, kind)
}

// BreakerKey is the open flag of a breaker. Its TTL is the breaker timeout.
func BreakerKey(scope, id string) string {
	return fmt.Sprintf("circuitbreaker:%s:%s", scope, id)
}

// BreakerErrorsKey is the fixed-window error counter feeding a breaker.
func BreakerErrorsKey(scope, id string) string {
	return BreakerKey(scope, id) + ":errors"
}

// BreakerAuthKey counts consecutive authentication failures of a provider.
func BreakerAuthKey(provider string) string {
	return BreakerKey(ScopeProvider, provider) + ":auth"
}

// PauseFlagKey is set while a campaign is paused.
func PauseFlagKey(campaignID string) string {
	return fmt.Sprintf("pauseflag:%s:%s", ScopeCampaign, campaignID)
}

// StopFlagKey is set once a campaign is stopped.
func StopFlagKey(campaignID string) string {
	return fmt.Sprintf("stopflag:%s:%s", ScopeCampaign, campaignID)
}

// CampaignScratchPatterns lists the SCAN patterns of per-campaign scratch
// state that a stop discards. The stop flag itself is not included.
func CampaignScratchPatterns(campaignID string) []string {
	return []string{
		fmt.Sprintf("ratewindow:%s:%s:*", ScopeCampaign, campaignID),
		BreakerKey(ScopeCampaign, campaignID),
		BreakerKey(ScopeCampaign, campaignID) + ":*",
		PauseFlagKey(campaignID),
	}
}
