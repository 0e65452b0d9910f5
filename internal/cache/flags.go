package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FlagState is the cooperative-cancellation view of a campaign.
type FlagState struct {
	Paused  bool
	Stopped bool
}

// Halted reports whether work for the campaign must not proceed.
func (s FlagState) Halted() bool { return s.Paused || s.Stopped }

// FlagStore reads and writes pause/stop flags. Reads always hit Redis so a
// flag set by another process is observed on the next check.
type FlagStore struct {
	rdb      redis.Cmdable
	pauseTTL time.Duration
	stopTTL  time.Duration
}

// NewFlagStore creates a flag store. Zero TTLs default to seven days.
func NewFlagStore(rdb redis.Cmdable, pauseTTL, stopTTL time.Duration) *FlagStore {
	if pauseTTL <= 0 {
		pauseTTL = 7 * 24 * time.Hour
	}
	if stopTTL <= 0 {
		stopTTL = 7 * 24 * time.Hour
	}
	return &FlagStore{rdb: rdb, pauseTTL: pauseTTL, stopTTL: stopTTL}
}

// SetPaused raises the pause flag with the reason as value.
func (f *FlagStore) SetPaused(ctx context.Context, campaignID, reason string) error {
	if reason == "" {
		reason = "paused"
	}
	if err := f.rdb.Set(ctx, PauseFlagKey(campaignID), reason, f.pauseTTL).Err(); err != nil {
		return fmt.Errorf("set pause flag %s: %w", campaignID, err)
	}
	return nil
}

// ClearPaused removes the pause flag.
func (f *FlagStore) ClearPaused(ctx context.Context, campaignID string) error {
	if err := f.rdb.Del(ctx, PauseFlagKey(campaignID)).Err(); err != nil {
		return fmt.Errorf("clear pause flag %s: %w", campaignID, err)
	}
	return nil
}

// SetStopped raises the stop flag.
func (f *FlagStore) SetStopped(ctx context.Context, campaignID, reason string) error {
	if reason == "" {
		reason = "stopped"
	}
	if err := f.rdb.Set(ctx, StopFlagKey(campaignID), reason, f.stopTTL).Err(); err != nil {
		return fmt.Errorf("set stop flag %s: %w", campaignID, err)
	}
	return nil
}

// ClearStopped removes the stop flag. Used to roll back a failed stop.
func (f *FlagStore) ClearStopped(ctx context.Context, campaignID string) error {
	return f.rdb.Del(ctx, StopFlagKey(campaignID)).Err()
}

// State reads both flags in one round trip.
func (f *FlagStore) State(ctx context.Context, campaignID string) (FlagState, error) {
	pipe := f.rdb.Pipeline()
	paused := pipe.Exists(ctx, PauseFlagKey(campaignID))
	stopped := pipe.Exists(ctx, StopFlagKey(campaignID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return FlagState{}, fmt.Errorf("read flags %s: %w", campaignID, err)
	}
	return FlagState{Paused: paused.Val() > 0, Stopped: stopped.Val() > 0}, nil
}

// ClearScratch deletes the campaign's rate windows, breaker state and pause
// flag. It returns the number of keys removed.
func (f *FlagStore) ClearScratch(ctx context.Context, campaignID string) (int, error) {
	removed := 0
	for _, pattern := range CampaignScratchPatterns(campaignID) {
		var cursor uint64
		for {
			keys, next, err := f.rdb.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return removed, fmt.Errorf("scan %s: %w", pattern, err)
			}
			if len(keys) > 0 {
				n, err := f.rdb.Del(ctx, keys...).Result()
				if err != nil {
					return removed, fmt.Errorf("delete scratch keys: %w", err)
				}
				removed += int(n)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return removed, nil
}
