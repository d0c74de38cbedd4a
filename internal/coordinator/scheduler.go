package coordinator

import (
	"context"
	"errors"
	"time"
)

// Run is the coordinator's scheduler. It owns every timer: the idle check,
// the fixed-period sync, the scheduled cleanup and the edit debounce.
// Ticks are handled one at a time on this goroutine, so automatic rounds
// never overlap each other.
//
// Run returns ctx.Err() once ctx is cancelled, and only after every timer
// has been stopped, so the caller may close the store as soon as it
// returns.
func (c *Coordinator) Run(ctx context.Context) error {
	idle, idleC := ticker(c.policy.IdleCheckInterval)
	batch, batchC := ticker(c.policy.BatchInterval)
	cleanup, cleanupC := ticker(c.policy.ScheduledCleanupInterval)
	var debounce *time.Timer
	var debounceC <-chan time.Time

	defer func() {
		for _, t := range []*time.Ticker{idle, batch, cleanup} {
			if t != nil {
				t.Stop()
			}
		}
		if debounce != nil {
			debounce.Stop()
		}
	}()

	c.logger.Info("sync scheduler started",
		"site_id", c.store.SiteID().Short(),
		"idle_threshold", c.policy.IdleThreshold,
		"batch_interval", c.policy.BatchInterval,
		"cleanup_interval", c.policy.ScheduledCleanupInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync scheduler stopping")
			return ctx.Err()

		case <-idleC:
			if _, err := c.CheckIdle(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug("idle round failed", "error", err)
			}

		case <-batchC:
			if _, err := c.TriggerScheduled(ctx); err != nil && !quiet(err) && ctx.Err() == nil {
				c.logger.Debug("scheduled round failed", "error", err)
			}

		case <-cleanupC:
			if _, err := c.Compact(ctx); err != nil && !quiet(err) && ctx.Err() == nil {
				c.logger.Debug("scheduled cleanup failed", "error", err)
			}

		case <-c.edits:
			if c.policy.Debounce <= 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(c.policy.Debounce)
			} else {
				debounce.Reset(c.policy.Debounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if err := c.store.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("local snapshot failed", "error", err)
			}
		}
	}
}

// quiet reports errors that only mean "not now".
func quiet(err error) bool {
	return errors.Is(err, ErrRoundInFlight) || errors.Is(err, ErrBackingOff)
}

// ticker returns a running ticker and its channel, or nils when d is not
// positive so the select case never fires.
func ticker(d time.Duration) (*time.Ticker, <-chan time.Time) {
	if d <= 0 {
		return nil, nil
	}
	t := time.NewTicker(d)
	return t, t.C
}
