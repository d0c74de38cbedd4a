package coordinator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/store"
)

// CompactionReport describes one retention pass.
type CompactionReport struct {
	StartedAt time.Time     `json:"started_at"`
	Plan      RetentionPlan `json:"plan"`
	Removed   int64         `json:"removed"`
}

// Compact runs one retention pass now. It returns ErrRoundInFlight if a
// round or another pass is running. Failures are *CompactionError.
func (c *Coordinator) Compact(ctx context.Context) (CompactionReport, error) {
	wasActive, err := c.acquire(Compacting, false)
	if err != nil {
		return CompactionReport{}, err
	}
	report, err := c.compact(ctx)

	c.mu.Lock()
	c.inFlight = false
	c.lastCompaction = &report
	if wasActive || c.editedInFlight {
		c.state = Active
	} else {
		c.state = Idle
	}
	c.mu.Unlock()
	return report, err
}

// Plan computes the retention plan without compacting anything.
func (c *Coordinator) Plan(ctx context.Context) (RetentionPlan, error) {
	stats, err := c.store.LogStats(ctx)
	if err != nil {
		return RetentionPlan{}, err
	}
	return c.clamp(ctx, PlanRetention(stats, c.policy.MinChangesToKeep))
}

// clamp lowers the cutoff so that changes past the sync cursor, changes
// inside the retention-days window, and changes some known peer has not
// acknowledged are kept. The cursor bound applies whatever the policy says:
// a change compacted before it was sent would never reach any peer.
func (c *Coordinator) clamp(ctx context.Context, plan RetentionPlan) (RetentionPlan, error) {
	if plan.Skip {
		return plan, nil
	}

	cursor, err := c.store.Cursor(ctx)
	if err != nil {
		return plan, err
	}
	plan = plan.ClampCutoff(cursor+1, fmt.Sprintf("changes after version %d have not been sent", cursor))

	if c.policy.RetentionDays > 0 && !plan.Skip {
		since := c.clock.Now().Add(-time.Duration(c.policy.RetentionDays) * 24 * time.Hour)
		boundary, ok, err := c.store.OldestVersionSince(ctx, since)
		if err != nil {
			return plan, err
		}
		if ok {
			plan = plan.ClampCutoff(boundary,
				fmt.Sprintf("every compactable change is younger than %d days", c.policy.RetentionDays))
		}
	}

	if c.policy.RespectPeerWatermarks && !plan.Skip {
		peers, err := c.store.PeerWatermarks(ctx)
		if err != nil {
			return plan, err
		}
		if len(peers) > 0 {
			lowest := slices.MinFunc(peers, func(a, b store.PeerWatermark) int {
				return cmp.Compare(a.AckedVersion, b.AckedVersion)
			})
			plan = plan.ClampCutoff(lowest.AckedVersion+1,
				fmt.Sprintf("peer %s has only acknowledged version %d", lowest.PeerID, lowest.AckedVersion))
		}
	}
	return plan, nil
}

func (c *Coordinator) compact(ctx context.Context) (CompactionReport, error) {
	report := CompactionReport{StartedAt: c.clock.Now()}

	stats, err := c.store.LogStats(ctx)
	if err != nil {
		return report, c.compactionFailed(&CompactionError{Err: err})
	}
	plan, err := c.clamp(ctx, PlanRetention(stats, c.policy.MinChangesToKeep))
	report.Plan = plan
	if err != nil {
		return report, c.compactionFailed(&CompactionError{Err: err})
	}
	if plan.Skip {
		c.logger.Debug("compaction skipped", "reason", plan.Reason, "total", stats.Total)
		metrics.ObserveCompaction(metrics.CompactionSkipped, 0)
		return report, nil
	}

	removed, err := c.store.Compact(ctx, plan.Cutoff)
	if err != nil {
		return report, c.compactionFailed(&CompactionError{Cutoff: plan.Cutoff, Err: err})
	}
	report.Removed = removed
	if err := c.store.Vacuum(ctx); err != nil {
		return report, c.compactionFailed(&CompactionError{Cutoff: plan.Cutoff, Err: err})
	}

	c.logger.Info("change log compacted",
		"cutoff", plan.Cutoff,
		"removed", removed,
		"total", stats.Total)
	metrics.ObserveCompaction(metrics.CompactionDone, removed)
	return report, nil
}

func (c *Coordinator) compactionFailed(err *CompactionError) error {
	c.logger.Warn("compaction failed", "error", err)
	metrics.ObserveCompaction(metrics.CompactionFailed, 0)
	return err
}
