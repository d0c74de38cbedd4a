package coordinator

import (
	"fmt"

	"github.com/roach88/replica/internal/store"
)

// RetentionPlan is the outcome of PlanRetention. When Skip is set, Reason
// says why and Cutoff is zero; otherwise records with db_version < Cutoff
// may be discarded.
type RetentionPlan struct {
	Stats          store.LogStats `json:"stats"`
	VersionsToKeep int64          `json:"versions_to_keep"`
	Cutoff         uint64         `json:"cutoff"`
	Skip           bool           `json:"skip"`
	Reason         string         `json:"reason,omitempty"`
}

// PlanRetention computes the compaction cutoff from log statistics alone:
//
//	versionsToKeep = max(minKeep, total - minKeep)
//	cutoff         = max(oldest, newest - versionsToKeep)
//
// Compaction is skipped when the log holds fewer than minKeep records or
// when the cutoff does not fall below the newest version.
func PlanRetention(stats store.LogStats, minKeep int) RetentionPlan {
	plan := RetentionPlan{Stats: stats}
	keep := int64(minKeep)

	if stats.Total == 0 {
		return plan.skip("change log is empty")
	}
	if stats.Total < keep {
		return plan.skip(fmt.Sprintf("only %d changes logged, keeping at least %d", stats.Total, keep))
	}

	plan.VersionsToKeep = max(keep, stats.Total-keep)
	cutoff := stats.Oldest
	if int64(stats.Newest) > plan.VersionsToKeep {
		cutoff = max(stats.Oldest, stats.Newest-uint64(plan.VersionsToKeep))
	}
	if cutoff >= stats.Newest {
		return plan.skip("every change is within the retention window")
	}
	plan.Cutoff = cutoff
	return plan
}

// ClampCutoff lowers the plan's cutoff to bound when bound is smaller, so
// that records at or above bound are kept. A bound at or below the oldest
// version turns the plan into a skip.
func (p RetentionPlan) ClampCutoff(bound uint64, reason string) RetentionPlan {
	if p.Skip || bound >= p.Cutoff {
		return p
	}
	if bound <= p.Stats.Oldest {
		return p.skip(reason)
	}
	p.Cutoff = bound
	return p
}

func (p RetentionPlan) skip(reason string) RetentionPlan {
	p.Skip = true
	p.Cutoff = 0
	p.Reason = reason
	return p
}
