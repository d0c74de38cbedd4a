package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// Policy controls when the coordinator syncs and how much change history
// it keeps. It is passed by value to New; there is no global policy.
//
// A zero duration disables the corresponding timer.
type Policy struct {
	// Debounce coalesces bursts of local edits into one local snapshot
	// (WAL checkpoint), taken Debounce after the last edit.
	Debounce time.Duration

	// IdleThreshold is the inactivity after the last edit that triggers a
	// round.
	IdleThreshold time.Duration

	// IdleCheckInterval is how often the idle condition is polled.
	IdleCheckInterval time.Duration

	// BatchInterval triggers a round on a fixed period, edits or not.
	BatchInterval time.Duration

	// MaxBatchSize is the maximum number of records per transport batch.
	MaxBatchSize int

	// RetentionDays keeps every change logged within this many days.
	RetentionDays int

	// MinChangesToKeep is the floor on change history; logs smaller than
	// this are never compacted.
	MinChangesToKeep int

	// CompactAfterSync runs a retention pass after every successful round.
	CompactAfterSync bool

	// ScheduledCleanupInterval runs a retention pass on a fixed period.
	ScheduledCleanupInterval time.Duration

	// RespectPeerWatermarks stops compaction from discarding records some
	// known peer has not acknowledged.
	RespectPeerWatermarks bool

	// MaxBackoff caps the delay automatic triggers wait after consecutive
	// failed rounds. Zero disables backoff; manual triggers never wait.
	MaxBackoff time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Debounce:                 2 * time.Second,
		IdleThreshold:            3 * time.Minute,
		IdleCheckInterval:        10 * time.Second,
		BatchInterval:            15 * time.Minute,
		MaxBatchSize:             500,
		RetentionDays:            30,
		MinChangesToKeep:         1000,
		CompactAfterSync:         false,
		ScheduledCleanupInterval: 24 * time.Hour,
		RespectPeerWatermarks:    true,
	}
}

// Validate reports every invalid setting.
func (p Policy) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(p.Debounce >= 0, "debounce must not be negative, got %s", p.Debounce)
	check(p.IdleThreshold >= 0, "idle threshold must not be negative, got %s", p.IdleThreshold)
	check(p.IdleCheckInterval >= 0, "idle check interval must not be negative, got %s", p.IdleCheckInterval)
	check(p.BatchInterval >= 0, "batch interval must not be negative, got %s", p.BatchInterval)
	check(p.MaxBatchSize > 0, "max batch size must be positive, got %d", p.MaxBatchSize)
	check(p.RetentionDays >= 0, "retention days must not be negative, got %d", p.RetentionDays)
	check(p.MinChangesToKeep >= 0, "min changes to keep must not be negative, got %d", p.MinChangesToKeep)
	check(p.ScheduledCleanupInterval >= 0, "cleanup interval must not be negative, got %s", p.ScheduledCleanupInterval)
	check(p.MaxBackoff >= 0, "max backoff must not be negative, got %s", p.MaxBackoff)
	return errors.Join(errs...)
}
