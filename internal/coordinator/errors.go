package coordinator

import (
	"errors"
	"fmt"
)

// ErrRoundInFlight is returned by a trigger that found a sync round or a
// retention pass already running. The trigger is not queued.
var ErrRoundInFlight = errors.New("sync round already in flight")

// Round steps, as reported in SyncRoundError.Step.
const (
	StepChanges = "changes"
	StepBatch   = "batch"
	StepSend    = "send"
	StepAck     = "ack"
	StepReceive = "receive"
	StepApply   = "apply"
	StepCursor  = "cursor"
)

// SyncRoundError reports an abandoned round. The cursor was not advanced;
// the next trigger retries from the same point.
type SyncRoundError struct {
	Step string
	Err  error
}

func (e *SyncRoundError) Error() string {
	return fmt.Sprintf("sync round failed at %s: %v", e.Step, e.Err)
}

func (e *SyncRoundError) Unwrap() error {
	return e.Err
}

// IsSyncRoundError checks if err is a SyncRoundError.
func IsSyncRoundError(err error) bool {
	var e *SyncRoundError
	return errors.As(err, &e)
}

// CompactionError reports a failed retention pass. It is never fatal; the
// next cleanup tick retries.
type CompactionError struct {
	Cutoff uint64
	Err    error
}

func (e *CompactionError) Error() string {
	if e.Cutoff > 0 {
		return fmt.Sprintf("compaction before version %d failed: %v", e.Cutoff, e.Err)
	}
	return fmt.Sprintf("compaction failed: %v", e.Err)
}

func (e *CompactionError) Unwrap() error {
	return e.Err
}

// IsCompactionError checks if err is a CompactionError.
func IsCompactionError(err error) bool {
	var e *CompactionError
	return errors.As(err, &e)
}
