package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/replica/internal/ir"
)

// ApplyStatus is the outcome of applying one incoming record.
type ApplyStatus int

const (
	// Applied means the record won the merge and is now the local state.
	Applied ApplyStatus = iota
	// Skipped means the local state already reflects the record or
	// something newer. It is not an error.
	Skipped
	// Failed means the record could not be applied; see ApplyOutcome.Err.
	Failed
)

func (s ApplyStatus) String() string {
	switch s {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ApplyOutcome reports what happened to one record of a batch.
type ApplyOutcome struct {
	Record ir.ChangeRecord
	Status ApplyStatus
	Err    *ApplyChangeError
}

// ApplySummary counts outcomes by status.
type ApplySummary struct {
	Applied int
	Skipped int
	Failed  int
}

// Summarize counts outcomes by status.
func Summarize(outcomes []ApplyOutcome) ApplySummary {
	var sum ApplySummary
	for _, o := range outcomes {
		switch o.Status {
		case Applied:
			sum.Applied++
		case Skipped:
			sum.Skipped++
		case Failed:
			sum.Failed++
		}
	}
	return sum
}

// ApplyChangeError reports one record of a batch that failed to apply.
// The rest of the batch is unaffected.
type ApplyChangeError struct {
	Record ir.ChangeRecord
	Err    error
}

func (e *ApplyChangeError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Record, e.Err)
}

func (e *ApplyChangeError) Unwrap() error {
	return e.Err
}

// IsApplyChangeError checks if err is an ApplyChangeError.
func IsApplyChangeError(err error) bool {
	var e *ApplyChangeError
	return errors.As(err, &e)
}

// ApplyChanges merges a batch of remote records inside one transaction.
//
// Each record runs in its own savepoint, so a failing record is rolled back
// alone and reported as Failed while the rest of the batch applies. The
// returned error is non-nil only when the batch as a whole could not run
// (context cancelled, transaction failure); in that case nothing is applied.
//
// Applying the same batch twice leaves the same state as applying it once.
func (s *Store) ApplyChanges(ctx context.Context, batch []ir.ChangeRecord) ([]ApplyOutcome, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.tx.Rollback()
		}
	}()

	outcomes := make([]ApplyOutcome, len(batch))
	for i, rec := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcomes[i] = ApplyOutcome{Record: rec}

		if _, err := tx.tx.ExecContext(ctx, `SAVEPOINT apply_record`); err != nil {
			return nil, fmt.Errorf("savepoint: %w", err)
		}
		status, applyErr := tx.merge(ctx, rec)
		if applyErr != nil {
			if _, err := tx.tx.ExecContext(ctx, `ROLLBACK TO apply_record`); err != nil {
				return nil, fmt.Errorf("rollback savepoint: %w", err)
			}
			status = Failed
			outcomes[i].Err = &ApplyChangeError{Record: rec, Err: applyErr}
			s.logger.Warn("change record failed to apply",
				"table", rec.Table,
				"pk", rec.PK,
				"column", rec.Column,
				"site_id", rec.SiteID.Short(),
				"sequence", rec.Seq,
				"error", applyErr)
		}
		if _, err := tx.tx.ExecContext(ctx, `RELEASE apply_record`); err != nil {
			return nil, fmt.Errorf("release savepoint: %w", err)
		}
		outcomes[i].Status = status
	}

	if err := tx.flush(ctx); err != nil {
		return nil, err
	}
	if err := tx.tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true

	if tx.records > 0 {
		sum := Summarize(outcomes)
		s.logger.Debug("applied remote changes",
			"db_version", tx.version,
			"applied", sum.Applied,
			"skipped", sum.Skipped,
			"failed", sum.Failed)
	}
	return outcomes, nil
}

// merge applies one remote record if it wins against the local state.
//
// Order of comparison: causal length, column version, site id. Deletes
// carry an even causal length and column records an odd one.
func (t *Tx) merge(ctx context.Context, rec ir.ChangeRecord) (ApplyStatus, error) {
	if err := validateRecord(rec); err != nil {
		return Failed, err
	}
	ok, err := t.isTracked(ctx, rec.Table)
	if err != nil {
		return Failed, err
	}
	if !ok {
		return Failed, fmt.Errorf("%s: %w", rec.Table, ErrTableNotReplicated)
	}

	seen, err := t.logged(ctx, rec)
	if err != nil {
		return Failed, err
	}
	if seen {
		return Skipped, nil
	}

	localCL, _, err := rowCausalLength(ctx, t.tx, rec.Table, rec.PK)
	if err != nil {
		return Failed, err
	}

	switch {
	case rec.CausalLength < localCL:
		return Skipped, nil

	case rec.CausalLength > localCL:
		// A newer generation of the row: everything local is stale.
		if err := t.allocate(ctx); err != nil {
			return Failed, err
		}
		if err := setRowCausalLength(ctx, t.tx, rec.Table, rec.PK, rec.CausalLength); err != nil {
			return Failed, err
		}
		if err := clearCells(ctx, t.tx, rec.Table, rec.PK); err != nil {
			return Failed, err
		}

	default:
		if rec.IsDelete() {
			return Skipped, nil
		}
		current, exists, err := readCell(ctx, t.tx, rec.Table, rec.PK, rec.Column)
		if err != nil {
			return Failed, err
		}
		if exists && !wins(rec, current) {
			return Skipped, nil
		}
		if err := t.allocate(ctx); err != nil {
			return Failed, err
		}
	}

	rec.DBVersion = t.version
	if !rec.IsDelete() {
		if err := writeCell(ctx, t.tx, rec); err != nil {
			return Failed, err
		}
	}
	if err := appendChange(ctx, t.tx, rec, t.now, &t.records); err != nil {
		return Failed, err
	}
	return Applied, nil
}

// wins reports whether rec beats the local cell at the same causal length.
func wins(rec ir.ChangeRecord, local cell) bool {
	if rec.ColVersion != local.colVersion {
		return rec.ColVersion > local.colVersion
	}
	return rec.SiteID.Compare(local.site) > 0
}

// logged reports whether a record with rec's identity is in the log.
func (t *Tx) logged(ctx context.Context, rec ir.ChangeRecord) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM crr_changes
		WHERE tbl = ? AND pk = ? AND col = ? AND site_id = ? AND seq = ?
	`, rec.Table, rec.PK, rec.Column, rec.SiteID[:], rec.Seq).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check log for %s: %w", rec, err)
	}
	return n > 0, nil
}

func validateRecord(rec ir.ChangeRecord) error {
	switch {
	case rec.Table == "":
		return errors.New("record has no table")
	case rec.PK == "":
		return errors.New("record has no primary key")
	case rec.Column == "":
		return errors.New("record has no column")
	case rec.SiteID.IsZero():
		return errors.New("record has no site id")
	case rec.CausalLength == 0:
		return errors.New("record has zero causal length")
	case rec.IsDelete() && isLive(rec.CausalLength):
		return fmt.Errorf("delete record has live causal length %d", rec.CausalLength)
	case !rec.IsDelete() && !isLive(rec.CausalLength):
		return fmt.Errorf("column record has deleted causal length %d", rec.CausalLength)
	}
	if _, err := ir.EncodeValue(rec.Value); err != nil {
		return err
	}
	return nil
}
