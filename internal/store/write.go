package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/roach88/replica/internal/ir"
)

// Tx is a local write transaction. It is only valid inside the function
// passed to Update.
//
// Reads through a Tx see its own writes. All records a Tx originates share
// one db_version, allocated on the first change.
type Tx struct {
	reader

	tx      *sql.Tx
	site    ir.SiteID
	now     int64
	tracked map[string]bool

	version uint64 // 0 until the first change
	nextSeq uint64
	records int
}

func (s *Store) begin(ctx context.Context) (*Tx, error) {
	site := s.SiteID()
	if site.IsZero() {
		return nil, ErrNotInitialized
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{
		reader:  reader{q: sqlTx},
		tx:      sqlTx,
		site:    site,
		now:     s.now().UnixMilli(),
		tracked: map[string]bool{},
	}, nil
}

// Update runs fn inside one local write transaction.
//
// If fn returns an error the transaction is rolled back and nothing is
// written. Otherwise the transaction commits, and if it changed anything
// the replica clock has advanced by exactly one and commit hooks run.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) (CommitInfo, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return CommitInfo{}, err
	}

	if err := fn(tx); err != nil {
		tx.tx.Rollback()
		return CommitInfo{}, err
	}
	if err := tx.flush(ctx); err != nil {
		tx.tx.Rollback()
		return CommitInfo{}, err
	}
	if err := tx.tx.Commit(); err != nil {
		return CommitInfo{}, fmt.Errorf("commit: %w", err)
	}

	info := CommitInfo{Records: tx.records}
	if tx.records > 0 {
		info.Version = tx.version
		s.mu.RLock()
		hooks := slices.Clone(s.hooks)
		s.mu.RUnlock()
		for _, hook := range hooks {
			hook(info)
		}
	}
	return info, nil
}

// Insert creates a live row. Every column gets column version 1.
//
// Inserting over a deleted row revives it with the next (odd) causal
// length; the old generation's cells are dropped. Inserting a live pk
// returns ErrRowExists.
func (t *Tx) Insert(ctx context.Context, table, pk string, values map[string]ir.Value) error {
	if err := t.checkWrite(ctx, table, pk); err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("insert %s[%s]: no columns", table, pk)
	}
	cols, err := sortedColumns(values)
	if err != nil {
		return fmt.Errorf("insert %s[%s]: %w", table, pk, err)
	}

	cl, ok, err := rowCausalLength(ctx, t.tx, table, pk)
	if err != nil {
		return err
	}
	if ok && isLive(cl) {
		return fmt.Errorf("insert %s[%s]: %w", table, pk, ErrRowExists)
	}

	if err := t.allocate(ctx); err != nil {
		return err
	}
	cl++
	if err := setRowCausalLength(ctx, t.tx, table, pk, cl); err != nil {
		return err
	}
	if err := clearCells(ctx, t.tx, table, pk); err != nil {
		return err
	}

	for _, col := range cols {
		if err := t.originate(ctx, table, pk, col, values[col], 1, cl); err != nil {
			return err
		}
	}
	return nil
}

// Set updates columns of a live row. Only columns whose value actually
// changes are written, each with its column version incremented by one.
// It returns the number of columns changed.
func (t *Tx) Set(ctx context.Context, table, pk string, values map[string]ir.Value) (int, error) {
	if err := t.checkWrite(ctx, table, pk); err != nil {
		return 0, err
	}
	cols, err := sortedColumns(values)
	if err != nil {
		return 0, fmt.Errorf("update %s[%s]: %w", table, pk, err)
	}

	cl, ok, err := rowCausalLength(ctx, t.tx, table, pk)
	if err != nil {
		return 0, err
	}
	if !ok || !isLive(cl) {
		return 0, fmt.Errorf("update %s[%s]: %w", table, pk, ErrNotFound)
	}

	changed := 0
	for _, col := range cols {
		v := values[col]
		if v == nil {
			v = ir.Null{}
		}
		current, exists, err := readCell(ctx, t.tx, table, pk, col)
		if err != nil {
			return changed, err
		}
		if exists && ir.Equal(current.value, v) {
			continue
		}
		if err := t.allocate(ctx); err != nil {
			return changed, err
		}
		if err := t.originate(ctx, table, pk, col, v, current.colVersion+1, cl); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Delete tombstones a live row: its causal length becomes even and a single
// DeleteSentinel record is logged. Deleting a missing row returns ErrNotFound.
func (t *Tx) Delete(ctx context.Context, table, pk string) error {
	if err := t.checkWrite(ctx, table, pk); err != nil {
		return err
	}

	cl, ok, err := rowCausalLength(ctx, t.tx, table, pk)
	if err != nil {
		return err
	}
	if !ok || !isLive(cl) {
		return fmt.Errorf("delete %s[%s]: %w", table, pk, ErrNotFound)
	}

	if err := t.allocate(ctx); err != nil {
		return err
	}
	cl++
	if err := setRowCausalLength(ctx, t.tx, table, pk, cl); err != nil {
		return err
	}
	if err := clearCells(ctx, t.tx, table, pk); err != nil {
		return err
	}

	seq := t.takeSeq()
	return appendChange(ctx, t.tx, ir.ChangeRecord{
		Table:        table,
		PK:           pk,
		Column:       ir.DeleteSentinel,
		Value:        ir.Null{},
		ColVersion:   cl,
		DBVersion:    t.version,
		SiteID:       t.site,
		CausalLength: cl,
		Seq:          seq,
	}, t.now, &t.records)
}

// originate writes a locally authored cell and its log record.
func (t *Tx) originate(ctx context.Context, table, pk, col string, v ir.Value, colVersion, cl uint64) error {
	rec := ir.ChangeRecord{
		Table:        table,
		PK:           pk,
		Column:       col,
		Value:        v,
		ColVersion:   colVersion,
		DBVersion:    t.version,
		SiteID:       t.site,
		CausalLength: cl,
		Seq:          t.takeSeq(),
	}
	if err := writeCell(ctx, t.tx, rec); err != nil {
		return err
	}
	return appendChange(ctx, t.tx, rec, t.now, &t.records)
}

func (t *Tx) checkWrite(ctx context.Context, table, pk string) error {
	if pk == "" {
		return fmt.Errorf("write %s: empty primary key", table)
	}
	ok, err := t.isTracked(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("write %s: %w", table, ErrTableNotReplicated)
	}
	return nil
}

func (t *Tx) isTracked(ctx context.Context, table string) (bool, error) {
	if ok, cached := t.tracked[table]; cached {
		return ok, nil
	}
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM crr_tables WHERE name = ?`, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		t.tracked[table] = false
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	t.tracked[table] = true
	return true, nil
}

// allocate reserves this transaction's db_version on first use.
// The counters are persisted by flush, so a savepoint rollback never
// loses them.
func (t *Tx) allocate(ctx context.Context) error {
	if t.version != 0 {
		return nil
	}
	current, err := getMetaUint(ctx, t.tx, metaDBVersion)
	if err != nil {
		return err
	}
	next, err := getMetaUint(ctx, t.tx, metaNextSeq)
	if err != nil {
		return err
	}
	if next == 0 {
		next = 1
	}
	t.version = current + 1
	t.nextSeq = next
	return nil
}

func (t *Tx) takeSeq() uint64 {
	seq := t.nextSeq
	t.nextSeq++
	return seq
}

// flush persists the clock and sequence counter if the transaction
// changed anything.
func (t *Tx) flush(ctx context.Context) error {
	if t.records == 0 {
		return nil
	}
	if err := setMeta(ctx, t.tx, metaDBVersion, strconv.FormatUint(t.version, 10)); err != nil {
		return err
	}
	return setMeta(ctx, t.tx, metaNextSeq, strconv.FormatUint(t.nextSeq, 10))
}

// Version returns the db_version this transaction writes under, or zero
// if it has not started changing anything yet.
func (t *Tx) Version() uint64 {
	return t.version
}

type cell struct {
	value      ir.Value
	colVersion uint64
	site       ir.SiteID
}

func readCell(ctx context.Context, q queryer, table, pk, col string) (cell, bool, error) {
	var (
		raw  string
		c    cell
		site []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT value, col_version, site_id FROM crr_cells
		WHERE tbl = ? AND pk = ? AND col = ?
	`, table, pk, col).Scan(&raw, &c.colVersion, &site)
	if errors.Is(err, sql.ErrNoRows) {
		return cell{}, false, nil
	}
	if err != nil {
		return cell{}, false, fmt.Errorf("read %s[%s].%s: %w", table, pk, col, err)
	}
	if c.value, err = ir.DecodeValue([]byte(raw)); err != nil {
		return cell{}, false, fmt.Errorf("decode %s[%s].%s: %w", table, pk, col, err)
	}
	if c.site, err = ir.SiteIDFromBytes(site); err != nil {
		return cell{}, false, fmt.Errorf("decode %s[%s].%s site: %w", table, pk, col, err)
	}
	return c, true, nil
}

func writeCell(ctx context.Context, q queryer, rec ir.ChangeRecord) error {
	enc, err := ir.EncodeValue(rec.Value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO crr_cells (tbl, pk, col, value, col_version, db_version, site_id, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, pk, col) DO UPDATE SET
			value = excluded.value,
			col_version = excluded.col_version,
			db_version = excluded.db_version,
			site_id = excluded.site_id,
			seq = excluded.seq
	`, rec.Table, rec.PK, rec.Column, string(enc), rec.ColVersion, rec.DBVersion, rec.SiteID[:], rec.Seq)
	if err != nil {
		return fmt.Errorf("write cell %s: %w", rec, err)
	}
	return nil
}

func clearCells(ctx context.Context, q queryer, table, pk string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM crr_cells WHERE tbl = ? AND pk = ?`, table, pk); err != nil {
		return fmt.Errorf("clear %s[%s]: %w", table, pk, err)
	}
	return nil
}

func setRowCausalLength(ctx context.Context, q queryer, table, pk string, cl uint64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO crr_rows (tbl, pk, causal_length) VALUES (?, ?, ?)
		ON CONFLICT(tbl, pk) DO UPDATE SET causal_length = excluded.causal_length
	`, table, pk, cl)
	if err != nil {
		return fmt.Errorf("write %s[%s] causal length: %w", table, pk, err)
	}
	return nil
}

// appendChange appends rec to the replay log.
// Uses ON CONFLICT DO NOTHING for idempotency - a record with the same
// identity is never logged twice.
func appendChange(ctx context.Context, q queryer, rec ir.ChangeRecord, createdAt int64, count *int) error {
	enc, err := ir.EncodeValue(rec.Value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec, err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO crr_changes
		(tbl, pk, col, value, col_version, db_version, site_id, causal_length, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, rec.Table, rec.PK, rec.Column, string(enc), rec.ColVersion, rec.DBVersion,
		rec.SiteID[:], rec.CausalLength, rec.Seq, createdAt)
	if err != nil {
		return fmt.Errorf("log %s: %w", rec, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		*count++
	}
	return nil
}

func sortedColumns(values map[string]ir.Value) ([]string, error) {
	cols := make([]string, 0, len(values))
	for col := range values {
		if err := validateName("column", col); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	slices.Sort(cols)
	return cols, nil
}
