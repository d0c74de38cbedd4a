package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// Row is the current state of one live row.
type Row struct {
	Table  string
	PK     string
	Values map[string]ir.Value
}

// Duplicate is a value held by more than one live row in the same column.
type Duplicate struct {
	Value ir.Value
	PKs   []string
}

// Reader is the snapshot read surface shared by *Store and *Tx.
// Reads through a *Tx see the transaction's own uncommitted writes.
type Reader interface {
	Get(ctx context.Context, table, pk string) (Row, error)
	Exists(ctx context.Context, table, pk string) (bool, error)
	FindBy(ctx context.Context, table, column string, value ir.Value) ([]Row, error)
	FindPKsBy(ctx context.Context, table, column string, value ir.Value) ([]string, error)
	Scan(ctx context.Context, table string) ([]Row, error)
	Search(ctx context.Context, table, column, substring string) ([]Row, error)
	DuplicateValues(ctx context.Context, table, column string) ([]Duplicate, error)
}

var (
	_ Reader = (*Store)(nil)
	_ Reader = (*Tx)(nil)
)

// reader implements Reader over a *sql.DB or a *sql.Tx.
// All queries only see live rows (odd causal length).
type reader struct {
	q queryer
}

// Get returns the live row, or ErrNotFound.
func (r reader) Get(ctx context.Context, table, pk string) (Row, error) {
	live, err := r.Exists(ctx, table, pk)
	if err != nil {
		return Row{}, err
	}
	if !live {
		return Row{}, fmt.Errorf("%s[%s]: %w", table, pk, ErrNotFound)
	}

	rows, err := r.loadRows(ctx, `
		SELECT pk, col, value FROM crr_cells
		WHERE tbl = ? AND pk = ?
		ORDER BY col
	`, table, table, pk)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{Table: table, PK: pk, Values: map[string]ir.Value{}}, nil
	}
	return rows[0], nil
}

// Exists reports whether pk is a live row of table.
func (r reader) Exists(ctx context.Context, table, pk string) (bool, error) {
	cl, ok, err := rowCausalLength(ctx, r.q, table, pk)
	if err != nil {
		return false, err
	}
	return ok && isLive(cl), nil
}

// FindPKsBy returns the primary keys of live rows whose column equals value,
// in pk order. Comparison is on the canonical encoding.
func (r reader) FindPKsBy(ctx context.Context, table, column string, value ir.Value) ([]string, error) {
	enc, err := ir.EncodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("find %s.%s: %w", table, column, err)
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT c.pk FROM crr_cells c
		JOIN crr_rows r ON r.tbl = c.tbl AND r.pk = c.pk
		WHERE c.tbl = ? AND c.col = ? AND c.value = ? AND r.causal_length % 2 = 1
		ORDER BY c.pk
	`, table, column, string(enc))
	if err != nil {
		return nil, fmt.Errorf("find %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	pks := []string{}
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scan pk: %w", err)
		}
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pks: %w", err)
	}
	return pks, nil
}

// FindBy returns the live rows whose column equals value, in pk order.
func (r reader) FindBy(ctx context.Context, table, column string, value ir.Value) ([]Row, error) {
	enc, err := ir.EncodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("find %s.%s: %w", table, column, err)
	}
	return r.loadRows(ctx, `
		SELECT c.pk, c.col, c.value FROM crr_cells c
		WHERE c.tbl = ? AND c.pk IN (
			SELECT m.pk FROM crr_cells m
			JOIN crr_rows r ON r.tbl = m.tbl AND r.pk = m.pk
			WHERE m.tbl = c.tbl AND m.col = ? AND m.value = ? AND r.causal_length % 2 = 1
		)
		ORDER BY c.pk, c.col
	`, table, table, column, string(enc))
}

// Scan returns every live row of table in pk order.
func (r reader) Scan(ctx context.Context, table string) ([]Row, error) {
	return r.loadRows(ctx, `
		SELECT c.pk, c.col, c.value FROM crr_cells c
		JOIN crr_rows r ON r.tbl = c.tbl AND r.pk = c.pk
		WHERE c.tbl = ? AND r.causal_length % 2 = 1
		ORDER BY c.pk, c.col
	`, table, table)
}

// Search returns live rows whose string column contains substring,
// ignoring case. Non-string values never match.
func (r reader) Search(ctx context.Context, table, column, substring string) ([]Row, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT c.pk, c.value FROM crr_cells c
		JOIN crr_rows r ON r.tbl = c.tbl AND r.pk = c.pk
		WHERE c.tbl = ? AND c.col = ? AND substr(c.value, 1, 1) = '"' AND r.causal_length % 2 = 1
		ORDER BY c.pk
	`, table, column)
	if err != nil {
		return nil, fmt.Errorf("search %s.%s: %w", table, column, err)
	}

	needle := strings.ToLower(substring)
	var matches []string
	for rows.Next() {
		var pk, raw string
		if err := rows.Scan(&pk, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		v, err := ir.DecodeValue([]byte(raw))
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode %s[%s].%s: %w", table, pk, column, err)
		}
		if s, ok := v.(ir.String); ok && strings.Contains(strings.ToLower(string(s)), needle) {
			matches = append(matches, pk)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate search: %w", err)
	}

	// rows must be closed before issuing more queries on a single connection.
	result := make([]Row, 0, len(matches))
	for _, pk := range matches {
		row, err := r.Get(ctx, table, pk)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, nil
}

// DuplicateValues returns every non-empty value of column that more than
// one live row holds, ordered by value then pk.
func (r reader) DuplicateValues(ctx context.Context, table, column string) ([]Duplicate, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT c.value, c.pk FROM crr_cells c
		JOIN crr_rows r ON r.tbl = c.tbl AND r.pk = c.pk
		WHERE c.tbl = ? AND c.col = ? AND r.causal_length % 2 = 1
		  AND c.value NOT IN ('null', '""')
		  AND c.value IN (
			SELECT d.value FROM crr_cells d
			JOIN crr_rows dr ON dr.tbl = d.tbl AND dr.pk = d.pk
			WHERE d.tbl = ? AND d.col = ? AND dr.causal_length % 2 = 1
			GROUP BY d.value HAVING COUNT(*) > 1
		  )
		ORDER BY c.value, c.pk
	`, table, column, table, column)
	if err != nil {
		return nil, fmt.Errorf("duplicates %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var dups []Duplicate
	var last string
	for rows.Next() {
		var raw, pk string
		if err := rows.Scan(&raw, &pk); err != nil {
			return nil, fmt.Errorf("scan duplicate: %w", err)
		}
		if len(dups) == 0 || raw != last {
			v, err := ir.DecodeValue([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("decode duplicate: %w", err)
			}
			dups = append(dups, Duplicate{Value: v})
			last = raw
		}
		d := &dups[len(dups)-1]
		d.PKs = append(d.PKs, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicates: %w", err)
	}
	return dups, nil
}

// loadRows runs a query returning (pk, col, value) ordered by pk and groups
// the cells into rows.
func (r reader) loadRows(ctx context.Context, query, table string, args ...any) ([]Row, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	result := []Row{}
	for rows.Next() {
		var pk, col, raw string
		if err := rows.Scan(&pk, &col, &raw); err != nil {
			return nil, fmt.Errorf("scan %s cell: %w", table, err)
		}
		v, err := ir.DecodeValue([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s[%s].%s: %w", table, pk, col, err)
		}
		if len(result) == 0 || result[len(result)-1].PK != pk {
			result = append(result, Row{Table: table, PK: pk, Values: map[string]ir.Value{}})
		}
		result[len(result)-1].Values[col] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return result, nil
}

// ChangesSince returns every log record with db_version > version, ordered
// by (db_version, sequence). The order is stable across calls.
func (s *Store) ChangesSince(ctx context.Context, version uint64) ([]ir.ChangeRecord, error) {
	return s.ChangesSinceLimit(ctx, version, 0)
}

// ChangesSinceLimit is ChangesSince returning at most limit records.
// A limit of zero or less means no limit.
func (s *Store) ChangesSinceLimit(ctx context.Context, version uint64, limit int) ([]ir.ChangeRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tbl, pk, col, value, col_version, db_version, site_id, causal_length, seq
		FROM crr_changes
		WHERE db_version > ?
		ORDER BY db_version ASC, seq ASC, id ASC
		LIMIT ?
	`, int64(version), limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	records := []ir.ChangeRecord{}
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return records, nil
}

func scanChange(rows *sql.Rows) (ir.ChangeRecord, error) {
	var (
		rec  ir.ChangeRecord
		raw  string
		site []byte
	)
	err := rows.Scan(&rec.Table, &rec.PK, &rec.Column, &raw, &rec.ColVersion,
		&rec.DBVersion, &site, &rec.CausalLength, &rec.Seq)
	if err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("scan change: %w", err)
	}
	rec.Value, err = ir.DecodeValue([]byte(raw))
	if err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("decode change value: %w", err)
	}
	rec.SiteID, err = ir.SiteIDFromBytes(site)
	if err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("decode change site: %w", err)
	}
	return rec, nil
}

func rowCausalLength(ctx context.Context, q queryer, table, pk string) (uint64, bool, error) {
	var cl uint64
	err := q.QueryRowContext(ctx, `
		SELECT causal_length FROM crr_rows WHERE tbl = ? AND pk = ?
	`, table, pk).Scan(&cl)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s[%s] causal length: %w", table, pk, err)
	}
	return cl, true, nil
}

func isLive(causalLength uint64) bool {
	return causalLength%2 == 1
}
