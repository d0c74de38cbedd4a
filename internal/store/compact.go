package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogStats summarizes the replay log.
type LogStats struct {
	Total  int64  `json:"total"`
	Oldest uint64 `json:"oldest_version"`
	Newest uint64 `json:"newest_version"`
}

// LogStats returns the record count and version range of the log.
// Oldest and Newest are zero for an empty log.
func (s *Store) LogStats(ctx context.Context) (LogStats, error) {
	var st LogStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(db_version), 0), COALESCE(MAX(db_version), 0)
		FROM crr_changes
	`).Scan(&st.Total, &st.Oldest, &st.Newest)
	if err != nil {
		return LogStats{}, fmt.Errorf("log stats: %w", err)
	}
	return st, nil
}

// OldestVersionSince returns the smallest db_version logged at or after t.
// ok is false when nothing was logged since t.
func (s *Store) OldestVersionSince(ctx context.Context, t time.Time) (version uint64, ok bool, err error) {
	var v sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(db_version) FROM crr_changes WHERE created_at >= ?
	`, t.UnixMilli()).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("oldest version since %s: %w", t.Format(time.RFC3339), err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return uint64(v.Int64), true, nil
}

// Compact irreversibly deletes log records with db_version < beforeVersion.
// Current row values are not touched. Returns the number of records removed.
func (s *Store) Compact(ctx context.Context, beforeVersion uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM crr_changes WHERE db_version < ?
	`, int64(beforeVersion))
	if err != nil {
		return 0, fmt.Errorf("compact before %d: %w", beforeVersion, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact before %d: %w", beforeVersion, err)
	}
	s.logger.Debug("compacted change log", "before_version", beforeVersion, "removed", n)
	return n, nil
}

// Vacuum releases free pages left behind by Compact.
// Space is released only; nothing observable changes.
//
// incremental_vacuum frees one page per step, so the statement is run as a
// query and drained.
func (s *Store) Vacuum(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA incremental_vacuum`)
	if err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// freelistCount returns the number of unused pages in the database file.
func (s *Store) freelistCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&n); err != nil {
		return 0, fmt.Errorf("freelist count: %w", err)
	}
	return n, nil
}

// Checkpoint copies the WAL into the main database file. It is the
// debounced local snapshot taken after bursts of edits.
func (s *Store) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := s.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`).Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	s.logger.Debug("wal checkpoint", "log_frames", logFrames, "checkpointed", checkpointed, "busy", busy == 1)
	return nil
}

// PeerWatermark is the highest local db_version a peer has acknowledged.
type PeerWatermark struct {
	PeerID       string    `json:"peer_id"`
	AckedVersion uint64    `json:"acked_version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SetPeerWatermark records an acknowledgment from peer. Watermarks only
// move forward.
func (s *Store) SetPeerWatermark(ctx context.Context, peerID string, version uint64) error {
	if peerID == "" {
		return fmt.Errorf("set peer watermark: empty peer id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crr_peers (peer_id, acked_version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			acked_version = MAX(crr_peers.acked_version, excluded.acked_version),
			updated_at = excluded.updated_at
	`, peerID, int64(version), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set peer watermark %s: %w", peerID, err)
	}
	return nil
}

// PeerWatermarks returns every known peer in id order.
func (s *Store) PeerWatermarks(ctx context.Context) ([]PeerWatermark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_id, acked_version, updated_at FROM crr_peers ORDER BY peer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	peers := []PeerWatermark{}
	for rows.Next() {
		var (
			p       PeerWatermark
			updated int64
		)
		if err := rows.Scan(&p.PeerID, &p.AckedVersion, &updated); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		p.UpdatedAt = time.UnixMilli(updated).UTC()
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return peers, nil
}
