package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/replica/internal/ir"
)

// InboundBatch is a batch a peer pushed to this replica that has not been
// applied yet.
type InboundBatch struct {
	ID         string
	Origin     ir.SiteID
	Records    []ir.ChangeRecord
	ReceivedAt time.Time
}

// PutInbound queues a batch until RemoveInbound is called for its id.
// Queuing an id that is already queued is a no-op. Once PutInbound
// returns, the batch survives a restart.
func (s *Store) PutInbound(ctx context.Context, b InboundBatch) error {
	data, err := json.Marshal(b.Records)
	if err != nil {
		return fmt.Errorf("encode inbound batch %s: %w", b.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crr_inbox (batch_id, origin, records, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(batch_id) DO NOTHING
	`, b.ID, b.Origin[:], string(data), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("queue inbound batch %s: %w", b.ID, err)
	}
	return nil
}

// InboundBatches returns every queued batch, oldest first.
func (s *Store) InboundBatches(ctx context.Context) ([]InboundBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, origin, records, received_at FROM crr_inbox ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []InboundBatch
	for rows.Next() {
		var (
			b        InboundBatch
			origin   []byte
			records  string
			received int64
		)
		if err := rows.Scan(&b.ID, &origin, &records, &received); err != nil {
			return nil, fmt.Errorf("scan inbound batch: %w", err)
		}
		if b.Origin, err = ir.SiteIDFromBytes(origin); err != nil {
			return nil, fmt.Errorf("inbound batch %s: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(records), &b.Records); err != nil {
			return nil, fmt.Errorf("decode inbound batch %s: %w", b.ID, err)
		}
		b.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return out, nil
}

// RemoveInbound drops queued batches by id. Unknown ids are ignored.
func (s *Store) RemoveInbound(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM crr_inbox WHERE batch_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("remove inbound batches: %w", err)
	}
	return nil
}
