package repository

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator produces primary keys for new rows.
// Implemented by UUIDv7 (production) and testutil.SequentialIDs (tests).
type IDGenerator interface {
	NewID() (string, error)
}

// UUIDv7 generates time-sortable UUIDv7 ids.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits and
// the generator keeps a monotonic sequence within the process, so ids
// created in order sort in order. Rows created on different replicas
// cannot collide.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// NewID returns a new hyphenated UUIDv7.
func (UUIDv7) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}
