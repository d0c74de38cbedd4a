package coordinator

import (
	"context"
	"time"

	"github.com/roach88/replica/internal/store"
)

// Status is a read-only snapshot of the coordinator for presentation.
type Status struct {
	Site                string                `json:"site_id"`
	State               State                 `json:"state"`
	IsIdle              bool                  `json:"is_idle"`
	LastSyncVersion     uint64                `json:"last_sync_version"`
	CurrentVersion      uint64                `json:"current_version"`
	Unsynced            uint64                `json:"unsynced_versions"`
	Log                 store.LogStats        `json:"log"`
	Peers               []store.PeerWatermark `json:"peers,omitempty"`
	LastEdit            time.Time             `json:"last_edit,omitzero"`
	LastRound           *RoundReport          `json:"last_round,omitempty"`
	LastCompaction      *CompactionReport     `json:"last_compaction,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastError           string                `json:"last_error,omitempty"`
	Health              string                `json:"health"`
}

// Status reads the coordinator's state and the store's counters.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{
		Site:                c.store.SiteID().String(),
		State:               c.state,
		IsIdle:              c.state == Idle,
		LastEdit:            c.lastEdit,
		LastRound:           c.lastRound,
		LastCompaction:      c.lastCompaction,
		ConsecutiveFailures: c.failures,
		Health:              HealthOK,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.failures >= DegradedAfter {
		st.Health = HealthDegraded
	}
	c.mu.Unlock()

	var err error
	if st.LastSyncVersion, err = c.store.Cursor(ctx); err != nil {
		return st, err
	}
	if st.CurrentVersion, err = c.store.CurrentVersion(ctx); err != nil {
		return st, err
	}
	if st.CurrentVersion > st.LastSyncVersion {
		st.Unsynced = st.CurrentVersion - st.LastSyncVersion
	}
	if st.Log, err = c.store.LogStats(ctx); err != nil {
		return st, err
	}
	if st.Peers, err = c.store.PeerWatermarks(ctx); err != nil {
		return st, err
	}
	return st, nil
}
