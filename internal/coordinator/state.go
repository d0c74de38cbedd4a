package coordinator

import (
	"fmt"
	"time"
)

// State is the coordinator's activity state.
type State int

const (
	// Idle: nothing unsynced is known to be pending.
	Idle State = iota
	// Active: local edits observed since the last round.
	Active
	// Syncing: a round is running.
	Syncing
	// Compacting: a retention pass is running.
	Compacting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Syncing:
		return "syncing"
	case Compacting:
		return "compacting"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, Active, Syncing, Compacting} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Clock supplies wall time. *testutil.FakeClock implements it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
