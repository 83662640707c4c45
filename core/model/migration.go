package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MigrationState is the lifecycle state of a migration task.
type MigrationState int

const (
	MigrationIdle MigrationState = iota
	MigrationPrepared
	MigrationImporting
	MigrationSwitching
	MigrationCompleted
	MigrationRolledBack
)

var migrationStateNames = map[MigrationState]string{
	MigrationIdle:       "idle",
	MigrationPrepared:   "prepared",
	MigrationImporting:  "importing",
	MigrationSwitching:  "switching",
	MigrationCompleted:  "completed",
	MigrationRolledBack: "rolled_back",
}

var migrationTransitions = map[MigrationState][]MigrationState{
	MigrationIdle:      {MigrationPrepared},
	MigrationPrepared:  {MigrationImporting, MigrationRolledBack},
	MigrationImporting: {MigrationSwitching, MigrationRolledBack},
	MigrationSwitching: {MigrationCompleted},
}

func (s MigrationState) String() string {
	if name, ok := migrationStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MigrationState(%d)", int(s))
}

func ParseMigrationState(s string) (MigrationState, error) {
	for state, name := range migrationStateNames {
		if name == s {
			return state, nil
		}
	}
	return MigrationIdle, fmt.Errorf("unknown migration state %q", s)
}

func (s MigrationState) MarshalText() ([]byte, error) {
	if _, ok := migrationStateNames[s]; !ok {
		return nil, fmt.Errorf("unknown migration state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *MigrationState) UnmarshalText(text []byte) error {
	state, err := ParseMigrationState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// CanTransition reports whether the state machine allows s -> to.
func (s MigrationState) CanTransition(to MigrationState) bool {
	for _, next := range migrationTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active is true while the task is recorded in the topology.
func (s MigrationState) Active() bool {
	return s == MigrationPrepared || s == MigrationImporting || s == MigrationSwitching
}

func (s MigrationState) Terminal() bool {
	return s == MigrationCompleted || s == MigrationRolledBack
}

// MigrationTask moves a slot range from Source to Destination. Epoch is the
// topology epoch at which the task entered its current state.
type MigrationTask struct {
	ID          uuid.UUID      `json:"id"`
	Range       SlotRange      `json:"range"`
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
	State       MigrationState `json:"state"`
	Epoch       uint64         `json:"epoch"`
	Failover    bool           `json:"failover,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func NewMigrationTask(r SlotRange, source, destination string, failover bool) MigrationTask {
	return MigrationTask{
		ID:          uuid.New(),
		Range:       r,
		Source:      source,
		Destination: destination,
		State:       MigrationIdle,
		Failover:    failover,
	}
}

// Authority returns the chunk that accepts writes for the task's range.
func (t MigrationTask) Authority() string {
	if t.State == MigrationSwitching || t.State == MigrationCompleted {
		return t.Destination
	}
	return t.Source
}

func (t MigrationTask) Involves(chunkID string) bool {
	return t.Source == chunkID || t.Destination == chunkID
}

func (t MigrationTask) String() string {
	return fmt.Sprintf("%s[%s %s->%s %s@%d]", t.ID, t.Range, t.Source, t.Destination, t.State, t.Epoch)
}

// FinishedTask records a task that left the topology. The broker keeps these
// so repeated terminal transitions can be answered without error.
type FinishedTask struct {
	Task       MigrationTask  `json:"task"`
	State      MigrationState `json:"state"`
	Epoch      uint64         `json:"epoch"`
	Reason     string         `json:"reason,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

func (f *FinishedTask) IsExpired(retention time.Duration, now time.Time) bool {
	return !f.FinishedAt.Add(retention).After(now)
}
