package model

import "github.com/google/uuid"

type ChangeOp string

const (
	OpAddChunk            ChangeOp = "add_chunk"
	OpRemoveChunk         ChangeOp = "remove_chunk"
	OpAssignSlots         ChangeOp = "assign_slots"
	OpSetBackends         ChangeOp = "set_backends"
	OpCreateMigration     ChangeOp = "create_migration"
	OpTransitionMigration ChangeOp = "transition_migration"
)

// Change is a single topology mutation. Which fields are read depends on Op.
type Change struct {
	Op       ChangeOp       `json:"op"`
	Chunk    *Chunk         `json:"chunk,omitempty"`
	ChunkID  string         `json:"chunk_id,omitempty"`
	Range    *SlotRange     `json:"range,omitempty"`
	Backends []string       `json:"backends,omitempty"`
	Task     *MigrationTask `json:"task,omitempty"`
	TaskID   *uuid.UUID     `json:"task_id,omitempty"`
	To       MigrationState `json:"to,omitempty"`
}

// Delta is an ordered list of changes applied atomically.
type Delta struct {
	Changes []Change `json:"changes"`
}

func NewDelta(changes ...Change) Delta {
	return Delta{Changes: changes}
}

func AddChunk(c Chunk) Change {
	return Change{Op: OpAddChunk, Chunk: &c}
}

func RemoveChunk(id string) Change {
	return Change{Op: OpRemoveChunk, ChunkID: id}
}

func AssignSlots(id string, r SlotRange) Change {
	return Change{Op: OpAssignSlots, ChunkID: id, Range: &r}
}

func SetBackends(id string, backends []string) Change {
	return Change{Op: OpSetBackends, ChunkID: id, Backends: backends}
}

func CreateMigration(task MigrationTask) Change {
	return Change{Op: OpCreateMigration, Task: &task}
}

func TransitionMigration(id uuid.UUID, to MigrationState) Change {
	return Change{Op: OpTransitionMigration, TaskID: &id, To: to}
}

// Finishes returns the terminal transitions contained in the delta.
func (d Delta) Finishes() map[uuid.UUID]MigrationState {
	out := make(map[uuid.UUID]MigrationState)
	for _, c := range d.Changes {
		if c.Op == OpTransitionMigration && c.TaskID != nil && c.To.Terminal() {
			out[*c.TaskID] = c.To
		}
	}
	return out
}
