package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/lib/checksum"
	"golang.org/x/exp/slices"
)

// Topology is the epoch-versioned cluster layout. Chunks and migrations are
// kept sorted so equal topologies encode to equal bytes.
type Topology struct {
	Epoch      uint64          `json:"epoch"`
	Chunks     []Chunk         `json:"chunks"`
	Migrations []MigrationTask `json:"migrations"`
}

func (t Topology) Chunk(id string) (Chunk, bool) {
	i := t.chunkIndex(id)
	if i < 0 {
		return Chunk{}, false
	}
	return t.Chunks[i], true
}

func (t Topology) chunkIndex(id string) int {
	return slices.IndexFunc(t.Chunks, func(c Chunk) bool { return c.ID == id })
}

// Owner returns the chunk owning slot.
func (t Topology) Owner(slot int) (Chunk, bool) {
	for _, c := range t.Chunks {
		if c.Owns(slot) {
			return c, true
		}
	}
	return Chunk{}, false
}

func (t Topology) Migration(id uuid.UUID) (MigrationTask, bool) {
	i := t.migrationIndex(id)
	if i < 0 {
		return MigrationTask{}, false
	}
	return t.Migrations[i], true
}

func (t Topology) migrationIndex(id uuid.UUID) int {
	return slices.IndexFunc(t.Migrations, func(m MigrationTask) bool { return m.ID == id })
}

// MigrationFor returns the in-flight migration covering slot.
func (t Topology) MigrationFor(slot int) (MigrationTask, bool) {
	for _, m := range t.Migrations {
		if m.Range.Contains(slot) {
			return m, true
		}
	}
	return MigrationTask{}, false
}

// MigrationsOf returns the in-flight migrations a chunk takes part in.
func (t Topology) MigrationsOf(chunkID string) []MigrationTask {
	var out []MigrationTask
	for _, m := range t.Migrations {
		if m.Involves(chunkID) {
			out = append(out, m)
		}
	}
	return out
}

// ChunksOfProxy returns the chunks fronted by the proxy at address.
func (t Topology) ChunksOfProxy(address string) []Chunk {
	var out []Chunk
	for _, c := range t.Chunks {
		if c.Proxy == address {
			out = append(out, c)
		}
	}
	return out
}

// Authority returns the chunk holding write authority for slot.
func (t Topology) Authority(slot int) (string, bool) {
	if m, ok := t.MigrationFor(slot); ok {
		return m.Authority(), true
	}
	if c, ok := t.Owner(slot); ok {
		return c.ID, true
	}
	return "", false
}

func (t Topology) UnownedSlots() SlotRanges {
	var owned SlotRanges
	for _, c := range t.Chunks {
		owned = append(owned, c.Slots...)
	}

	return SlotRanges{NewSlotRange(0, SlotCount-1)}.subtractAll(owned.Normalize())
}

func (rs SlotRanges) subtractAll(other SlotRanges) SlotRanges {
	out := rs
	for _, r := range other {
		out = out.Subtract(r)
	}
	return out
}

func (t Topology) Clone() Topology {
	out := Topology{Epoch: t.Epoch}
	if t.Chunks != nil {
		out.Chunks = make([]Chunk, 0, len(t.Chunks))
		for _, c := range t.Chunks {
			out.Chunks = append(out.Chunks, c.clone())
		}
	}
	out.Migrations = slices.Clone(t.Migrations)
	return out
}

// Encode returns the canonical JSON encoding.
func (t Topology) Encode() ([]byte, error) {
	t.sort()
	return json.Marshal(t)
}

func DecodeTopology(data []byte) (Topology, error) {
	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return Topology{}, err
	}
	t.sort()
	return t, nil
}

// Fingerprint is the checksum of the canonical encoding.
func (t Topology) Fingerprint() string {
	data, err := t.Encode()
	if err != nil {
		return ""
	}
	return checksum.Fingerprint(data)
}

func (t *Topology) sort() {
	if len(t.Chunks) > 1 {
		t.Chunks = slices.Clone(t.Chunks)
		slices.SortFunc(t.Chunks, func(a, b Chunk) int {
			return strings.Compare(a.ID, b.ID)
		})
	}
	if len(t.Migrations) > 1 {
		t.Migrations = slices.Clone(t.Migrations)
		slices.SortFunc(t.Migrations, func(a, b MigrationTask) int {
			return strings.Compare(a.ID.String(), b.ID.String())
		})
	}
}

// Validate checks the ownership invariants of the topology.
func (t Topology) Validate() error {
	var owners [SlotCount]int
	seen := make(map[string]bool, len(t.Chunks))

	for i, c := range t.Chunks {
		if c.ID == "" {
			return fmt.Errorf("%w: chunk without id", ErrInvariantViolation)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate chunk %s", ErrInvariantViolation, c.ID)
		}
		seen[c.ID] = true

		for _, r := range c.Slots {
			if !r.Valid() {
				return fmt.Errorf("%w: chunk %s range %s", ErrInvalidSlotRange, c.ID, r)
			}
			for slot := r.Start; slot <= r.End; slot++ {
				if owners[slot] != 0 {
					return fmt.Errorf("%w: slot %d owned by %s and %s", ErrSlotOwned, slot, t.Chunks[owners[slot]-1].ID, c.ID)
				}
				owners[slot] = i + 1
			}
		}
	}

	for i, m := range t.Migrations {
		if !m.State.Active() {
			return fmt.Errorf("%w: task %s recorded in state %s", ErrInvariantViolation, m.ID, m.State)
		}
		if !m.Range.Valid() {
			return fmt.Errorf("%w: task %s range %s", ErrInvalidSlotRange, m.ID, m.Range)
		}
		if m.Source == m.Destination {
			return fmt.Errorf("%w: task %s migrates %s onto itself", ErrInvalidChange, m.ID, m.Source)
		}
		src, ok := t.Chunk(m.Source)
		if !ok {
			return fmt.Errorf("%w: task %s source %s", ErrChunkNotFound, m.ID, m.Source)
		}
		if _, ok := t.Chunk(m.Destination); !ok {
			return fmt.Errorf("%w: task %s destination %s", ErrChunkNotFound, m.ID, m.Destination)
		}
		if !src.Slots.Covers(m.Range) {
			return fmt.Errorf("%w: task %s range %s source %s", ErrRangeNotOwned, m.ID, m.Range, m.Source)
		}
		for _, other := range t.Migrations[i+1:] {
			if other.Range.Overlaps(m.Range) {
				return fmt.Errorf("%w: tasks %s and %s", ErrMigrationOverlap, m.ID, other.ID)
			}
		}
	}

	return nil
}

// Apply applies every change of delta in order and returns the validated
// result at the next epoch. t is left untouched.
func (t Topology) Apply(delta Delta, now time.Time) (Topology, error) {
	if len(delta.Changes) == 0 {
		return Topology{}, ErrEmptyDelta
	}

	next := t.Clone()
	next.Epoch = t.Epoch + 1
	now = now.UTC()

	for i, change := range delta.Changes {
		if err := next.apply(change, now); err != nil {
			return Topology{}, fmt.Errorf("change %d (%s): %w", i, change.Op, err)
		}
	}

	next.sort()
	if err := next.Validate(); err != nil {
		return Topology{}, err
	}

	return next, nil
}

func (t *Topology) apply(c Change, now time.Time) error {
	switch c.Op {
	case OpAddChunk:
		return t.addChunk(c)
	case OpRemoveChunk:
		return t.removeChunk(c.ChunkID)
	case OpAssignSlots:
		return t.assignSlots(c)
	case OpSetBackends:
		return t.setBackends(c)
	case OpCreateMigration:
		return t.createMigration(c, now)
	case OpTransitionMigration:
		return t.transitionMigration(c, now)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidChange, c.Op)
	}
}

func (t *Topology) addChunk(c Change) error {
	if c.Chunk == nil || c.Chunk.ID == "" {
		return fmt.Errorf("%w: chunk id required", ErrInvalidChange)
	}
	if c.Chunk.Proxy == "" {
		return fmt.Errorf("%w: chunk %s has no proxy", ErrInvalidChange, c.Chunk.ID)
	}
	if len(c.Chunk.Backends) == 0 {
		return fmt.Errorf("%w: chunk %s has no backends", ErrInvalidChange, c.Chunk.ID)
	}
	if t.chunkIndex(c.Chunk.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrChunkExists, c.Chunk.ID)
	}
	if c.Chunk.ReplicaOf != "" && t.chunkIndex(c.Chunk.ReplicaOf) < 0 {
		return fmt.Errorf("%w: %s replicates unknown chunk %s", ErrChunkNotFound, c.Chunk.ID, c.Chunk.ReplicaOf)
	}

	chunk := c.Chunk.clone()
	chunk.Slots = chunk.Slots.Normalize()
	for _, r := range chunk.Slots {
		if err := t.checkUnowned(r); err != nil {
			return err
		}
	}

	t.Chunks = append(t.Chunks, chunk)
	return nil
}

func (t *Topology) removeChunk(id string) error {
	i := t.chunkIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	if len(t.Chunks[i].Slots) > 0 || len(t.MigrationsOf(id)) > 0 {
		return fmt.Errorf("%w: %s", ErrChunkBusy, id)
	}

	t.Chunks = slices.Delete(t.Chunks, i, i+1)
	for j := range t.Chunks {
		if t.Chunks[j].ReplicaOf == id {
			t.Chunks[j].ReplicaOf = ""
		}
	}
	return nil
}

func (t *Topology) assignSlots(c Change) error {
	i := t.chunkIndex(c.ChunkID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrChunkNotFound, c.ChunkID)
	}
	if c.Range == nil || !c.Range.Valid() {
		return ErrInvalidSlotRange
	}
	if err := t.checkUnowned(*c.Range); err != nil {
		return err
	}

	t.Chunks[i].Slots = t.Chunks[i].Slots.Add(*c.Range)
	return nil
}

func (t *Topology) checkUnowned(r SlotRange) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidSlotRange, r)
	}
	for _, c := range t.Chunks {
		if c.Slots.Overlaps(r) {
			return fmt.Errorf("%w: %s overlaps chunk %s", ErrSlotOwned, r, c.ID)
		}
	}
	return nil
}

func (t *Topology) setBackends(c Change) error {
	i := t.chunkIndex(c.ChunkID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrChunkNotFound, c.ChunkID)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: chunk %s needs at least one backend", ErrInvalidChange, c.ChunkID)
	}

	t.Chunks[i].Backends = slices.Clone(c.Backends)
	return nil
}

func (t *Topology) createMigration(c Change, now time.Time) error {
	if c.Task == nil || c.Task.ID == uuid.Nil {
		return fmt.Errorf("%w: task id required", ErrInvalidChange)
	}

	task := *c.Task
	if t.migrationIndex(task.ID) >= 0 {
		return fmt.Errorf("%w: task %s exists", ErrInvalidChange, task.ID)
	}
	if !task.Range.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidSlotRange, task.Range)
	}
	if task.Source == task.Destination {
		return fmt.Errorf("%w: source and destination are both %s", ErrInvalidChange, task.Source)
	}

	src, ok := t.Chunk(task.Source)
	if !ok {
		return fmt.Errorf("%w: source %s", ErrChunkNotFound, task.Source)
	}
	if _, ok := t.Chunk(task.Destination); !ok {
		return fmt.Errorf("%w: destination %s", ErrChunkNotFound, task.Destination)
	}
	if !src.Slots.Covers(task.Range) {
		return fmt.Errorf("%w: %s by %s", ErrRangeNotOwned, task.Range, task.Source)
	}
	for _, m := range t.Migrations {
		if m.Range.Overlaps(task.Range) {
			return fmt.Errorf("%w: %s", ErrMigrationOverlap, m.ID)
		}
	}

	task.State = MigrationPrepared
	task.Epoch = t.Epoch
	task.CreatedAt = now
	task.UpdatedAt = now
	t.Migrations = append(t.Migrations, task)
	return nil
}

func (t *Topology) transitionMigration(c Change, now time.Time) error {
	if c.TaskID == nil {
		return fmt.Errorf("%w: task id required", ErrInvalidChange)
	}

	i := t.migrationIndex(*c.TaskID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, *c.TaskID)
	}

	task := t.Migrations[i]
	if !task.State.CanTransition(c.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.State, c.To)
	}

	switch c.To {
	case MigrationCompleted:
		src := t.chunkIndex(task.Source)
		dst := t.chunkIndex(task.Destination)
		if src < 0 || dst < 0 {
			return fmt.Errorf("%w: task %s", ErrChunkNotFound, task.ID)
		}
		t.Chunks[src].Slots = t.Chunks[src].Slots.Subtract(task.Range)
		t.Chunks[dst].Slots = t.Chunks[dst].Slots.Add(task.Range)
		t.Migrations = slices.Delete(t.Migrations, i, i+1)
	case MigrationRolledBack:
		t.Migrations = slices.Delete(t.Migrations, i, i+1)
	default:
		task.State = c.To
		task.Epoch = t.Epoch
		task.UpdatedAt = now
		t.Migrations[i] = task
	}

	return nil
}

// SlotCounts returns the number of slots owned by each chunk.
func (t Topology) SlotCounts() map[string]int {
	out := make(map[string]int, len(t.Chunks))
	for _, c := range t.Chunks {
		out[c.ID] = c.SlotCount()
	}
	return out
}
