package topology

import (
	"time"

	"github.com/pyropy/slotcluster/core/model"
)

const none = -1

// Snapshot is an immutable topology with a precomputed slot table. A request
// captures one snapshot and routes against it to completion.
type Snapshot struct {
	Topology    model.Topology
	Fingerprint string
	FetchedAt   time.Time

	owners     [model.SlotCount]int16
	migrations [model.SlotCount]int16
}

func NewSnapshot(topo model.Topology, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		Topology:    topo.Clone(),
		Fingerprint: topo.Fingerprint(),
		FetchedAt:   fetchedAt,
	}

	for slot := range s.owners {
		s.owners[slot] = none
		s.migrations[slot] = none
	}

	for i, c := range s.Topology.Chunks {
		for _, r := range c.Slots {
			if !r.Valid() {
				continue
			}
			for slot := r.Start; slot <= r.End && slot < model.SlotCount; slot++ {
				s.owners[slot] = int16(i)
			}
		}
	}

	for i, m := range s.Topology.Migrations {
		if !m.Range.Valid() {
			continue
		}
		for slot := m.Range.Start; slot <= m.Range.End && slot < model.SlotCount; slot++ {
			s.migrations[slot] = int16(i)
		}
	}

	return s
}

func (s *Snapshot) Epoch() uint64 {
	return s.Topology.Epoch
}

func (s *Snapshot) Owner(slot int) (model.Chunk, bool) {
	if slot < 0 || slot >= model.SlotCount || s.owners[slot] == none {
		return model.Chunk{}, false
	}
	return s.Topology.Chunks[s.owners[slot]], true
}

func (s *Snapshot) Migration(slot int) (model.MigrationTask, bool) {
	if slot < 0 || slot >= model.SlotCount || s.migrations[slot] == none {
		return model.MigrationTask{}, false
	}
	return s.Topology.Migrations[s.migrations[slot]], true
}

func (s *Snapshot) Chunk(id string) (model.Chunk, bool) {
	return s.Topology.Chunk(id)
}
