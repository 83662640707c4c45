package model

import "golang.org/x/exp/slices"

// Chunk is a logical storage unit owning a set of slot ranges. It is served by
// one or more storage instances and fronted by a single proxy.
type Chunk struct {
	ID        string     `json:"id" yaml:"id"`
	Proxy     string     `json:"proxy" yaml:"proxy"`
	Backends  []string   `json:"backends" yaml:"backends"`
	ReplicaOf string     `json:"replica_of,omitempty" yaml:"replica_of,omitempty"`
	Slots     SlotRanges `json:"slots" yaml:"slots"`
}

// Primary returns the address of the backend that takes writes.
func (c Chunk) Primary() string {
	if len(c.Backends) == 0 {
		return ""
	}
	return c.Backends[0]
}

func (c Chunk) Owns(slot int) bool {
	return c.Slots.Contains(slot)
}

func (c Chunk) SlotCount() int {
	return c.Slots.Count()
}

func (c Chunk) clone() Chunk {
	c.Backends = slices.Clone(c.Backends)
	c.Slots = slices.Clone(c.Slots)
	return c
}
