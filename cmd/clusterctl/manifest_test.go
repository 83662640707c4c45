package main

import (
	"testing"
	"time"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const sample = `
chunks:
  - id: a
    proxy: 10.0.0.1:6380
    backends: [10.0.0.1:6379]
    slots: 0-8191
  - id: b
    proxy: 10.0.0.2:6380
    backends: [10.0.0.2:6379, 10.0.0.3:6379]
    slots: 8192-16383
  - id: a-replica
    proxy: 10.0.0.4:6380
    backends: [10.0.0.4:6379]
    replica_of: a
`

func TestManifestBootstrap(t *testing.T) {
	m, err := parseManifest([]byte(sample))
	require.NoError(t, err)
	require.Len(t, m.Chunks, 3)

	delta, notes, err := m.plan(model.Topology{})
	require.NoError(t, err)
	assert.Empty(t, notes)

	topo, err := model.Topology{}.Apply(delta, testNow)
	require.NoError(t, err)
	assert.Empty(t, topo.UnownedSlots())

	b, ok := topo.Chunk("b")
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.0.2:6379", "10.0.0.3:6379"}, b.Backends)

	replica, ok := topo.Chunk("a-replica")
	require.True(t, ok)
	assert.Equal(t, "a", replica.ReplicaOf)
	assert.Zero(t, replica.SlotCount())

	again, _, err := m.plan(topo)
	require.NoError(t, err)
	assert.Empty(t, again.Changes, "applying twice is a no-op")
}

func TestManifestPlanChanges(t *testing.T) {
	m, err := parseManifest([]byte(sample))
	require.NoError(t, err)

	start, err := model.Topology{}.Apply(model.NewDelta(
		model.AddChunk(model.Chunk{ID: "a", Proxy: "10.0.0.1:6380", Backends: []string{"10.0.0.9:6379"}, Slots: model.SlotRanges{model.NewSlotRange(0, 99)}}),
	), testNow)
	require.NoError(t, err)

	delta, _, err := m.plan(start)
	require.NoError(t, err)

	var ops []model.ChangeOp
	for _, c := range delta.Changes {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []model.ChangeOp{
		model.OpSetBackends, model.OpAssignSlots,
		model.OpAddChunk, model.OpAssignSlots,
		model.OpAddChunk,
	}, ops)

	topo, err := start.Apply(delta, testNow)
	require.NoError(t, err)
	a, _ := topo.Chunk("a")
	assert.Equal(t, model.SlotRanges{model.NewSlotRange(0, 8191)}, a.Slots)
	assert.Equal(t, []string{"10.0.0.1:6379"}, a.Backends)
}

func TestManifestRejects(t *testing.T) {
	_, err := parseManifest([]byte("chunks:\n  - id: a\n    proxy: p:1\n"))
	assert.Error(t, err, "backends are required")

	_, err = parseManifest([]byte("chunks:\n  - id: a\n    proxy: p:1\n    backends: [x]\n    color: red\n"))
	assert.Error(t, err, "unknown fields are rejected")

	m, err := parseManifest([]byte(sample))
	require.NoError(t, err)

	owned, err := model.Topology{}.Apply(model.NewDelta(
		model.AddChunk(model.Chunk{ID: "c", Proxy: "10.0.0.5:6380", Backends: []string{"10.0.0.5:6379"}, Slots: model.SlotRanges{model.NewSlotRange(100, 199)}}),
	), testNow)
	require.NoError(t, err)

	_, _, err = m.plan(owned)
	assert.ErrorContains(t, err, "owned by c")

	moved, err := model.Topology{}.Apply(model.NewDelta(
		model.AddChunk(model.Chunk{ID: "a", Proxy: "10.0.0.7:6380", Backends: []string{"10.0.0.1:6379"}}),
	), testNow)
	require.NoError(t, err)

	_, _, err = m.plan(moved)
	assert.ErrorContains(t, err, "proxy is 10.0.0.7:6380")
}

func TestManifestNotesExtraSlots(t *testing.T) {
	m, err := parseManifest([]byte("chunks:\n  - id: a\n    proxy: p:1\n    backends: [x:1]\n    slots: 0-99\n"))
	require.NoError(t, err)

	topo, err := model.Topology{}.Apply(model.NewDelta(
		model.AddChunk(model.Chunk{ID: "a", Proxy: "p:1", Backends: []string{"x:1"}, Slots: model.SlotRanges{model.NewSlotRange(0, 199)}}),
	), testNow)
	require.NoError(t, err)

	delta, notes, err := m.plan(topo)
	require.NoError(t, err)
	assert.Empty(t, delta.Changes)
	assert.Equal(t, []string{"chunk a owns 100-199 beyond the manifest"}, notes)
}
