package coordinator

import (
	"golang.org/x/exp/slices"

	"github.com/pyropy/slotcluster/core/model"
)

// planFailover moves every slot range of an unhealthy chunk without in-flight
// migrations to a healthy replica of it.
func planFailover(topo model.Topology, health Health, skip model.SlotRanges) []model.MigrationTask {
	var tasks []model.MigrationTask
	for _, c := range topo.Chunks {
		if health.ChunkHealthy(c.ID) || c.SlotCount() == 0 || len(topo.MigrationsOf(c.ID)) > 0 {
			continue
		}

		replica, ok := healthyReplica(topo, health, c.ID)
		if !ok {
			continue
		}

		for _, r := range c.Slots {
			if skip.Overlaps(r) {
				continue
			}
			tasks = append(tasks, model.NewMigrationTask(r, c.ID, replica.ID, true))
		}
	}
	return tasks
}

func healthyReplica(topo model.Topology, health Health, of string) (model.Chunk, bool) {
	for _, c := range topo.Chunks {
		if c.ReplicaOf == of && health.ChunkHealthy(c.ID) && len(topo.MigrationsOf(c.ID)) == 0 {
			return c, true
		}
	}
	return model.Chunk{}, false
}

// planRebalance moves part of the largest range of the most loaded chunk to
// the least loaded one when the former exceeds ratio times the mean load.
// Replicas, unhealthy chunks and chunks already migrating are left alone.
func planRebalance(topo model.Topology, health Health, ratio float64, skip model.SlotRanges) (model.MigrationTask, bool) {
	if ratio <= 0 {
		return model.MigrationTask{}, false
	}

	var candidates []model.Chunk
	total := 0
	for _, c := range topo.Chunks {
		if c.ReplicaOf != "" || !health.ChunkHealthy(c.ID) || len(topo.MigrationsOf(c.ID)) > 0 {
			continue
		}
		candidates = append(candidates, c)
		total += c.SlotCount()
	}
	if len(candidates) < 2 || total == 0 {
		return model.MigrationTask{}, false
	}

	byLoad := func(a, b model.Chunk) int {
		if a.SlotCount() != b.SlotCount() {
			return a.SlotCount() - b.SlotCount()
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	}
	least := slices.MinFunc(candidates, byLoad)
	most := slices.MaxFunc(candidates, byLoad)

	mean := float64(total) / float64(len(candidates))
	if float64(most.SlotCount()) <= ratio*mean {
		return model.MigrationTask{}, false
	}

	largest := slices.MaxFunc(most.Slots, func(a, b model.SlotRange) int { return a.Len() - b.Len() })
	n := (most.SlotCount() - least.SlotCount()) / 2
	if n > largest.Len() {
		n = largest.Len()
	}
	if n <= 0 {
		return model.MigrationTask{}, false
	}

	r := model.NewSlotRange(largest.End-n+1, largest.End)
	if skip.Overlaps(r) {
		return model.MigrationTask{}, false
	}
	return model.NewMigrationTask(r, most.ID, least.ID, false), true
}
