package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/concurrent_map"
	proxyRPC "github.com/pyropy/slotcluster/rpc/proxy"
	"go.uber.org/zap"
)

// Step is a single transition the driver wants to apply to a task.
type Step struct {
	Task   model.MigrationTask
	To     model.MigrationState
	Reason string
}

// Observation is what the control loop knows at the start of a cycle.
type Observation struct {
	Topology model.Topology
	Proxies  []model.ProxyRegistration
	Health   Health
	Now      time.Time
}

func (o Observation) proxy(address string) (model.ProxyRegistration, bool) {
	for _, p := range o.Proxies {
		if p.Address == address {
			return p, true
		}
	}
	return model.ProxyRegistration{}, false
}

type phase struct {
	state model.MigrationState
	since time.Time
}

// MigrationDriver advances active migration tasks one state per cycle from
// the signals reported by the proxies of the involved chunks.
type MigrationDriver struct {
	prober           Prober
	log              *zap.SugaredLogger
	migrationTimeout time.Duration
	proxyAckTimeout  time.Duration
	phases           *concurrent_map.Map[uuid.UUID, phase]
}

func NewMigrationDriver(prober Prober, log *zap.SugaredLogger, migrationTimeout, proxyAckTimeout time.Duration) *MigrationDriver {
	return &MigrationDriver{
		prober:           prober,
		log:              log,
		migrationTimeout: migrationTimeout,
		proxyAckTimeout:  proxyAckTimeout,
		phases:           concurrent_map.NewMap[uuid.UUID, phase](),
	}
}

// inPhase returns how long the task has been observed in its current state.
func (d *MigrationDriver) inPhase(task model.MigrationTask, now time.Time) time.Duration {
	p, ok := d.phases.Get(task.ID)
	if !ok || p.state != task.State {
		p = phase{state: task.State, since: now}
		d.phases.Set(task.ID, p)
	}
	return now.Sub(p.since)
}

// Forget drops timing state of tasks that left the topology.
func (d *MigrationDriver) Forget(topo model.Topology) {
	for _, id := range d.phases.Keys() {
		if _, ok := topo.Migration(id); !ok {
			d.phases.Delete(id)
		}
	}
}

// Plan returns the next step for task, if any.
func (d *MigrationDriver) Plan(ctx context.Context, obs Observation, task model.MigrationTask) (Step, bool) {
	elapsed := d.inPhase(task, obs.Now)

	switch task.State {
	case model.MigrationPrepared, model.MigrationImporting:
		if step, ok := d.rollback(obs, task, elapsed); ok {
			return step, true
		}
	}

	switch task.State {
	case model.MigrationPrepared:
		if task.Failover {
			if obs.Health.ChunkHealthy(task.Destination) {
				return Step{Task: task, To: model.MigrationImporting, Reason: "replica healthy"}, true
			}
			return Step{}, false
		}
		if s, ok := d.signals(ctx, obs, task.Destination, task); ok && s.Ready {
			return Step{Task: task, To: model.MigrationImporting, Reason: "destination ready"}, true
		}

	case model.MigrationImporting:
		if task.Failover {
			return Step{Task: task, To: model.MigrationSwitching, Reason: "failover skips bulk copy"}, true
		}
		if s, ok := d.signals(ctx, obs, task.Source, task); ok && s.Copied {
			return Step{Task: task, To: model.MigrationSwitching, Reason: "range copied"}, true
		}

	case model.MigrationSwitching:
		if !d.drained(ctx, obs, task) {
			return Step{}, false
		}
		if pending := d.pendingAcks(obs, task); len(pending) > 0 {
			if elapsed < d.proxyAckTimeout {
				return Step{}, false
			}
			d.log.Warnw("migration", "status", "completing without proxy acknowledgement", "task", task.ID, "proxies", pending, "epoch", task.Epoch)
		}
		return Step{Task: task, To: model.MigrationCompleted, Reason: "range drained"}, true
	}

	return Step{}, false
}

func (d *MigrationDriver) rollback(obs Observation, task model.MigrationTask, elapsed time.Duration) (Step, bool) {
	switch {
	case !obs.Health.ChunkHealthy(task.Destination):
		return Step{Task: task, To: model.MigrationRolledBack, Reason: "destination unhealthy"}, true
	case !task.Failover && !obs.Health.ChunkHealthy(task.Source):
		return Step{Task: task, To: model.MigrationRolledBack, Reason: "source unhealthy"}, true
	case d.migrationTimeout > 0 && elapsed >= d.migrationTimeout:
		d.log.Warnw("migration", "status", "timed out", "task", task.ID, "state", task.State, "elapsed", elapsed, "ERROR", model.ErrMigrationTimeout)
		return Step{Task: task, To: model.MigrationRolledBack, Reason: model.ErrMigrationTimeout.Error()}, true
	}
	return Step{}, false
}

// drained reports whether the source holds no live keys in the range. A dead
// source cannot report it and has nothing left to serve.
func (d *MigrationDriver) drained(ctx context.Context, obs Observation, task model.MigrationTask) bool {
	if task.Failover || !obs.Health.ChunkHealthy(task.Source) {
		return true
	}
	s, ok := d.signals(ctx, obs, task.Source, task)
	return ok && s.Drained
}

// pendingAcks lists healthy proxies of the task's chunks that have not yet
// observed the epoch of the switch.
func (d *MigrationDriver) pendingAcks(obs Observation, task model.MigrationTask) []string {
	var pending []string
	seen := make(map[string]bool, 2)
	for _, id := range []string{task.Source, task.Destination} {
		chunk, ok := obs.Topology.Chunk(id)
		if !ok || seen[chunk.Proxy] {
			continue
		}
		seen[chunk.Proxy] = true

		if !obs.Health.ProxyHealthy(chunk.Proxy) {
			continue
		}
		if p, ok := obs.proxy(chunk.Proxy); ok && p.Acked(task.Epoch) {
			continue
		}
		pending = append(pending, chunk.Proxy)
	}
	return pending
}

func (d *MigrationDriver) signals(ctx context.Context, obs Observation, chunkID string, task model.MigrationTask) (proxyRPC.MigrationSignals, bool) {
	chunk, ok := obs.Topology.Chunk(chunkID)
	if !ok {
		return proxyRPC.MigrationSignals{}, false
	}
	p, ok := obs.proxy(chunk.Proxy)
	if !ok {
		return proxyRPC.MigrationSignals{}, false
	}

	s, err := d.prober.Signals(ctx, p.AdminAddress, chunkID, task.ID)
	if err != nil {
		d.log.Warnw("migration", "status", "signals unavailable", "task", task.ID, "chunk", chunkID, "proxy", p.AdminAddress, "ERROR", err)
		return proxyRPC.MigrationSignals{}, false
	}
	return s, true
}
