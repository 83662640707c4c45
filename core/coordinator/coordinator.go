package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/backoff"
	"github.com/pyropy/slotcluster/lib/concurrent_map"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrProxyNotRegistered = errors.New("proxy not registered")

// Broker is the part of the broker API the control loop uses.
type Broker interface {
	FailureReporter
	GetTopology(ctx context.Context) (model.Topology, error)
	ProposeUpdate(ctx context.Context, expectedEpoch uint64, delta model.Delta) (uint64, error)
	Transition(ctx context.Context, taskID uuid.UUID, expectedEpoch uint64, to model.MigrationState, reason string) (uint64, bool, error)
	Proxies(ctx context.Context) ([]model.ProxyRegistration, error)
}

// Coordinator reconciles observed health with the topology held by the
// broker. Every write names the epoch it was planned against.
type Coordinator struct {
	id              string
	broker          Broker
	detector        *FailureDetector
	driver          *MigrationDriver
	log             *zap.SugaredLogger
	interval        time.Duration
	proxyAckTimeout time.Duration
	overloadRatio   float64
	retry           backoff.Backoff
	lagging         *concurrent_map.Map[uuid.UUID, time.Time]
	now             func() time.Time
}

func New(cfg *Config, broker Broker, prober Prober, log *zap.SugaredLogger) *Coordinator {
	retry := backoff.Default
	if cfg.RetryAttempts > 0 {
		retry.Attempts = cfg.RetryAttempts
	}

	return &Coordinator{
		id:              cfg.ID,
		broker:          broker,
		detector:        NewFailureDetector(cfg.ID, prober, broker, log, cfg.MaxFailures),
		driver:          NewMigrationDriver(prober, log, cfg.MigrationTimeout, cfg.ProxyAckTimeout),
		log:             log,
		interval:        cfg.Interval,
		proxyAckTimeout: cfg.ProxyAckTimeout,
		overloadRatio:   cfg.OverloadRatio,
		retry:           retry,
		lagging:         concurrent_map.NewMap[uuid.UUID, time.Time](),
		now:             time.Now,
	}
}

// Start runs a cycle on every tick until ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Infow("coordinator", "status", "started", "id", c.id, "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunCycle(ctx); err != nil {
				c.log.Errorw("coordinator", "status", "cycle failed", "ERROR", err)
			}
		}
	}
}

// cycle carries the view of one reconciliation pass. topo goes stale after
// every accepted write and is re-read before the next one.
type cycle struct {
	obs     Observation
	touched model.SlotRanges
	dirty   bool
}

// RunCycle performs one reconciliation pass. Failures of single actions do
// not stop the pass; they are combined into the returned error.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	topo, err := c.broker.GetTopology(ctx)
	if err != nil {
		return err
	}
	proxies, err := c.broker.Proxies(ctx)
	if err != nil {
		return err
	}

	c.detector.Forget(topo, proxies)
	c.driver.Forget(topo)

	health, errs := c.detector.Detect(ctx, topo, proxies)
	cy := &cycle{obs: Observation{Topology: topo, Proxies: proxies, Health: health, Now: c.now()}}

	errs = multierr.Append(errs, c.checkPartitions(ctx, cy))

	for _, task := range topo.Migrations {
		step, ok := c.driver.Plan(ctx, cy.obs, task)
		if !ok {
			continue
		}
		cy.touched = cy.touched.Add(task.Range)
		errs = multierr.Append(errs, c.transition(ctx, cy, step))
	}

	errs = multierr.Append(errs, c.failover(ctx, cy))
	errs = multierr.Append(errs, c.rebalance(ctx, cy))

	if unowned := cy.obs.Topology.UnownedSlots(); len(unowned) > 0 {
		c.log.Warnw("invariant", "status", "unowned slots", "slots", unowned.String(), "epoch", cy.obs.Topology.Epoch, "ERROR", model.ErrInvariantViolation)
	}

	return errs
}

// checkPartitions reports healthy proxies that have lagged the current epoch
// for longer than the acknowledgement timeout.
func (c *Coordinator) checkPartitions(ctx context.Context, cy *cycle) error {
	var errs error
	epoch := cy.obs.Topology.Epoch

	for _, p := range cy.obs.Proxies {
		if !cy.obs.Health.ProxyHealthy(p.Address) || p.Acked(epoch) {
			c.lagging.Delete(p.ID)
			continue
		}

		since, _ := c.lagging.GetOrSet(p.ID, cy.obs.Now)
		if cy.obs.Now.Sub(since) < c.proxyAckTimeout {
			continue
		}

		c.log.Warnw("coordinator", "status", "proxy lags behind", "proxy", p.Address, "last_seen_epoch", p.LastSeenEpoch, "epoch", epoch, "since", since)
		if err := c.broker.ReportFailure(ctx, p.Address, c.id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (c *Coordinator) transition(ctx context.Context, cy *cycle, step Step) error {
	return c.commit(ctx, cy, func(topo model.Topology) (bool, error) {
		task, ok := topo.Migration(step.Task.ID)
		if !ok || task.State != step.Task.State {
			c.log.Infow("migration", "status", "plan outdated", "task", step.Task.ID, "planned_from", step.Task.State, "to", step.To)
			return false, nil
		}

		epoch, applied, err := c.broker.Transition(ctx, task.ID, topo.Epoch, step.To, step.Reason)
		if err != nil {
			return false, err
		}

		c.log.Infow("migration", "event", "transition", "task", task.ID, "range", task.Range.String(), "from", task.State, "to", step.To, "reason", step.Reason, "epoch", epoch, "applied", applied)
		return applied, nil
	})
}

func (c *Coordinator) failover(ctx context.Context, cy *cycle) error {
	return c.commit(ctx, cy, func(topo model.Topology) (bool, error) {
		tasks := planFailover(topo, cy.obs.Health, cy.touched)
		if len(tasks) == 0 {
			return false, nil
		}

		changes := make([]model.Change, 0, len(tasks))
		for _, task := range tasks {
			changes = append(changes, model.CreateMigration(task))
		}

		epoch, err := c.broker.ProposeUpdate(ctx, topo.Epoch, model.NewDelta(changes...))
		if err != nil {
			return false, err
		}

		for _, task := range tasks {
			cy.touched = cy.touched.Add(task.Range)
			c.log.Infow("failover", "event", "migration created", "task", task.ID, "range", task.Range.String(), "from", task.Source, "to", task.Destination, "epoch", epoch)
		}
		return true, nil
	})
}

func (c *Coordinator) rebalance(ctx context.Context, cy *cycle) error {
	return c.commit(ctx, cy, func(topo model.Topology) (bool, error) {
		task, ok := planRebalance(topo, cy.obs.Health, c.overloadRatio, cy.touched)
		if !ok {
			return false, nil
		}

		epoch, err := c.broker.ProposeUpdate(ctx, topo.Epoch, model.NewDelta(model.CreateMigration(task)))
		if err != nil {
			return false, err
		}

		cy.touched = cy.touched.Add(task.Range)
		c.log.Infow("rebalance", "event", "migration created", "task", task.ID, "range", task.Range.String(), "from", task.Source, "to", task.Destination, "epoch", epoch)
		return true, nil
	})
}

// commit runs write against the freshest topology available. A write
// rejected by the broker's epoch check is planned again from a fresh read.
func (c *Coordinator) commit(ctx context.Context, cy *cycle, write func(model.Topology) (bool, error)) error {
	return c.retry.Retry(ctx, retryable, func(attempt int) error {
		if attempt > 0 || cy.dirty {
			topo, err := c.broker.GetTopology(ctx)
			if err != nil {
				return err
			}
			cy.obs.Topology = topo
			cy.dirty = false
		}

		wrote, err := write(cy.obs.Topology)
		if err != nil {
			if errors.Is(err, model.ErrEpochConflict) {
				c.log.Infow("coordinator", "event", "epoch conflict", "expected", cy.obs.Topology.Epoch, "ERROR", err)
			}
			return err
		}
		if wrote {
			cy.dirty = true
		}
		return nil
	})
}

func retryable(err error) bool {
	return errors.Is(err, model.ErrEpochConflict) || errors.Is(err, model.ErrUnreachablePeer)
}
