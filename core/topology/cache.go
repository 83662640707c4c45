package topology

import (
	"fmt"
	"sync"
	"time"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/lru_cache"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrOldEpoch is returned when an offered topology is older than the active
// one.
var ErrOldEpoch = fmt.Errorf("old epoch: %w", model.ErrStaleTopology)

// HistorySize is the number of past epochs whose fingerprints are kept to
// detect conflicting topologies for the same epoch.
var HistorySize = 64

// Cache holds the latest topology snapshot. Reads never block; offers are
// serialized and only move the epoch forward.
type Cache struct {
	log          *zap.SugaredLogger
	maxStaleness time.Duration
	now          func() time.Time

	mu          sync.Mutex
	current     *atomic.Pointer[Snapshot]
	lastRefresh *atomic.Time
	halted      *atomic.Error
	history     *lru_cache.LRU[uint64, string]
	observers   []func(*Snapshot)
	floor       uint64
}

// NewCache creates an empty cache. maxStaleness of zero disables the
// staleness bound.
func NewCache(log *zap.SugaredLogger, maxStaleness time.Duration) *Cache {
	return &Cache{
		log:          log,
		maxStaleness: maxStaleness,
		now:          time.Now,
		current:      atomic.NewPointer[Snapshot](nil),
		lastRefresh:  atomic.NewTime(time.Time{}),
		halted:       atomic.NewError(nil),
		history:      lru_cache.NewLRU[uint64, string](HistorySize),
	}
}

// OnSwap registers f to be called after every swap. Observers run on the
// offering goroutine and must not block.
func (c *Cache) OnSwap(f func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observers = append(c.observers, f)
}

// Current returns the active snapshot. It fails once the cache halted, when
// nothing was loaded yet and when the last refresh is older than the
// staleness bound. The stale snapshot is still returned in the last case.
func (c *Cache) Current() (*Snapshot, error) {
	if err := c.halted.Load(); err != nil {
		return nil, err
	}

	snap := c.current.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: no topology loaded", model.ErrStaleTopology)
	}

	if c.maxStaleness > 0 {
		if age := c.now().Sub(c.lastRefresh.Load()); age > c.maxStaleness {
			return snap, fmt.Errorf("%w: last refresh %s ago", model.ErrStaleTopology, age.Round(time.Millisecond))
		}
	}

	return snap, nil
}

// Peek returns the active snapshot without any freshness checks.
func (c *Cache) Peek() *Snapshot {
	return c.current.Load()
}

func (c *Cache) Epoch() uint64 {
	if snap := c.current.Load(); snap != nil {
		return snap.Epoch()
	}
	return 0
}

// Halted returns the reason routing was stopped, if any.
func (c *Cache) Halted() error {
	return c.halted.Load()
}

// Clear drops the active snapshot. Routing stops until a topology at least
// as new as the dropped one is offered.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.current.Load(); cur != nil {
		c.floor = cur.Epoch()
		c.log.Infow("topology", "event", "cleared", "epoch", c.floor)
	}
	c.current.Store(nil)
}

// Offer installs topo if its epoch is strictly greater than the active one.
// An equal epoch with the same content only confirms freshness. A topology
// whose content differs from what was installed for the same epoch halts the
// cache. Malformed topologies are rejected without halting.
func (c *Cache) Offer(topo model.Topology) (bool, error) {
	if err := topo.Validate(); err != nil {
		return false, fmt.Errorf("reject epoch %d: %w", topo.Epoch, err)
	}

	snap, cur, observers, err := c.install(topo)
	if err != nil || snap == nil {
		return false, err
	}

	var from uint64
	if cur != nil {
		from = cur.Epoch()
	}
	c.log.Infow("topology", "event", "swap", "from", from, "to", snap.Epoch(), "fingerprint", snap.Fingerprint)

	for _, f := range observers {
		f(snap)
	}

	return true, nil
}

// install swaps in a validated topology. It returns a nil snapshot when the
// offer only confirmed the active epoch.
func (c *Cache) install(topo model.Topology) (*Snapshot, *Snapshot, []func(*Snapshot), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.halted.Load(); err != nil {
		return nil, nil, nil, err
	}

	now := c.now()
	snap := NewSnapshot(topo, now)
	cur := c.current.Load()

	if seen, ok := c.history.Get(snap.Epoch()); ok && seen != snap.Fingerprint {
		err := fmt.Errorf("%w: epoch %d has fingerprints %s and %s", model.ErrInvariantViolation, snap.Epoch(), seen, snap.Fingerprint)
		c.halted.Store(err)
		c.log.Errorw("topology", "status", "routing halted", "epoch", snap.Epoch(), "ERROR", err)
		return nil, nil, nil, err
	}

	if cur == nil && snap.Epoch() < c.floor {
		return nil, nil, nil, fmt.Errorf("%w: offered %d, cleared at %d", ErrOldEpoch, snap.Epoch(), c.floor)
	}

	if cur != nil {
		switch {
		case snap.Epoch() < cur.Epoch():
			return nil, nil, nil, fmt.Errorf("%w: offered %d, active %d", ErrOldEpoch, snap.Epoch(), cur.Epoch())
		case snap.Epoch() == cur.Epoch():
			c.lastRefresh.Store(now)
			return nil, nil, nil, nil
		}
	}

	c.current.Store(snap)
	c.lastRefresh.Store(now)
	c.history.Put(snap.Epoch(), snap.Fingerprint)
	return snap, cur, append([]func(*Snapshot){}, c.observers...), nil
}
