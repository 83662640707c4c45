package topology

import (
	"context"
	"errors"
	"time"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/backoff"
	"go.uber.org/zap"
)

// Refresher polls the broker and offers every fetched topology to the cache.
type Refresher struct {
	client   *Client
	cache    *Cache
	log      *zap.SugaredLogger
	interval time.Duration
	backoff  backoff.Backoff
}

func NewRefresher(client *Client, cache *Cache, log *zap.SugaredLogger, interval time.Duration) *Refresher {
	return &Refresher{
		client:   client,
		cache:    cache,
		log:      log,
		interval: interval,
		backoff:  backoff.Default,
	}
}

// Refresh fetches the topology once and offers it. Only unreachable-peer
// errors are retried.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	var topo model.Topology
	err := r.backoff.Retry(ctx, isTransient, func(int) error {
		var err error
		topo, err = r.client.GetTopology(ctx)
		return err
	})
	if err != nil {
		return false, err
	}

	return r.cache.Offer(topo)
}

// Start refreshes immediately and then on every tick until ctx is done.
// Failures are logged and retried on the next tick.
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil {
		if errors.Is(err, model.ErrInvariantViolation) {
			r.log.Errorw("refresh", "status", "routing halted", "ERROR", err)
			return
		}
		if errors.Is(err, ErrOldEpoch) {
			r.log.Warnw("refresh", "status", "broker returned an older epoch", "ERROR", err)
			return
		}
		r.log.Warnw("refresh", "status", "refresh failed", "broker", r.client.Addr(), "ERROR", err)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, model.ErrUnreachablePeer)
}
