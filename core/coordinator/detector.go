package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/backoff"
	"github.com/pyropy/slotcluster/lib/concurrent_map"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FailureReporter forwards failed proxy checks to the broker.
type FailureReporter interface {
	ReportFailure(ctx context.Context, address, reporter string) error
}

// Health is the detector's verdict for one cycle.
type Health struct {
	Proxies map[string]bool
	Chunks  map[string]bool
}

func (h Health) ProxyHealthy(address string) bool {
	return h.Proxies[address]
}

func (h Health) ChunkHealthy(id string) bool {
	return h.Chunks[id]
}

// FailureDetector probes every proxy and chunk once per cycle. A peer is
// unhealthy after maxFailures consecutive failed checks; each check is tried
// up to three times before it counts as failed. Every failed proxy check is
// reported to the broker, which applies its own threshold.
type FailureDetector struct {
	id          string
	prober      Prober
	reporter    FailureReporter
	log         *zap.SugaredLogger
	maxFailures int
	retry       backoff.Backoff
	failures    *concurrent_map.Map[string, int]
}

func NewFailureDetector(id string, prober Prober, reporter FailureReporter, log *zap.SugaredLogger, maxFailures int) *FailureDetector {
	if maxFailures <= 0 {
		maxFailures = 1
	}

	return &FailureDetector{
		id:          id,
		prober:      prober,
		reporter:    reporter,
		log:         log,
		maxFailures: maxFailures,
		retry:       backoff.Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Attempts: 3},
		failures:    concurrent_map.NewMap[string, int](),
	}
}

// Detect checks all proxies and chunks concurrently. Failed proxy checks are
// reported to the broker; report failures are returned.
func (d *FailureDetector) Detect(ctx context.Context, topo model.Topology, proxies []model.ProxyRegistration) (Health, error) {
	admin := make(map[string]string, len(proxies))
	for _, p := range proxies {
		admin[p.Address] = p.AdminAddress
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[string]bool)
		health = Health{Proxies: make(map[string]bool, len(proxies)), Chunks: make(map[string]bool, len(topo.Chunks))}
	)

	for _, p := range proxies {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			ok, err := d.check(ctx, "proxy/"+address, func() error { return d.prober.PingProxy(ctx, address) })
			mu.Lock()
			health.Proxies[address] = ok
			failed[address] = err != nil
			mu.Unlock()
		}(p.Address)
	}

	for _, c := range topo.Chunks {
		wg.Add(1)
		go func(chunk model.Chunk) {
			defer wg.Done()
			ok, _ := d.check(ctx, "chunk/"+chunk.ID, func() error {
				adminAddress, registered := admin[chunk.Proxy]
				if !registered {
					return ErrProxyNotRegistered
				}
				return d.prober.ChunkHealth(ctx, adminAddress, chunk.ID)
			})
			mu.Lock()
			health.Chunks[chunk.ID] = ok
			mu.Unlock()
		}(c)
	}

	wg.Wait()

	var errs error
	for _, p := range proxies {
		if !failed[p.Address] {
			continue
		}
		if !health.Proxies[p.Address] {
			d.log.Warnw("detector", "status", "proxy unhealthy", "proxy", p.Address)
		}
		if err := d.reporter.ReportFailure(ctx, p.Address, d.id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, c := range topo.Chunks {
		if !health.Chunks[c.ID] {
			d.log.Warnw("detector", "status", "chunk unhealthy", "chunk", c.ID, "proxy", c.Proxy)
		}
	}

	return health, errs
}

// check runs probe with retries and updates the consecutive failure count of
// key. It reports whether the peer is still considered healthy and the error
// of a failed check.
func (d *FailureDetector) check(ctx context.Context, key string, probe func() error) (bool, error) {
	err := d.retry.Retry(ctx, func(error) bool { return true }, func(int) error {
		return probe()
	})
	if err == nil {
		d.failures.Delete(key)
		return true, nil
	}

	failures, _ := d.failures.Get(key)
	failures += 1
	d.failures.Set(key, failures)
	d.log.Debugw("detector", "event", "check failed", "peer", key, "failures", failures, "ERROR", err)

	return failures < d.maxFailures, err
}

// Forget drops the failure history of peers that are no longer known.
func (d *FailureDetector) Forget(topo model.Topology, proxies []model.ProxyRegistration) {
	known := make(map[string]bool, len(proxies)+len(topo.Chunks))
	for _, p := range proxies {
		known["proxy/"+p.Address] = true
	}
	for _, c := range topo.Chunks {
		known["chunk/"+c.ID] = true
	}

	for _, key := range d.failures.Keys() {
		if !known[key] {
			d.failures.Delete(key)
		}
	}
}
