package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/concurrent_map"
	"golang.org/x/exp/slices"
)

var (
	FailedHealthChecksThreshold = 3
)

var ErrProxyNotFound = errors.New("proxy not found")

const proxyPrefix = "/proxies"

// ProxyRegistry tracks the proxies serving the cluster. Registrations live
// next to the topology record but are not epoch versioned.
type ProxyRegistry struct {
	store     *Store
	mu        sync.Mutex
	proxies   *concurrent_map.Map[uuid.UUID, model.ProxyRegistration]
	threshold int
}

func NewProxyRegistry(ctx context.Context, store *Store, threshold int) (*ProxyRegistry, error) {
	if threshold <= 0 {
		threshold = FailedHealthChecksThreshold
	}

	r := &ProxyRegistry{
		store:     store,
		proxies:   concurrent_map.NewMap[uuid.UUID, model.ProxyRegistration](),
		threshold: threshold,
	}

	res, err := store.db.Query(ctx, dsq.Query{Prefix: proxyPrefix})
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer res.Close()

	for {
		e, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if e.Error != nil {
			return nil, e.Error
		}

		var p model.ProxyRegistration
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, fmt.Errorf("decode proxy %s: %w", e.Key, err)
		}
		r.proxies.Set(p.ID, p)
	}

	return r, nil
}

// Register adds a proxy. Registering an address again keeps its id.
func (r *ProxyRegistry) Register(ctx context.Context, address, adminAddress string) (model.ProxyRegistration, error) {
	if strings.TrimSpace(address) == "" {
		return model.ProxyRegistration{}, fmt.Errorf("%w: proxy address required", model.ErrInvalidChange)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.store.now().UTC()
	p, ok := r.byAddress(address)
	if ok {
		p.Healthy = true
		p.FailedChecks = 0
		p.LastReport = now
		p.AdminAddress = adminAddress
	} else {
		p = model.NewProxyRegistration(address, adminAddress, now)
	}

	return p, r.save(ctx, p)
}

// Heartbeat marks a proxy healthy and records the epoch it serves.
func (r *ProxyRegistry) Heartbeat(ctx context.Context, id uuid.UUID, epoch uint64) (model.ProxyRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proxies.Get(id)
	if !ok {
		return model.ProxyRegistration{}, fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}

	p.Healthy = true
	p.FailedChecks = 0
	p.Reporter = ""
	p.LastReport = r.store.now().UTC()
	if epoch > p.LastSeenEpoch {
		p.LastSeenEpoch = epoch
	}

	return p, r.save(ctx, p)
}

// ReportFailure records a failed check of the proxy at address. The proxy is
// marked unhealthy once the failures reach the threshold.
func (r *ProxyRegistry) ReportFailure(ctx context.Context, address, reporter string) (model.ProxyRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byAddress(address)
	if !ok {
		return model.ProxyRegistration{}, fmt.Errorf("%w: %s", ErrProxyNotFound, address)
	}

	p.FailedChecks += 1
	p.Reporter = reporter
	if p.FailedChecks >= r.threshold {
		p.Healthy = false
	}

	return p, r.save(ctx, p)
}

func (r *ProxyRegistry) Get(id uuid.UUID) (model.ProxyRegistration, bool) {
	return r.proxies.Get(id)
}

// Proxies returns all registrations ordered by address.
func (r *ProxyRegistry) Proxies() []model.ProxyRegistration {
	out := make([]model.ProxyRegistration, 0)
	r.proxies.Range(func(_ uuid.UUID, p model.ProxyRegistration) bool {
		out = append(out, p)
		return true
	})

	slices.SortFunc(out, func(a, b model.ProxyRegistration) int {
		return strings.Compare(a.Address, b.Address)
	})

	return out
}

func (r *ProxyRegistry) byAddress(address string) (model.ProxyRegistration, bool) {
	var found model.ProxyRegistration
	var ok bool
	r.proxies.Range(func(_ uuid.UUID, p model.ProxyRegistration) bool {
		if p.Address == address {
			found, ok = p, true
			return false
		}
		return true
	})

	return found, ok
}

func (r *ProxyRegistry) save(ctx context.Context, p model.ProxyRegistration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	if err := r.store.db.Put(ctx, ds.NewKey(proxyPrefix).ChildString(p.ID.String()), b); err != nil {
		return fmt.Errorf("persist proxy %s: %w", p.Address, err)
	}

	r.proxies.Set(p.ID, p)
	return nil
}
