package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/topology"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// HeartbeatService registers the proxy with the broker and reports the epoch
// it serves, on every swap and on a fixed interval.
type HeartbeatService struct {
	client       *topology.Client
	cache        *topology.Cache
	log          *zap.SugaredLogger
	address      string
	adminAddress string
	interval     time.Duration

	id   *atomic.Pointer[uuid.UUID]
	kick chan struct{}
}

func NewHeartbeatService(client *topology.Client, cache *topology.Cache, log *zap.SugaredLogger, address, adminAddress string, interval time.Duration) *HeartbeatService {
	h := &HeartbeatService{
		client:       client,
		cache:        cache,
		log:          log,
		address:      address,
		adminAddress: adminAddress,
		interval:     interval,
		id:           atomic.NewPointer[uuid.UUID](nil),
		kick:         make(chan struct{}, 1),
	}

	cache.OnSwap(func(*topology.Snapshot) { h.Notify() })
	return h
}

// Notify schedules a report without blocking.
func (h *HeartbeatService) Notify() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Start reports on every tick and every swap until ctx is done.
func (h *HeartbeatService) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.report(ctx)
		case <-h.kick:
			h.report(ctx)
		}
	}
}

func (h *HeartbeatService) report(ctx context.Context) {
	if err := h.Report(ctx); err != nil {
		h.log.Warnw("heartbeat", "status", "report failed", "broker", h.client.Addr(), "ERROR", err)
	}
}

// Report sends one heartbeat, registering first when needed.
func (h *HeartbeatService) Report(ctx context.Context) error {
	id := h.id.Load()
	if id == nil {
		p, err := h.client.Register(ctx, h.address, h.adminAddress)
		if err != nil {
			return err
		}
		h.id.Store(&p.ID)
		id = &p.ID
		h.log.Infow("heartbeat", "status", "registered with broker", "id", p.ID, "address", h.address)
	}

	err := h.client.Heartbeat(ctx, *id, h.cache.Epoch())
	if errors.Is(err, topology.ErrNotFound) {
		h.id.Store(nil)
	}

	return err
}

// ID returns the registration id, if registered.
func (h *HeartbeatService) ID() (uuid.UUID, bool) {
	if id := h.id.Load(); id != nil {
		return *id, true
	}
	return uuid.Nil, false
}
