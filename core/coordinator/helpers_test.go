package coordinator

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/broker"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/topology"
	"github.com/pyropy/slotcluster/lib/logger"
	proxyRPC "github.com/pyropy/slotcluster/rpc/proxy"
	"github.com/stretchr/testify/require"
)

const (
	proxyA = "proxy-a:6380"
	proxyB = "proxy-b:6380"
	proxyC = "proxy-c:6380"
)

func adminOf(address string) string {
	return address[:len(address)-1] + "1"
}

// fakeProber answers probes from in-memory state.
type fakeProber struct {
	mu          sync.Mutex
	downProxies map[string]bool
	downChunks  map[string]bool
	signals     map[uuid.UUID]proxyRPC.MigrationSignals
	calls       map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		downProxies: make(map[string]bool),
		downChunks:  make(map[string]bool),
		signals:     make(map[uuid.UUID]proxyRPC.MigrationSignals),
		calls:       make(map[string]int),
	}
}

func (f *fakeProber) PingProxy(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[address] += 1
	if f.downProxies[address] {
		return fmt.Errorf("%w: %s", model.ErrUnreachablePeer, address)
	}
	return nil
}

func (f *fakeProber) ChunkHealth(_ context.Context, _ string, chunk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[chunk] += 1
	if f.downChunks[chunk] {
		return fmt.Errorf("%w: chunk %s", model.ErrUnreachablePeer, chunk)
	}
	return nil
}

func (f *fakeProber) Signals(_ context.Context, _ string, chunk string, task uuid.UUID) (proxyRPC.MigrationSignals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.signals[task]
	s.Task = task
	s.Chunk = chunk
	return s, nil
}

func (f *fakeProber) setChunkDown(chunk string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downChunks[chunk] = down
}

func (f *fakeProber) setProxyDown(address string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downProxies[address] = down
}

func (f *fakeProber) signal(task uuid.UUID, update func(*proxyRPC.MigrationSignals)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.signals[task]
	update(&s)
	f.signals[task] = s
}

func (f *fakeProber) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func testConfig() Config {
	return Config{
		ID:               "coordinator-test",
		Interval:         time.Second,
		MigrationTimeout: time.Minute,
		ProxyAckTimeout:  30 * time.Second,
		MaxFailures:      1,
		OverloadRatio:    0,
		RetryAttempts:    5,
	}
}

// harness runs a coordinator against a real broker API.
type harness struct {
	t       *testing.T
	ctx     context.Context
	client  *topology.Client
	prober  *fakeProber
	coord   *Coordinator
	clock   time.Time
	proxies map[string]uuid.UUID
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := broker.OpenStore(ctx, "", logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := broker.NewProxyRegistry(ctx, store, 1)
	require.NoError(t, err)

	srv := httptest.NewServer(broker.NewAPI(store, registry, logger.Nop()))
	t.Cleanup(srv.Close)

	h := &harness{
		t:       t,
		ctx:     ctx,
		client:  topology.NewClient(srv.URL, time.Second),
		prober:  newFakeProber(),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		proxies: make(map[string]uuid.UUID),
	}

	for _, address := range []string{proxyA, proxyB, proxyC} {
		p, err := h.client.Register(ctx, address, adminOf(address))
		require.NoError(t, err)
		h.proxies[address] = p.ID
	}

	h.coord = New(&cfg, h.client, h.prober, logger.Nop())
	h.coord.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) topology() model.Topology {
	h.t.Helper()

	topo, err := h.client.GetTopology(h.ctx)
	require.NoError(h.t, err)
	return topo
}

func (h *harness) propose(changes ...model.Change) uint64 {
	h.t.Helper()

	epoch, err := h.client.ProposeUpdate(h.ctx, h.topology().Epoch, model.NewDelta(changes...))
	require.NoError(h.t, err)
	return epoch
}

// seed installs chunk a on proxyA with slots 0-8191 and chunk b on proxyB
// with slots 8192-16383, then advances to epoch.
func (h *harness) seed(epoch uint64, extra ...model.Change) {
	h.t.Helper()

	changes := append([]model.Change{
		model.AddChunk(model.Chunk{ID: "a", Proxy: proxyA, Backends: []string{"redis-a:6379"}, Slots: model.SlotRanges{model.NewSlotRange(0, 8191)}}),
		model.AddChunk(model.Chunk{ID: "b", Proxy: proxyB, Backends: []string{"redis-b:6379"}, Slots: model.SlotRanges{model.NewSlotRange(8192, 16383)}}),
	}, extra...)
	h.propose(changes...)

	for h.topology().Epoch < epoch {
		h.propose(model.SetBackends("a", []string{"redis-a:6379"}))
	}
}

// ackAll reports the current epoch for every registered proxy.
func (h *harness) ackAll() {
	h.t.Helper()

	epoch := h.topology().Epoch
	for _, id := range h.proxies {
		require.NoError(h.t, h.client.Heartbeat(h.ctx, id, epoch))
	}
}

func (h *harness) cycle() {
	h.t.Helper()
	require.NoError(h.t, h.coord.RunCycle(h.ctx))
}

func (h *harness) migration(id uuid.UUID) (model.MigrationTask, bool) {
	return h.topology().Migration(id)
}

func (h *harness) proxy(address string) model.ProxyRegistration {
	h.t.Helper()

	proxies, err := h.client.Proxies(h.ctx)
	require.NoError(h.t, err)
	for _, p := range proxies {
		if p.Address == address {
			return p
		}
	}
	h.t.Fatalf("proxy %s not registered", address)
	return model.ProxyRegistration{}
}
